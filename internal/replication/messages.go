package replication

import (
	"time"

	"github.com/arkilian/memlog/pkg/types"
)

// Entry is one replicated log entry. A nil Envelope marks the no-op a
// new leader appends to commit entries from earlier terms.
type Entry struct {
	Index    uint64          `json:"index"`
	Term     uint64          `json:"term"`
	Route    string          `json:"route,omitempty"`
	Envelope *types.Envelope `json:"envelope,omitempty"`
}

// VoteRequest asks a peer to vote for a candidate.
type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// VoteResponse answers a VoteRequest.
type VoteResponse struct {
	Term    uint64 `json:"term"`
	Granted bool   `json:"granted"`
}

// AppendRequest carries entries, or nothing as a heartbeat.
type AppendRequest struct {
	Term         uint64  `json:"term"`
	LeaderID     string  `json:"leader_id"`
	PrevLogIndex uint64  `json:"prev_log_index"`
	PrevLogTerm  uint64  `json:"prev_log_term"`
	Entries      []Entry `json:"entries,omitempty"`
	LeaderCommit uint64  `json:"leader_commit"`
}

// AppendResponse answers an AppendRequest. On rejection ConflictIndex is
// where the leader should resume.
type AppendResponse struct {
	Term          uint64 `json:"term"`
	Success       bool   `json:"success"`
	MatchIndex    uint64 `json:"match_index,omitempty"`
	ConflictIndex uint64 `json:"conflict_index,omitempty"`
}

// SnapshotRequest transfers an encoded store snapshot that reflects
// every entry up to LastIndex.
type SnapshotRequest struct {
	Term      uint64 `json:"term"`
	LeaderID  string `json:"leader_id"`
	LastIndex uint64 `json:"last_index"`
	LastTerm  uint64 `json:"last_term"`
	Data      []byte `json:"data"`
}

// SnapshotResponse answers a SnapshotRequest.
type SnapshotResponse struct {
	Term uint64 `json:"term"`
}

// PeerHealth is the leader's view of one follower.
type PeerHealth struct {
	ID          string    `json:"id"`
	MatchIndex  uint64    `json:"match_index"`
	NextIndex   uint64    `json:"next_index"`
	Lag         uint64    `json:"lag"`
	LastContact time.Time `json:"last_contact"`
	Resyncs     int       `json:"resyncs"`
	Resyncing   bool      `json:"resyncing"`
}

// Health summarizes a node for cluster tooling.
type Health struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Term         uint64       `json:"term"`
	Leader       string       `json:"leader,omitempty"`
	CommitIndex  uint64       `json:"commit_index"`
	AppliedIndex uint64       `json:"applied_index"`
	LastIndex    uint64       `json:"last_index"`
	BaseIndex    uint64       `json:"base_index"`
	Peers        []PeerHealth `json:"peers,omitempty"`
}

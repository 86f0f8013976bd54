package replication

import (
	"context"
	"fmt"

	storeerrors "github.com/arkilian/memlog/internal/errors"
)

var _ Handler = (*Node)(nil)

// HandleRequestVote grants the vote when the candidate's term is current,
// the node has not voted for someone else in it, and the candidate's log
// is at least as up to date.
func (n *Node) HandleRequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if req.Term > n.term {
		n.stepDownLocked(req.Term, "")
	}
	resp := &VoteResponse{Term: n.term}
	if req.Term < n.term {
		return resp, nil
	}
	if n.votedFor != "" && n.votedFor != req.CandidateID {
		return resp, nil
	}
	lastTerm, lastIndex := n.log.lastTerm(), n.log.lastIndex()
	if req.LastLogTerm < lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex < lastIndex) {
		return resp, nil
	}
	n.votedFor = req.CandidateID
	if err := n.persistLocked(); err != nil {
		return nil, err
	}
	n.resetElectionTimerLocked()
	resp.Granted = true
	n.logger.Debug("vote granted", "candidate", req.CandidateID, "term", req.Term)
	return resp, nil
}

// acceptLeaderLocked records a message from the leader of term.
func (n *Node) acceptLeaderLocked(term uint64, leader string) {
	if term > n.term || n.role != Follower {
		n.stepDownLocked(term, leader)
	}
	n.leaderID = leader
	n.lastHeard = n.now()
	n.resetElectionTimerLocked()
}

// HandleAppendEntries appends the leader's entries after checking that
// the log matches at PrevLogIndex, replacing a conflicting uncommitted
// suffix.
func (n *Node) HandleAppendEntries(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if req.Term < n.term {
		return &AppendResponse{Term: n.term}, nil
	}
	n.acceptLeaderLocked(req.Term, req.LeaderID)
	resp := &AppendResponse{Term: n.term}

	last := n.log.lastIndex()
	if req.PrevLogIndex > last {
		resp.ConflictIndex = last + 1
		return resp, nil
	}
	entries := req.Entries
	if req.PrevLogIndex < n.log.baseIndex {
		// Entries up to the base are committed and compacted here.
		skip := n.log.baseIndex - req.PrevLogIndex
		if skip >= uint64(len(entries)) {
			entries = nil
		} else {
			entries = entries[skip:]
		}
	} else if term, _ := n.log.term(req.PrevLogIndex); term != req.PrevLogTerm {
		ci := req.PrevLogIndex
		for ci > n.log.baseIndex+1 {
			if t, _ := n.log.term(ci - 1); t != term {
				break
			}
			ci--
		}
		resp.ConflictIndex = ci
		return resp, nil
	}

	for i, e := range entries {
		term, ok := n.log.term(e.Index)
		if ok && term == e.Term {
			continue
		}
		if ok {
			if e.Index <= n.commitIndex {
				return nil, storeerrors.NewInternalError(
					fmt.Sprintf("leader conflicts with committed entry %d", e.Index), nil)
			}
			if err := n.truncateLocked(e.Index); err != nil {
				return nil, err
			}
		}
		if err := n.appendLocked(entries[i:]...); err != nil {
			return nil, err
		}
		break
	}

	matched := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > n.commitIndex {
		n.setCommitLocked(min(req.LeaderCommit, matched))
	}
	resp.Success = true
	resp.MatchIndex = matched
	return resp, nil
}

// HandleInstallSnapshot replaces the store's state with the leader's
// snapshot and restarts the log after it.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	n.mu.Lock()
	if req.Term < n.term {
		defer n.mu.Unlock()
		return &SnapshotResponse{Term: n.term}, nil
	}
	n.acceptLeaderLocked(req.Term, req.LeaderID)
	if req.LastIndex <= n.lastApplied {
		defer n.mu.Unlock()
		return &SnapshotResponse{Term: n.term}, nil
	}
	n.mu.Unlock()

	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	if _, err := n.sm.InstallSnapshot(ctx, req.Data); err != nil {
		n.logger.Error("failed to install snapshot", "leader", req.LeaderID, "error", err)
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	var err error
	if term, ok := n.log.term(req.LastIndex); ok && term == req.LastTerm {
		err = n.log.compact(req.LastIndex)
	} else {
		if terr := n.truncateLocked(n.log.baseIndex + 1); terr != nil {
			n.logger.Warn("failed to drop replaced entries", "error", terr)
		}
		err = n.log.reset(req.LastIndex, req.LastTerm)
	}
	if err != nil {
		return nil, storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to rebase replication log", err)
	}
	for id, idx := range n.pending {
		if idx <= req.LastIndex {
			delete(n.pending, id)
		}
	}
	n.lastApplied = max(n.lastApplied, req.LastIndex)
	if n.commitIndex < req.LastIndex {
		n.commitIndex = req.LastIndex
		_ = n.persistLocked()
	}
	n.resolveWaitersLocked()
	n.logger.Info("snapshot installed", "leader", req.LeaderID, "last_index", req.LastIndex, "term", req.LastTerm)
	n.signalApply()
	return &SnapshotResponse{Term: n.term}, nil
}

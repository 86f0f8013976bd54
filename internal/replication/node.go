package replication

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arkilian/memlog/internal/codec"
	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/observability"
	"github.com/arkilian/memlog/internal/router"
	"github.com/arkilian/memlog/internal/store"
	"github.com/arkilian/memlog/pkg/types"
)

// StateMachine is the store a node replicates into.
type StateMachine interface {
	Codec() codec.Codec
	Notifier() *router.Notifier
	PrepareEnvelope(ev codec.Event, opts ...store.AppendOption) (*types.Envelope, string, error)
	RouteHead(route string) string
	HasSeen(ctx context.Context, id string) (bool, error)
	ApplyReplicated(ctx context.Context, entries []store.ReplicatedEntry) error
	AppliedIndex() (index, term uint64)
	SnapshotForTransfer(ctx context.Context) ([]byte, types.Marker, error)
	InstallSnapshot(ctx context.Context, data []byte) (types.Marker, error)
}

// Config holds replication settings.
type Config struct {
	NodeID string
	// Peers are the other members; the cluster is Peers plus this node.
	Peers []string
	// Dir holds state.json and log.dat.
	Dir string

	HeartbeatInterval time.Duration
	// ElectionTimeout is the base timeout; each wait is drawn from [T, 2T).
	ElectionTimeout time.Duration
	RPCTimeout      time.Duration
	CommitTimeout   time.Duration
	// ResyncThreshold is the lag in entries past which a follower gets a
	// snapshot instead of the log.
	ResyncThreshold  uint64
	MaxEntriesPerRPC int
	// LogRetain is how many applied entries survive log compaction.
	LogRetain uint64
	// SnapshotRate bounds snapshot transfers per second to each peer.
	SnapshotRate float64
}

// DefaultConfig returns the default replication settings.
func DefaultConfig(nodeID, dir string, peers []string) Config {
	return Config{
		NodeID:            nodeID,
		Peers:             peers,
		Dir:               dir,
		HeartbeatInterval: 100 * time.Millisecond,
		ElectionTimeout:   time.Second,
		RPCTimeout:        500 * time.Millisecond,
		CommitTimeout:     5 * time.Second,
		ResyncThreshold:   10000,
		MaxEntriesPerRPC:  512,
		LogRetain:         1024,
		SnapshotRate:      0.2,
	}
}

func (c *Config) validate() error {
	if c.NodeID == "" {
		return storeerrors.NewValidationError(storeerrors.CodeInvalidConfig, "replication node id is required")
	}
	if c.Dir == "" {
		return storeerrors.NewValidationError(storeerrors.CodeInvalidConfig, "replication directory is required")
	}
	for _, p := range c.Peers {
		if p == c.NodeID {
			return storeerrors.NewValidationError(storeerrors.CodeInvalidConfig, "peers must not include the node itself")
		}
	}
	if c.HeartbeatInterval <= 0 || c.ElectionTimeout <= c.HeartbeatInterval {
		return storeerrors.NewValidationError(storeerrors.CodeInvalidConfig,
			"election timeout must exceed a positive heartbeat interval")
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = c.ElectionTimeout / 2
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 5 * time.Second
	}
	if c.MaxEntriesPerRPC <= 0 {
		c.MaxEntriesPerRPC = 512
	}
	if c.SnapshotRate <= 0 {
		c.SnapshotRate = 0.2
	}
	return nil
}

type peer struct {
	id          string
	next        uint64
	match       uint64
	lastContact time.Time
	resync      bool
	resyncs     int
	kick        chan struct{}
	limiter     *rate.Limiter
}

func (p *peer) signal() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

type waiter struct {
	index uint64
	term  uint64
	done  chan error
}

// Node is one cluster member. All state below mu is guarded by it;
// applyMu serializes applying entries and installing snapshots.
type Node struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	sm        StateMachine
	transport Transport
	now       func() time.Time
	rand      *rand.Rand

	applyMu sync.Mutex

	mu               sync.Mutex
	log              *raftLog
	role             Role
	term             uint64
	votedFor         string
	leaderID         string
	lastHeard        time.Time
	commitIndex      uint64
	lastApplied      uint64
	electionDeadline time.Time
	peers            map[string]*peer
	waiters          map[uint64][]*waiter
	pending          map[string]uint64
	leaderCancel     context.CancelFunc

	applyCh  chan struct{}
	quit     chan struct{}
	wg       sync.WaitGroup
	sub      *router.Subscriber
	stopOnce sync.Once
}

// NewNode opens the node's persistent state in cfg.Dir.
func NewNode(cfg Config, sm StateMachine, transport Transport, logger *slog.Logger, metrics *observability.Metrics) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, storeerrors.NewIOError(storeerrors.CodeDiskUnavailable, "failed to create replication directory", err)
	}

	n := &Node{
		cfg:       cfg,
		logger:    logger.With("component", "replication", "node", cfg.NodeID),
		metrics:   metrics,
		sm:        sm,
		transport: transport,
		now:       time.Now,
		rand:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(len(cfg.NodeID)))),
		peers:     make(map[string]*peer, len(cfg.Peers)),
		waiters:   make(map[uint64][]*waiter),
		pending:   make(map[string]uint64),
		applyCh:   make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	for _, id := range cfg.Peers {
		n.peers[id] = &peer{
			id:      id,
			kick:    make(chan struct{}, 1),
			limiter: rate.NewLimiter(rate.Limit(cfg.SnapshotRate), 1),
		}
	}

	log, err := openLog(filepath.Join(cfg.Dir, "log.dat"), sm.Codec(), n.logger)
	if err != nil {
		return nil, storeerrors.NewIOError(storeerrors.CodeReadFailed, "failed to open replication log", err)
	}
	n.log = log
	hs, err := loadHardState(n.hardStatePath())
	if err != nil {
		log.close()
		return nil, storeerrors.NewIOError(storeerrors.CodeReadFailed, "failed to load replication state", err)
	}
	n.term, n.votedFor, n.commitIndex = hs.Term, hs.VotedFor, hs.CommitIndex

	// The store may be ahead of the log, after a snapshot install whose
	// log rewrite did not happen.
	applied, appliedTerm := sm.AppliedIndex()
	if applied > n.log.lastIndex() {
		if err := n.log.reset(applied, appliedTerm); err != nil {
			log.close()
			return nil, storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to reset replication log", err)
		}
	}
	n.lastApplied = max(applied, n.log.baseIndex)
	n.commitIndex = min(max(n.commitIndex, n.lastApplied), n.log.lastIndex())
	for _, e := range n.log.slice(n.lastApplied+1, n.log.lastIndex()) {
		if e.Envelope != nil {
			n.pending[e.Envelope.EventID] = e.Index
		}
	}
	n.logger.Info("replication state loaded", "term", n.term, "commit_index", n.commitIndex,
		"applied_index", n.lastApplied, "last_index", n.log.lastIndex(), "peers", len(n.peers))
	return n, nil
}

func (n *Node) hardStatePath() string {
	return filepath.Join(n.cfg.Dir, "state.json")
}

// Start begins the election timer and the apply loop.
func (n *Node) Start() {
	n.mu.Lock()
	n.resetElectionTimerLocked()
	n.mu.Unlock()

	if notifier := n.sm.Notifier(); notifier != nil {
		n.sub = notifier.Subscribe("replication-"+n.cfg.NodeID, nil, router.SnapshotCreated)
		n.wg.Add(1)
		go n.compactLoop()
	}
	n.wg.Add(2)
	go n.run()
	go n.applyLoop()
	n.signalApply()
	n.logger.Info("replication node started")
}

// Stop halts the node. Waiting writes fail with QUORUM_UNAVAILABLE.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.quit)
		n.mu.Lock()
		if n.leaderCancel != nil {
			n.leaderCancel()
			n.leaderCancel = nil
		}
		n.mu.Unlock()
		if n.sub != nil {
			n.sm.Notifier().Unsubscribe(n.sub.ID)
		}
		n.wg.Wait()

		n.mu.Lock()
		defer n.mu.Unlock()
		err = n.log.close()
		n.logger.Info("replication node stopped", "term", n.term, "commit_index", n.commitIndex)
	})
	return err
}

func (n *Node) stopped() bool {
	select {
	case <-n.quit:
		return true
	default:
		return false
	}
}

func (n *Node) quorum() int {
	return (len(n.peers)+1)/2 + 1
}

func (n *Node) persistLocked() error {
	hs := HardState{Term: n.term, VotedFor: n.votedFor, CommitIndex: n.commitIndex}
	if err := saveHardState(n.hardStatePath(), hs); err != nil {
		n.logger.Error("failed to persist replication state", "error", err)
		return storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to persist replication state", err)
	}
	return nil
}

func (n *Node) setRoleLocked(to Role) {
	if n.role == to && to != Candidate {
		return
	}
	if !n.role.CanBecome(to) {
		n.logger.Error("invalid role transition", "from", n.role, "to", to)
		return
	}
	n.logger.Debug("role changed", "from", n.role, "to", to, "term", n.term)
	n.role = to
}

func (n *Node) resetElectionTimerLocked() {
	base := n.cfg.ElectionTimeout
	n.electionDeadline = n.now().Add(base + time.Duration(n.rand.Int64N(int64(base))))
}

// stepDownLocked makes the node a follower of leader, adopting term when
// it is newer.
func (n *Node) stepDownLocked(term uint64, leader string) {
	if term > n.term {
		n.term = term
		n.votedFor = ""
		_ = n.persistLocked()
	}
	if n.role == Leader {
		if n.leaderCancel != nil {
			n.leaderCancel()
			n.leaderCancel = nil
		}
		n.logger.Info("stepping down", "term", n.term)
	}
	n.setRoleLocked(Follower)
	n.leaderID = leader
	n.resetElectionTimerLocked()
}

func (n *Node) setCommitLocked(index uint64) {
	if index <= n.commitIndex {
		return
	}
	n.commitIndex = index
	_ = n.persistLocked()
	n.signalApply()
}

func (n *Node) signalApply() {
	select {
	case n.applyCh <- struct{}{}:
	default:
	}
}

// appendLocked persists entries and tracks their event ids as pending.
func (n *Node) appendLocked(entries ...Entry) error {
	if err := n.log.append(entries...); err != nil {
		n.logger.Error("failed to append to replication log", "error", err)
		return storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to append to replication log", err)
	}
	for _, e := range entries {
		if e.Envelope != nil {
			n.pending[e.Envelope.EventID] = e.Index
		}
	}
	return nil
}

// truncateLocked removes uncommitted entries from index on. Writes
// waiting on them fail.
func (n *Node) truncateLocked(index uint64) error {
	removed, err := n.log.truncateFrom(index)
	if err != nil {
		return storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to truncate replication log", err)
	}
	for _, e := range removed {
		if e.Envelope != nil && n.pending[e.Envelope.EventID] == e.Index {
			delete(n.pending, e.Envelope.EventID)
		}
		for _, w := range n.waiters[e.Index] {
			w.done <- fmt.Errorf("entry %d replaced by a newer leader", e.Index)
		}
		delete(n.waiters, e.Index)
	}
	n.logger.Info("replication log truncated", "from", index, "entries", len(removed))
	return nil
}

func (n *Node) addWaiterLocked(index uint64) *waiter {
	term, _ := n.log.term(index)
	w := &waiter{index: index, term: term, done: make(chan error, 1)}
	n.waiters[index] = append(n.waiters[index], w)
	return w
}

func (n *Node) dropWaiter(w *waiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ws := n.waiters[w.index]
	for i, other := range ws {
		if other == w {
			n.waiters[w.index] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(n.waiters[w.index]) == 0 {
		delete(n.waiters, w.index)
	}
}

// resolveWaitersLocked completes every waiter at or below lastApplied.
func (n *Node) resolveWaitersLocked() {
	for index, ws := range n.waiters {
		if index > n.lastApplied {
			continue
		}
		term, ok := n.log.term(index)
		for _, w := range ws {
			if ok && term == w.term {
				w.done <- nil
			} else {
				w.done <- fmt.Errorf("entry %d superseded", index)
			}
		}
		delete(n.waiters, index)
	}
}

// Role returns the node's current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Leader returns the known leader id, empty when there is none.
func (n *Node) Leader() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// CommitIndex returns the highest index known to be committed.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// Health reports the node's role, progress and, on the leader, each
// follower's lag.
func (n *Node) Health() Health {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := Health{
		NodeID:       n.cfg.NodeID,
		Role:         n.role.String(),
		Term:         n.term,
		Leader:       n.leaderID,
		CommitIndex:  n.commitIndex,
		AppliedIndex: n.lastApplied,
		LastIndex:    n.log.lastIndex(),
		BaseIndex:    n.log.baseIndex,
	}
	if n.role != Leader {
		return h
	}
	last := n.log.lastIndex()
	for _, id := range n.cfg.Peers {
		p := n.peers[id]
		h.Peers = append(h.Peers, PeerHealth{
			ID:          p.id,
			MatchIndex:  p.match,
			NextIndex:   p.next,
			Lag:         last - min(p.match, last),
			LastContact: p.lastContact,
			Resyncs:     p.resyncs,
			Resyncing:   p.resync,
		})
	}
	return h
}

// ForceResync makes the leader send target a full snapshot.
func (n *Node) ForceResync(ctx context.Context, target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return storeerrors.NotLeader(n.leaderID)
	}
	p, ok := n.peers[target]
	if !ok {
		return storeerrors.NewValidationError(storeerrors.CodeInvalidConfig, fmt.Sprintf("unknown peer %q", target))
	}
	p.resync = true
	p.signal()
	n.logger.Info("snapshot resync requested", "peer", target)
	return nil
}

func (n *Node) run() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.quit:
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

// tick checks the leader's quorum or starts an election once the
// election timer ran out.
func (n *Node) tick() {
	n.mu.Lock()
	now := n.now()
	if n.role == Leader {
		alive := 1
		for _, p := range n.peers {
			if now.Sub(p.lastContact) < n.cfg.ElectionTimeout {
				alive++
			}
		}
		if alive < n.quorum() {
			n.logger.Warn("lost contact with a majority", "term", n.term, "reachable", alive, "quorum", n.quorum())
			n.stepDownLocked(n.term, "")
		}
		n.mu.Unlock()
		return
	}
	if now.Before(n.electionDeadline) {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.campaign()
}

func (n *Node) compactLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.quit:
			return
		case notif, ok := <-n.sub.Ch:
			if !ok {
				return
			}
			n.compactLog(notif.AppliedIndex)
		}
	}
}

// compactLog discards applied entries a snapshot covers, keeping the
// newest LogRetain of them for followers that are only slightly behind.
func (n *Node) compactLog(snapshotIndex uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	upTo := min(snapshotIndex, n.lastApplied)
	if upTo <= n.cfg.LogRetain {
		return
	}
	upTo -= n.cfg.LogRetain
	if upTo <= n.log.baseIndex {
		return
	}
	if err := n.log.compact(upTo); err != nil {
		n.logger.Warn("replication log compaction failed", "index", upTo, "error", err)
		return
	}
	n.logger.Info("replication log compacted", "base_index", upTo, "retained", len(n.log.entries))
}

package replication

import (
	"context"
	"time"

	"github.com/arkilian/memlog/internal/chain"
	"github.com/arkilian/memlog/internal/codec"
	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/store"
)

// Append proposes ev to the cluster and returns its event id once a
// majority stored it and the entry was applied locally. Only the leader
// accepts writes. When commit cannot be confirmed in time the error is
// QUORUM_UNAVAILABLE carrying the event id, so the caller can retry with
// store.WithEventID.
func (n *Node) Append(ctx context.Context, ev codec.Event, opts ...store.AppendOption) (string, error) {
	n.mu.Lock()
	err := n.writableLocked()
	n.mu.Unlock()
	if err != nil {
		return "", err
	}

	env, route, err := n.sm.PrepareEnvelope(ev, opts...)
	if err != nil {
		return "", err
	}
	id := env.EventID
	seen, err := n.sm.HasSeen(ctx, id)
	if err != nil {
		return "", err
	}
	if seen {
		return id, nil
	}

	start := n.now()
	n.mu.Lock()
	if idx, ok := n.pending[id]; ok {
		w := n.addWaiterLocked(idx)
		n.mu.Unlock()
		return id, n.await(ctx, w, id, start)
	}
	if err := n.writableLocked(); err != nil {
		n.mu.Unlock()
		return "", err
	}
	chain.Link(env, n.routeTailLocked(route))
	entry := Entry{Index: n.log.lastIndex() + 1, Term: n.term, Route: route, Envelope: env}
	if err := n.appendLocked(entry); err != nil {
		n.mu.Unlock()
		return "", err
	}
	w := n.addWaiterLocked(entry.Index)
	n.advanceCommitLocked()
	for _, p := range n.peers {
		p.signal()
	}
	n.mu.Unlock()
	return id, n.await(ctx, w, id, start)
}

// writableLocked rejects writes on a node that is not the leader.
func (n *Node) writableLocked() error {
	if n.stopped() {
		return storeerrors.QuorumUnavailable("replication node stopped", "")
	}
	if n.role == Leader {
		return nil
	}
	if n.leaderID != "" && n.now().Sub(n.lastHeard) < n.cfg.ElectionTimeout {
		return storeerrors.NotLeader(n.leaderID)
	}
	return storeerrors.QuorumUnavailable("no leader with a quorum", "")
}

// routeTailLocked returns the hash a new envelope on route chains from:
// the route's newest entry in the unapplied log tail, otherwise the
// store's head.
func (n *Node) routeTailLocked(route string) string {
	for i := n.log.lastIndex(); i > n.lastApplied && i > n.log.baseIndex; i-- {
		e, _ := n.log.entry(i)
		if e.Envelope != nil && e.Route == route {
			return e.Envelope.EventHash
		}
	}
	return n.sm.RouteHead(route)
}

func (n *Node) await(ctx context.Context, w *waiter, id string, start time.Time) error {
	timer := time.NewTimer(n.cfg.CommitTimeout)
	defer timer.Stop()
	select {
	case err := <-w.done:
		if err != nil {
			return storeerrors.QuorumUnavailable(err.Error(), id)
		}
		n.metrics.RecordCommit(ctx, n.now().Sub(start))
		return nil
	case <-timer.C:
		n.dropWaiter(w)
		n.logger.Warn("commit not confirmed in time", "event_id", id, "index", w.index)
		return storeerrors.QuorumUnavailable("commit timeout", id)
	case <-ctx.Done():
		n.dropWaiter(w)
		return storeerrors.QuorumUnavailable("commit not confirmed: "+ctx.Err().Error(), id)
	case <-n.quit:
		return storeerrors.QuorumUnavailable("replication node stopped", id)
	}
}

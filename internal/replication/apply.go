package replication

import (
	"context"

	"github.com/arkilian/memlog/internal/store"
)

func (n *Node) applyLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.quit:
			return
		case <-n.applyCh:
			n.applyCommitted()
		}
	}
}

// applyCommitted hands committed entries to the store in order. The
// store skips event ids it already applied, so entries replayed after a
// restart are harmless.
func (n *Node) applyCommitted() {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	for !n.stopped() {
		n.mu.Lock()
		from := n.lastApplied + 1
		to := min(n.commitIndex, from+uint64(n.cfg.MaxEntriesPerRPC)-1)
		entries := n.log.slice(from, to)
		n.mu.Unlock()
		if len(entries) == 0 {
			return
		}

		batch := make([]store.ReplicatedEntry, len(entries))
		for i, e := range entries {
			batch[i] = store.ReplicatedEntry{Index: e.Index, Term: e.Term, Envelope: e.Envelope}
		}
		if err := n.sm.ApplyReplicated(context.Background(), batch); err != nil {
			n.logger.Error("failed to apply committed entries", "from", from, "to", to, "error", err)
			return
		}

		n.mu.Lock()
		n.lastApplied = max(n.lastApplied, entries[len(entries)-1].Index)
		for _, e := range entries {
			if e.Envelope != nil && n.pending[e.Envelope.EventID] == e.Index {
				delete(n.pending, e.Envelope.EventID)
			}
		}
		n.resolveWaitersLocked()
		n.mu.Unlock()
	}
}

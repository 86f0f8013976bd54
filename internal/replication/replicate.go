package replication

import (
	"context"
	"time"
)

// replicateTo keeps one follower up to date until leadership ends:
// entries whenever there is something new, a heartbeat otherwise, and a
// snapshot when the follower is behind the retained log.
func (n *Node) replicateTo(ctx context.Context, p *peer) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		n.sendTo(ctx, p)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
	}
}

func (n *Node) sendTo(ctx context.Context, p *peer) {
	n.mu.Lock()
	if n.role != Leader || ctx.Err() != nil {
		n.mu.Unlock()
		return
	}
	term := n.term
	if p.resync || p.next <= n.log.baseIndex {
		n.mu.Unlock()
		n.sendSnapshot(ctx, p, term)
		return
	}
	prev := p.next - 1
	prevTerm, _ := n.log.term(prev)
	last := min(n.log.lastIndex(), prev+uint64(n.cfg.MaxEntriesPerRPC))
	req := &AppendRequest{
		Term:         term,
		LeaderID:     n.cfg.NodeID,
		PrevLogIndex: prev,
		PrevLogTerm:  prevTerm,
		Entries:      n.log.slice(p.next, last),
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	resp, err := n.transport.AppendEntries(rctx, p.id, req)
	cancel()
	if err != nil {
		n.logger.Debug("append entries failed", "peer", p.id, "error", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.term {
		n.stepDownLocked(resp.Term, "")
		return
	}
	if n.role != Leader || n.term != term {
		return
	}
	p.lastContact = n.now()
	if resp.Success {
		p.match = max(p.match, prev+uint64(len(req.Entries)))
		p.next = p.match + 1
		n.advanceCommitLocked()
		if p.next <= n.log.lastIndex() {
			p.signal()
		}
		return
	}

	next := resp.ConflictIndex
	if next == 0 || next >= p.next {
		next = p.next - 1
	}
	p.next = max(next, p.match+1, 1)
	lastIndex := n.log.lastIndex()
	if n.cfg.ResyncThreshold > 0 && lastIndex > p.next && lastIndex-p.next > n.cfg.ResyncThreshold {
		n.logger.Info("follower lag exceeds resync threshold", "peer", p.id,
			"next_index", p.next, "last_index", lastIndex)
		p.resync = true
	}
	p.signal()
}

// sendSnapshot transfers the store's current snapshot to p, at most as
// often as the peer's limiter allows.
func (n *Node) sendSnapshot(ctx context.Context, p *peer, term uint64) {
	if !p.limiter.Allow() {
		return
	}
	data, marker, err := n.sm.SnapshotForTransfer(ctx)
	if err != nil {
		n.logger.Warn("failed to prepare snapshot for transfer", "peer", p.id, "error", err)
		return
	}
	req := &SnapshotRequest{
		Term:      term,
		LeaderID:  n.cfg.NodeID,
		LastIndex: marker.AppliedIndex,
		LastTerm:  marker.AppliedTerm,
		Data:      data,
	}
	n.logger.Info("sending snapshot", "peer", p.id, "last_index", req.LastIndex, "bytes", len(data))

	rctx, cancel := context.WithTimeout(ctx, 10*n.cfg.RPCTimeout)
	resp, err := n.transport.InstallSnapshot(rctx, p.id, req)
	cancel()
	if err != nil {
		n.logger.Warn("snapshot transfer failed", "peer", p.id, "error", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.term {
		n.stepDownLocked(resp.Term, "")
		return
	}
	if n.role != Leader || n.term != term {
		return
	}
	p.lastContact = n.now()
	p.match = max(p.match, req.LastIndex)
	p.next = p.match + 1
	p.resync = false
	p.resyncs++
	n.metrics.RecordResync(ctx, p.id)
	n.advanceCommitLocked()
	p.signal()
}

// advanceCommitLocked commits the newest entry of the current term that
// a majority stored. Entries of earlier terms commit with it.
func (n *Node) advanceCommitLocked() {
	if n.role != Leader {
		return
	}
	for idx := n.log.lastIndex(); idx > n.commitIndex; idx-- {
		term, ok := n.log.term(idx)
		if !ok || term != n.term {
			return
		}
		votes := 1
		for _, p := range n.peers {
			if p.match >= idx {
				votes++
			}
		}
		if votes >= n.quorum() {
			n.setCommitLocked(idx)
			return
		}
	}
}

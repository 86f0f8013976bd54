package replication

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// campaign starts an election for the next term and requests votes from
// every peer in parallel. The node becomes leader as soon as a majority
// granted its vote.
func (n *Node) campaign() {
	n.mu.Lock()
	if n.stopped() || n.role == Leader {
		n.mu.Unlock()
		return
	}
	n.setRoleLocked(Candidate)
	n.term++
	n.votedFor = n.cfg.NodeID
	n.leaderID = ""
	if err := n.persistLocked(); err != nil {
		n.stepDownLocked(n.term, "")
		n.mu.Unlock()
		return
	}
	n.resetElectionTimerLocked()
	req := &VoteRequest{
		Term:         n.term,
		CandidateID:  n.cfg.NodeID,
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}
	if len(n.peers) == 0 {
		n.becomeLeaderLocked()
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.logger.Info("starting election", "term", req.Term, "last_index", req.LastLogIndex)

	votes := 1
	g, ctx := errgroup.WithContext(context.Background())
	for _, id := range n.cfg.Peers {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
			defer cancel()
			resp, err := n.transport.RequestVote(rctx, id, req)
			if err != nil {
				n.logger.Debug("vote request failed", "peer", id, "error", err)
				return nil
			}
			n.mu.Lock()
			defer n.mu.Unlock()
			if resp.Term > n.term {
				n.stepDownLocked(resp.Term, "")
				return nil
			}
			if !resp.Granted || n.role != Candidate || n.term != req.Term {
				return nil
			}
			votes++
			if votes >= n.quorum() {
				n.becomeLeaderLocked()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// becomeLeaderLocked takes leadership for the current term: it appends a
// no-op so entries from earlier terms can commit and starts one
// replicator per peer.
func (n *Node) becomeLeaderLocked() {
	if n.stopped() {
		return
	}
	n.setRoleLocked(Leader)
	n.leaderID = n.cfg.NodeID
	last := n.log.lastIndex()
	now := n.now()
	for _, p := range n.peers {
		p.next = last + 1
		p.match = 0
		p.lastContact = now
		p.resync = false
	}
	if err := n.appendLocked(Entry{Index: last + 1, Term: n.term}); err != nil {
		n.stepDownLocked(n.term, "")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.leaderCancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range n.peers {
		g.Go(func() error {
			n.replicateTo(gctx, p)
			return nil
		})
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = g.Wait()
	}()

	n.metrics.RecordElection(ctx)
	n.logger.Info("became leader", "term", n.term, "last_index", last+1)
	n.advanceCommitLocked()
}

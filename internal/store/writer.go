package store

import (
	"context"
	"fmt"
	"time"

	"github.com/arkilian/memlog/internal/chain"
	"github.com/arkilian/memlog/internal/codec"
	"github.com/arkilian/memlog/internal/engine"
	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/index"
	"github.com/arkilian/memlog/internal/router"
	"github.com/arkilian/memlog/pkg/types"
)

// Command is one event to append, optionally with a caller-chosen id so
// a retry after an ambiguous failure is deduplicated.
type Command struct {
	Event   codec.Event
	EventID string
}

// AppendOption customizes Append.
type AppendOption func(*Command)

// WithEventID appends under id instead of a generated one.
func WithEventID(id string) AppendOption {
	return func(c *Command) { c.EventID = id }
}

// ReplicatedEntry is a committed replication log entry. Envelope is nil
// for entries that carry no event.
type ReplicatedEntry struct {
	Index    uint64
	Term     uint64
	Envelope *types.Envelope
}

type writeReq struct {
	ctx      context.Context
	commands []Command
	entries  []ReplicatedEntry
	ids      []string
	err      error
	done     chan error
}

type pending struct {
	req   *writeReq
	env   *types.Envelope
	ev    codec.Event
	route string
	local bool
	data  []byte
	pos   types.Position
	ok    bool
}

// Append writes one event and returns its event id. Appending an id the
// store has already accepted is a no-op that returns the same id.
func (s *Store) Append(ctx context.Context, ev codec.Event, opts ...AppendOption) (string, error) {
	cmd := Command{Event: ev}
	for _, opt := range opts {
		opt(&cmd)
	}
	ids, err := s.AppendBatch(ctx, []Command{cmd})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendBatch writes commands in order as one unit of group commit.
func (s *Store) AppendBatch(ctx context.Context, commands []Command) ([]string, error) {
	if len(commands) == 0 {
		return nil, nil
	}
	for _, c := range commands {
		if err := s.validate(c.Event); err != nil {
			return nil, err
		}
	}
	req := &writeReq{ctx: ctx, commands: commands, ids: make([]string, len(commands)), done: make(chan error, 1)}
	if err := s.submit(ctx, req); err != nil {
		return nil, err
	}
	return req.ids, nil
}

// ApplyReplicated appends committed entries received through replication
// and applies them. Entries are assumed to be already linked.
func (s *Store) ApplyReplicated(ctx context.Context, entries []ReplicatedEntry) error {
	if len(entries) == 0 {
		return nil
	}
	req := &writeReq{ctx: ctx, entries: entries, done: make(chan error, 1)}
	return s.submit(ctx, req)
}

func (s *Store) validate(ev codec.Event) error {
	if ev == nil {
		return storeerrors.NewValidationError(storeerrors.CodeInvalidEvent, "event is nil")
	}
	if !s.registry.Known(ev.EventType()) {
		return storeerrors.Wrap(storeerrors.ErrCategorySerialization, storeerrors.CodeUnknownEventType,
			fmt.Sprintf("event type %q is not registered", ev.EventType()), nil)
	}
	if err := ev.Validate(); err != nil {
		return storeerrors.NewValidationError(storeerrors.CodeInvalidEvent, err.Error())
	}
	return nil
}

func (s *Store) submit(ctx context.Context, req *writeReq) error {
	if s.closed.Load() {
		return storeerrors.ErrStoreClosed
	}
	if err := s.Failed(); err != nil {
		return err
	}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return storeerrors.ErrStoreClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		select {
		case err := <-req.done:
			return err
		default:
			return storeerrors.ErrStoreClosed
		}
	}
}

func (r *writeReq) size() int {
	return len(r.commands) + len(r.entries)
}

func (r *writeReq) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// run is the single writer loop.
func (s *Store) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			s.drain()
			return
		case req := <-s.reqCh:
			s.process(s.collect(req))
		}
	}
}

// collect groups queued requests with first, waiting at most BatchWindow
// for more once the queue is empty.
func (s *Store) collect(first *writeReq) []*writeReq {
	batch := []*writeReq{first}
	n := first.size()
	var window <-chan time.Time
	if s.cfg.BatchWindow > 0 {
		t := time.NewTimer(s.cfg.BatchWindow)
		defer t.Stop()
		window = t.C
	}
	for n < s.cfg.BatchSize {
		select {
		case req := <-s.reqCh:
			batch = append(batch, req)
			n += req.size()
			continue
		default:
		}
		if window == nil {
			break
		}
		select {
		case req := <-s.reqCh:
			batch = append(batch, req)
			n += req.size()
		case <-window:
			return batch
		case <-s.quit:
			return batch
		}
	}
	return batch
}

func (s *Store) drain() {
	for {
		select {
		case req := <-s.reqCh:
			req.done <- storeerrors.ErrStoreClosed
		default:
			return
		}
	}
}

// process writes one batch: dedup records first, then frames, then fsync,
// then the state swap. Each request completes with the first error that
// touched any of its events.
func (s *Store) process(batch []*writeReq) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx := context.Background()

	defer func() {
		for _, req := range batch {
			req.done <- req.err
		}
	}()
	if err := s.Failed(); err != nil {
		for _, req := range batch {
			req.fail(err)
		}
		return
	}

	seen := make(map[string]struct{})
	var pend []*pending
	for _, req := range batch {
		if err := req.ctx.Err(); err != nil {
			req.fail(err)
			continue
		}
		if len(req.entries) > 0 {
			pend = s.stageReplicated(req, seen, pend)
		} else {
			pend = s.stageLocal(ctx, req, seen, pend)
		}
	}

	pend = s.persistDedup(ctx, pend)
	routes, groups := s.linkAndEncode(pend)

	syncs := 0
	for _, name := range routes {
		if err := s.writeRoute(ctx, name, groups[name]); err != nil {
			s.fail(err)
			continue
		}
		if s.cfg.Durability == DurabilityAlways && len(groups[name]) > 0 {
			syncs++
		}
	}

	s.commit(ctx, batch, routes, groups)
	s.metrics.RecordSync(ctx, syncs)
	s.metrics.RecordBatch(ctx, len(pend))
}

// stageLocal builds unlinked envelopes for a request's commands.
func (s *Store) stageLocal(ctx context.Context, req *writeReq, seen map[string]struct{}, pend []*pending) []*pending {
	var staged []*pending
	mine := make(map[string]struct{})
	for i, cmd := range req.commands {
		id := cmd.EventID
		if id == "" {
			gen, err := s.ids.GenerateAt(s.now())
			if err != nil {
				req.fail(storeerrors.NewInternalError("failed to generate event id", err))
				return pend
			}
			id = gen.String()
		}
		req.ids[i] = id

		if _, dup := seen[id]; dup {
			continue
		}
		if _, dup := mine[id]; dup {
			continue
		}
		known, err := s.dedup.HasSeen(ctx, id)
		if err != nil {
			req.fail(storeerrors.NewIOError(storeerrors.CodeReadFailed, "dedup lookup failed", err))
			return pend
		}
		if known {
			s.metrics.RecordDuplicate(ctx, s.router.RouteOf(cmd.Event.AggregateID()))
			continue
		}

		env, route, err := s.buildEnvelope(cmd.Event, id)
		if err != nil {
			req.fail(err)
			return pend
		}
		mine[id] = struct{}{}
		staged = append(staged, &pending{req: req, env: env, ev: cmd.Event, route: route, local: true})
	}
	for id := range mine {
		seen[id] = struct{}{}
	}
	return append(pend, staged...)
}

// buildEnvelope encodes ev and fills every envelope field except the hashes.
func (s *Store) buildEnvelope(ev codec.Event, id string) (*types.Envelope, string, error) {
	route, err := s.router.RouteFor(ev.AggregateID(), ev.EventType())
	if err != nil {
		return nil, "", err
	}
	payload, err := s.codec.MarshalEvent(ev)
	if err != nil {
		return nil, "", err
	}
	return &types.Envelope{
		EventType:   ev.EventType(),
		EventID:     id,
		Timestamp:   s.now().UnixMilli(),
		Payload:     payload,
		AggregateID: ev.AggregateID(),
	}, route, nil
}

// stageReplicated decodes committed entries; ids already applied are
// skipped.
func (s *Store) stageReplicated(req *writeReq, seen map[string]struct{}, pend []*pending) []*pending {
	for _, entry := range req.entries {
		env := entry.Envelope
		if env == nil {
			continue
		}
		if _, dup := seen[env.EventID]; dup || s.dedup.Applied(env.EventID) {
			continue
		}
		route, err := s.router.Route(env)
		if err != nil {
			req.fail(err)
			return pend
		}
		ev, err := s.codec.UnmarshalEvent(env.EventType, env.Payload)
		if err != nil {
			req.fail(err)
			return pend
		}
		seen[env.EventID] = struct{}{}
		pend = append(pend, &pending{req: req, env: env.Clone(), ev: ev, route: route})
	}
	return pend
}

// persistDedup records every staged id before any frame is written. Local
// ids another store already claimed are dropped as duplicates.
func (s *Store) persistDedup(ctx context.Context, pend []*pending) []*pending {
	var local, replicated []string
	for _, p := range pend {
		if p.local {
			local = append(local, p.env.EventID)
		} else {
			replicated = append(replicated, p.env.EventID)
		}
	}

	var claimed map[string]struct{}
	var localErr, replErr error
	if len(local) > 0 {
		ids, err := s.dedup.MarkSeen(ctx, local...)
		localErr = err
		claimed = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			claimed[id] = struct{}{}
		}
	}
	if len(replicated) > 0 {
		ids, err := s.dedup.MarkSeen(ctx, replicated...)
		replErr = err
		if len(ids) > 0 {
			s.dedup.Adopt(ids...)
		}
	}

	kept := pend[:0]
	for _, p := range pend {
		switch {
		case p.local && localErr != nil:
			p.req.fail(storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to persist dedup records", localErr))
		case !p.local && replErr != nil:
			p.req.fail(storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to persist dedup records", replErr))
		default:
			if _, ok := claimed[p.env.EventID]; ok && p.local {
				s.metrics.RecordDuplicate(ctx, p.route)
				continue
			}
			kept = append(kept, p)
		}
	}
	return kept
}

// linkAndEncode chains local envelopes onto their route heads and encodes
// everything, grouped by route in first-seen order.
func (s *Store) linkAndEncode(pend []*pending) ([]string, map[string][]*pending) {
	lastHash := make(map[string]string)
	groups := make(map[string][]*pending)
	var routes []string
	for _, p := range pend {
		if p.req.err != nil {
			s.dedup.Forget(p.env.EventID)
			continue
		}
		prev, ok := lastHash[p.route]
		if !ok {
			prev = s.heads[p.route].LastHash
		}
		if p.local {
			chain.Link(p.env, prev)
		}
		data, err := s.codec.MarshalEnvelope(p.env)
		if err != nil {
			p.req.fail(err)
			s.dedup.Forget(p.env.EventID)
			continue
		}
		p.data = data
		lastHash[p.route] = p.env.EventHash
		if _, ok := groups[p.route]; !ok {
			routes = append(routes, p.route)
		}
		groups[p.route] = append(groups[p.route], p)
	}
	return routes, groups
}

// writeRoute appends one route's frames, resuming after a partial write,
// and fsyncs them when durability requires it.
func (s *Store) writeRoute(ctx context.Context, name string, group []*pending) error {
	route, err := s.routeLog(name)
	if err != nil {
		for _, p := range group {
			p.req.fail(err)
			s.dedup.Forget(p.env.EventID)
		}
		return err
	}
	payloads := make([][]byte, len(group))
	for i, p := range group {
		payloads[i] = p.data
	}

	var positions []types.Position
	err = retry(ctx, func() error {
		pos, err := route.Append(payloads[len(positions):])
		positions = append(positions, pos...)
		return err
	})
	if err == nil && s.cfg.Durability == DurabilityAlways {
		err = retry(ctx, route.Sync)
		if err != nil {
			err = storeerrors.NewIOError(storeerrors.CodeSyncFailed, "fsync failed on route "+name, err)
			positions = nil
		}
	} else if err != nil {
		err = storeerrors.NewIOError(storeerrors.CodeWriteFailed, "append failed on route "+name, err)
	}

	for i, p := range group {
		if i < len(positions) {
			p.pos = positions[i]
			p.ok = true
			continue
		}
		p.req.fail(err)
		s.dedup.Forget(p.env.EventID)
	}
	return err
}

// commit publishes what was written: state swap, route heads, index rows,
// replication progress and notifications.
func (s *Store) commit(ctx context.Context, batch []*writeReq, routes []string, groups map[string][]*pending) {
	var applied []engine.Applied
	var entries []index.Entry
	for _, name := range routes {
		for _, p := range groups[name] {
			if !p.ok {
				continue
			}
			applied = append(applied, engine.Applied{Envelope: p.env, Event: p.ev})
			entries = append(entries, index.Entry{
				EventID:     p.env.EventID,
				AggregateID: p.env.AggregateID,
				Position:    p.pos,
				Timestamp:   p.env.Timestamp,
			})
		}
	}
	if err := s.engine.Apply(applied); err != nil {
		s.fail(storeerrors.NewInternalError("state apply failed", err))
		for _, req := range batch {
			req.fail(storeerrors.ErrStoreFailed)
		}
		return
	}
	s.sinceSnap.Add(uint64(len(applied)))

	for _, req := range batch {
		if req.err != nil || len(req.entries) == 0 {
			continue
		}
		last := req.entries[len(req.entries)-1]
		if last.Index > s.appliedIndex.Load() {
			s.appliedIndex.Store(last.Index)
			s.appliedTerm.Store(last.Term)
		}
	}

	for _, name := range routes {
		var n, bytes int
		var last *pending
		for _, p := range groups[name] {
			if p.ok {
				n++
				bytes += len(p.data)
				last = p
			}
		}
		if last == nil {
			continue
		}
		route, _ := s.log.Route(name)
		end := route.End()
		head := s.heads[name]
		head.SegmentID, head.Offset = end.SegmentID, end.Offset
		head.LastHash = last.env.EventHash
		head.Count += uint64(n)
		s.heads[name] = head

		s.metrics.RecordAppend(ctx, name, n, bytes)
		s.publish(router.Notification{
			Type:         router.EventsCommitted,
			Route:        name,
			Events:       n,
			LastEventID:  last.env.EventID,
			AppliedIndex: s.appliedIndex.Load(),
		})
	}

	if s.index != nil && len(entries) > 0 {
		if err := s.index.Record(ctx, entries); err != nil {
			s.logger.Warn("failed to record aggregate index rows", "error", err)
		}
	}
}

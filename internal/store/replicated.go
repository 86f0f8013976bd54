package store

import (
	"context"
	"path/filepath"

	"github.com/arkilian/memlog/internal/codec"
	"github.com/arkilian/memlog/internal/engine"
	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/router"
	"github.com/arkilian/memlog/internal/snapshot"
	"github.com/arkilian/memlog/pkg/types"
)

// PrepareEnvelope validates ev and builds its envelope without hashes,
// returning the route it belongs to. The replication leader links it
// before proposing.
func (s *Store) PrepareEnvelope(ev codec.Event, opts ...AppendOption) (*types.Envelope, string, error) {
	if err := s.validate(ev); err != nil {
		return nil, "", err
	}
	cmd := Command{Event: ev}
	for _, opt := range opts {
		opt(&cmd)
	}
	if cmd.EventID == "" {
		id, err := s.ids.GenerateAt(s.now())
		if err != nil {
			return nil, "", storeerrors.NewInternalError("failed to generate event id", err)
		}
		cmd.EventID = id.String()
	}
	return s.buildEnvelope(ev, cmd.EventID)
}

// RouteHead returns the hash of the newest envelope written to route.
func (s *Store) RouteHead(route string) string {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.heads[route].LastHash
}

// HasSeen reports whether the store already accepted id.
func (s *Store) HasSeen(ctx context.Context, id string) (bool, error) {
	return s.dedup.HasSeen(ctx, id)
}

// AppliedIndex returns the replication index and term of the last
// applied entry.
func (s *Store) AppliedIndex() (index, term uint64) {
	return s.appliedIndex.Load(), s.appliedTerm.Load()
}

// SnapshotForTransfer returns an encoded snapshot of the current state
// for a lagging follower, reusing the newest one when nothing changed.
func (s *Store) SnapshotForTransfer(ctx context.Context) ([]byte, types.Marker, error) {
	if s.closed.Load() {
		return nil, types.Marker{}, storeerrors.ErrStoreClosed
	}
	s.maintMu.Lock()
	defer s.maintMu.Unlock()

	latest, info, err := s.snaps.Latest()
	if err != nil {
		return nil, types.Marker{}, storeerrors.NewIOError(storeerrors.CodeReadFailed, "failed to list snapshots", err)
	}
	if latest == nil || s.sinceSnap.Load() > 0 || latest.Marker.AppliedIndex != s.appliedIndex.Load() {
		fresh, err := s.snapshotLocked(ctx)
		if err != nil {
			return nil, types.Marker{}, err
		}
		info = &fresh
	}
	data, err := s.snaps.ReadRaw(*info)
	if err != nil {
		return nil, types.Marker{}, err
	}
	_, marker, err := snapshot.DecodeMarker(data)
	return data, marker, err
}

// InstallSnapshot replaces the store's state with an encoded snapshot
// from the leader. Existing segments are moved to the archive directory,
// each route continues its chain from the snapshot's hash for it, and a
// local snapshot with local positions is written so restart needs no
// replay of the discarded segments.
func (s *Store) InstallSnapshot(ctx context.Context, data []byte) (types.Marker, error) {
	if s.closed.Load() {
		return types.Marker{}, storeerrors.ErrStoreClosed
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		return types.Marker{}, err
	}

	s.maintMu.Lock()
	defer s.maintMu.Unlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	archiveDir := s.path("archive", s.now().UTC().Format("20060102T150405.000"))
	heads := make(map[string]types.RouteMarker)
	for _, route := range s.log.Routes() {
		name := route.Name()
		rm := snap.Marker.Route(name)
		if err := route.Reset(rm.LastHash, filepath.Join(archiveDir, name)); err != nil {
			s.fail(err)
			return types.Marker{}, storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to reset route "+name, err)
		}
		end := route.End()
		heads[name] = types.RouteMarker{SegmentID: end.SegmentID, Offset: end.Offset, LastHash: rm.LastHash, Count: rm.Count}
		if s.index != nil {
			if err := s.index.ForgetRoute(ctx, name); err != nil {
				s.logger.Warn("failed to clear aggregate index rows", "route", name, "error", err)
			}
		}
	}
	for name := range snap.Marker.Routes {
		if _, ok := heads[name]; !ok {
			s.logger.Warn("installed snapshot names a route this node does not have", "route", name)
		}
	}

	if err := s.dedup.Reset(ctx, snap.Applied); err != nil {
		s.fail(err)
		return types.Marker{}, storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to reset dedup index", err)
	}
	s.engine.Reset(engine.FromEntities(snap.Entities, snap.Marker.Events))
	s.heads = heads
	s.appliedIndex.Store(snap.Marker.AppliedIndex)
	s.appliedTerm.Store(snap.Marker.AppliedTerm)
	s.sinceSnap.Store(0)

	local := &snapshot.Snapshot{
		Marker: types.Marker{
			Routes:       heads,
			Events:       snap.Marker.Events,
			AppliedIndex: snap.Marker.AppliedIndex,
			AppliedTerm:  snap.Marker.AppliedTerm,
		},
		Entities: snap.Entities,
		Applied:  snap.Applied,
	}
	if _, err := s.snaps.Create(ctx, local); err != nil {
		return types.Marker{}, storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to write installed snapshot", err)
	}

	s.logger.Info("snapshot installed", "from_node", snap.NodeID, "events", snap.Marker.Events,
		"applied_index", snap.Marker.AppliedIndex, "entities", len(snap.Entities))
	s.publish(router.Notification{
		Type:         router.SnapshotCreated,
		SnapshotID:   local.ID,
		Events:       int(local.Marker.Events),
		AppliedIndex: local.Marker.AppliedIndex,
	})
	return local.Marker.Clone(), nil
}

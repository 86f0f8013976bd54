package store

import (
	"context"

	"github.com/arkilian/memlog/internal/engine"
	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/router"
	"github.com/arkilian/memlog/internal/snapshot"
	"github.com/arkilian/memlog/pkg/types"
)

// capture takes a consistent cut of state, route heads and applied ids.
// The writer is held only while the cut is taken; segments are fsynced
// first so the marker never points past durable data.
func (s *Store) capture(ctx context.Context) (*snapshot.Snapshot, *engine.State, uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := retry(ctx, s.log.SyncAll); err != nil {
		return nil, nil, 0, storeerrors.NewIOError(storeerrors.CodeSyncFailed, "failed to sync segments before snapshot", err)
	}
	st := s.engine.Current()
	routes := make(map[string]types.RouteMarker, len(s.heads))
	for k, v := range s.heads {
		routes[k] = v
	}
	snap := &snapshot.Snapshot{
		Marker: types.Marker{
			Routes:       routes,
			Events:       st.Events(),
			AppliedIndex: s.appliedIndex.Load(),
			AppliedTerm:  s.appliedTerm.Load(),
		},
		Applied: s.dedup.IDs(),
	}
	return snap, st, s.sinceSnap.Load(), nil
}

// ForceSnapshot writes a snapshot of the current state.
func (s *Store) ForceSnapshot(ctx context.Context) (snapshot.Info, error) {
	if s.closed.Load() {
		return snapshot.Info{}, storeerrors.ErrStoreClosed
	}
	s.maintMu.Lock()
	defer s.maintMu.Unlock()
	return s.snapshotLocked(ctx)
}

func (s *Store) snapshotLocked(ctx context.Context) (snapshot.Info, error) {
	snap, st, pending, err := s.capture(ctx)
	if err != nil {
		return snapshot.Info{}, err
	}
	// The published state is immutable, so entities are read after the
	// writer is released.
	snap.Entities = st.Entities()

	info, err := s.snaps.Create(ctx, snap)
	if err != nil {
		return snapshot.Info{}, storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to write snapshot", err)
	}
	if pending > 0 {
		s.sinceSnap.Add(^(pending - 1))
	}

	s.metrics.RecordSnapshot(ctx)
	s.publish(router.Notification{
		Type:         router.SnapshotCreated,
		SnapshotID:   snap.ID,
		Events:       int(snap.Marker.Events),
		AppliedIndex: snap.Marker.AppliedIndex,
	})
	return info, nil
}

// ForceCompaction removes segments covered by the newest usable snapshot.
func (s *Store) ForceCompaction(ctx context.Context) (*snapshot.CompactionResult, error) {
	if s.closed.Load() {
		return nil, storeerrors.ErrStoreClosed
	}
	s.maintMu.Lock()
	defer s.maintMu.Unlock()

	snap, info, err := s.snaps.LatestMatching(s.snapshotUsable)
	if err != nil {
		return nil, storeerrors.NewIOError(storeerrors.CodeReadFailed, "failed to list snapshots", err)
	}
	if snap == nil {
		s.logger.Info("no snapshot to compact against")
		return &snapshot.CompactionResult{Routes: map[string]int{}}, nil
	}

	res, err := s.compact.Compact(ctx, snap.Marker)
	if err != nil {
		return res, storeerrors.NewIOError(storeerrors.CodeWriteFailed, "compaction failed", err)
	}
	if res.SegmentsRemoved > 0 {
		s.metrics.RecordCompaction(ctx, res.SegmentsRemoved)
		s.publish(router.Notification{
			Type:         router.CompactionComplete,
			SnapshotID:   info.Name,
			Events:       res.SegmentsRemoved,
			AppliedIndex: snap.Marker.AppliedIndex,
		})
	}
	return res, nil
}

// Snapshots lists the snapshots on disk, newest first.
func (s *Store) Snapshots() ([]snapshot.Info, error) {
	return s.snaps.List()
}

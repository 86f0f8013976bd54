package store

import (
	"context"
	"errors"

	"github.com/arkilian/memlog/internal/chain"
	"github.com/arkilian/memlog/internal/engine"
	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/index"
	"github.com/arkilian/memlog/internal/router"
	"github.com/arkilian/memlog/internal/snapshot"
	"github.com/arkilian/memlog/internal/wal"
	"github.com/arkilian/memlog/pkg/types"
)

const replayChunk = 1024

// restore loads the newest usable snapshot, replays every route from its
// marker and rebuilds the dedup index from what was actually applied.
func (s *Store) restore(ctx context.Context) error {
	snap, info, err := s.snaps.LatestMatching(s.snapshotUsable)
	if err != nil {
		return storeerrors.NewIOError(storeerrors.CodeReadFailed, "failed to list snapshots", err)
	}

	st := engine.Empty()
	marker := types.Marker{}
	applied := make(map[string]struct{})
	var appliedList []string
	if snap != nil {
		st = engine.FromEntities(snap.Entities, snap.Marker.Events)
		marker = snap.Marker.Clone()
		for _, id := range snap.Applied {
			if _, ok := applied[id]; !ok {
				applied[id] = struct{}{}
				appliedList = append(appliedList, id)
			}
		}
		s.appliedIndex.Store(marker.AppliedIndex)
		s.appliedTerm.Store(marker.AppliedTerm)
		s.logger.Info("restored snapshot", "name", info.Name, "events", marker.Events, "entities", st.Len())
	}

	var (
		corrupt    []QuarantineEntry
		replayed   int
		duplicates int
	)
	for _, route := range s.log.Routes() {
		name := route.Name()
		from, hasMarker := marker.Routes[name]
		meta := route.Meta()
		if !hasMarker {
			from = types.RouteMarker{LastHash: meta.Anchor}
			if meta.AnchorSegment > 0 {
				s.logger.Error("route was compacted but no snapshot covers it, state is incomplete", "route", name)
			}
		}

		head := from
		var batch []engine.Applied
		var entries []index.Entry
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			next, err := engine.ApplyAll(st, batch)
			if err != nil {
				return storeerrors.NewInternalError("replay failed", err)
			}
			st = next
			batch = batch[:0]
			return nil
		}

		for rec, err := range route.Records(from) {
			if err != nil {
				if errors.Is(err, storeerrors.ErrFrameCorrupt) {
					s.reportFrameCorruption(ctx, err)
					return err
				}
				return storeerrors.NewIOError(storeerrors.CodeReadFailed, "failed to read route "+name, err)
			}
			head.Count++
			env, err := s.codec.UnmarshalEnvelope(rec.Payload)
			if err != nil {
				s.logger.Warn("undecodable record skipped", "route", name,
					"segment", rec.Position.SegmentID, "offset", rec.Position.Offset, "error", err)
				continue
			}
			head.LastHash = env.EventHash

			if s.quarantine.contains(env.EventID) {
				continue
			}
			if !chain.CheckEnvelope(env) {
				corrupt = append(corrupt, QuarantineEntry{
					EventID:    env.EventID,
					Position:   rec.Position,
					Reason:     "stored hash does not match envelope fields",
					DetectedAt: s.now().UTC(),
				})
				s.metrics.RecordIntegrityFailure(ctx, name)
				s.logger.Error("envelope failed hash check, excluded from replay",
					"route", name, "event_id", env.EventID, "segment", rec.Position.SegmentID, "offset", rec.Position.Offset)
				continue
			}
			if _, ok := applied[env.EventID]; ok {
				duplicates++
				continue
			}
			ev, err := s.codec.UnmarshalEvent(env.EventType, env.Payload)
			if err != nil {
				s.logger.Warn("undecodable event skipped", "route", name, "event_id", env.EventID, "error", err)
				continue
			}

			applied[env.EventID] = struct{}{}
			appliedList = append(appliedList, env.EventID)
			batch = append(batch, engine.Applied{Envelope: env, Event: ev})
			entries = append(entries, index.Entry{
				EventID:     env.EventID,
				AggregateID: env.AggregateID,
				Position:    rec.Position,
				Timestamp:   env.Timestamp,
			})
			replayed++
			if len(batch) >= replayChunk {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := flush(); err != nil {
			return err
		}

		end := route.End()
		head.SegmentID, head.Offset = end.SegmentID, end.Offset
		s.heads[name] = head

		if s.index != nil && len(entries) > 0 {
			if err := s.index.Record(ctx, entries); err != nil {
				s.logger.Warn("failed to rebuild aggregate index rows", "route", name, "error", err)
			}
		}
	}

	if len(corrupt) > 0 {
		if err := s.reportCorruption(ctx, corrupt, false); err != nil {
			return err
		}
	}

	orphans, err := s.dedup.Restore(ctx, appliedList)
	if err != nil {
		return storeerrors.NewIOError(storeerrors.CodeReadFailed, "failed to restore dedup index", err)
	}

	s.engine = engine.New(st)
	s.sinceSnap.Store(uint64(replayed))
	s.logger.Info("store restored",
		"entities", st.Len(),
		"events", st.Events(),
		"replayed", replayed,
		"duplicates_skipped", duplicates,
		"dedup_orphans", orphans,
		"quarantined", len(corrupt))
	return nil
}

// snapshotUsable rejects snapshots whose marker points into segments that
// compaction already removed.
func (s *Store) snapshotUsable(snap *snapshot.Snapshot) bool {
	for _, route := range s.log.Routes() {
		meta := route.Meta()
		if meta.AnchorSegment == 0 {
			continue
		}
		rm, ok := snap.Marker.Routes[route.Name()]
		if !ok || rm.SegmentID <= meta.AnchorSegment {
			return false
		}
	}
	return true
}

// reportCorruption quarantines entries and writes a corruption report.
func (s *Store) reportCorruption(ctx context.Context, entries []QuarantineEntry, repaired bool) error {
	status := types.ChainStatus{Valid: false, EventID: entries[0].EventID, Route: entries[0].Position.Route}
	if !repaired {
		if _, err := s.quarantine.add(entries...); err != nil {
			return err
		}
	}
	path, err := s.writeReport(CorruptionReport{Status: status, Entries: entries, Repaired: repaired})
	if err != nil {
		return err
	}
	s.logger.Warn("corruption report written", "path", path, "entries", len(entries), "repaired_from_snapshot", repaired)
	s.publish(router.Notification{
		Type:        router.IntegrityFailure,
		Route:       status.Route,
		Events:      len(entries),
		LastEventID: status.EventID,
	})
	return nil
}

// routeLog returns the segment log of a route.
func (s *Store) routeLog(name string) (*wal.RouteLog, error) {
	route, ok := s.log.Route(name)
	if !ok {
		return nil, storeerrors.NewInternalError("route "+name+" is not open", nil)
	}
	return route, nil
}

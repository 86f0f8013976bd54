package store

import (
	"context"

	"github.com/arkilian/memlog/internal/chain"
	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/pkg/types"
)

// VerifyIntegrity walks every route's chain from its compaction anchor
// and returns the first broken route's status, or Valid. Each break is
// reported; a broken envelope the newest snapshot already covers is
// reported as repaired and stays in place, any other is quarantined.
func (s *Store) VerifyIntegrity(ctx context.Context) (types.ChainStatus, error) {
	s.maintMu.Lock()
	defer s.maintMu.Unlock()

	snap, _, err := s.snaps.LatestMatching(s.snapshotUsable)
	if err != nil {
		return types.ChainStatus{}, storeerrors.NewIOError(storeerrors.CodeReadFailed, "failed to list snapshots", err)
	}

	var first *types.ChainStatus
	checked := 0
	for _, route := range s.log.Routes() {
		if err := ctx.Err(); err != nil {
			return types.ChainStatus{}, err
		}
		name := route.Name()
		v := chain.NewVerifier(route.Meta().Anchor)
		var brokenAt types.Position
		found := false
		for rec, err := range route.Records(types.RouteMarker{}) {
			if err != nil {
				return types.ChainStatus{}, storeerrors.NewIOError(storeerrors.CodeReadFailed, "failed to read route "+name, err)
			}
			env, err := s.codec.UnmarshalEnvelope(rec.Payload)
			if err != nil {
				s.logger.Warn("undecodable record skipped during verification", "route", name,
					"segment", rec.Position.SegmentID, "offset", rec.Position.Offset, "error", err)
				continue
			}
			if !v.Next(env) && !found {
				found = true
				brokenAt = rec.Position
			}
		}

		status := v.Status()
		status.Route = name
		checked += status.Checked
		if status.Valid {
			continue
		}

		s.metrics.RecordIntegrityFailure(ctx, name)
		s.logger.Error("hash chain broken", "route", name, "index", status.BrokenAtIndex,
			"event_id", status.EventID, "suspect", status.Suspect)
		repaired := false
		if snap != nil {
			rm, ok := snap.Marker.Routes[name]
			repaired = ok && before(brokenAt, rm)
		}
		entry := QuarantineEntry{
			EventID:    status.EventID,
			Position:   brokenAt,
			Reason:     "hash chain broken",
			DetectedAt: s.now().UTC(),
		}
		if err := s.reportCorruption(ctx, []QuarantineEntry{entry}, repaired); err != nil {
			return status, err
		}
		if first == nil {
			st := status
			first = &st
		}
	}

	if first != nil {
		return *first, nil
	}
	return types.ChainStatus{Valid: true, Checked: checked}, nil
}

// before reports whether pos lies before the marker position.
func before(pos types.Position, rm types.RouteMarker) bool {
	if pos.SegmentID != rm.SegmentID {
		return pos.SegmentID < rm.SegmentID
	}
	return pos.Offset < rm.Offset
}

package store

import (
	"context"
	"iter"

	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/pkg/types"
)

// Entities returns every entity of the published state in id order.
func (s *Store) Entities() []*types.Entity {
	return s.engine.Current().Entities()
}

// ReplayRange yields envelopes route by route in name order, each route
// starting at its position in from. A zero marker replays everything
// still retained. Quarantined envelopes are left out.
func (s *Store) ReplayRange(from types.Marker) iter.Seq2[*types.Envelope, error] {
	return func(yield func(*types.Envelope, error) bool) {
		for _, route := range s.log.Routes() {
			for rec, err := range route.Records(from.Route(route.Name())) {
				if err != nil {
					yield(nil, storeerrors.NewIOError(storeerrors.CodeReadFailed, "replay read failed", err))
					return
				}
				env, err := s.codec.UnmarshalEnvelope(rec.Payload)
				if err != nil {
					s.logger.Warn("undecodable record skipped", "route", route.Name(),
						"segment", rec.Position.SegmentID, "offset", rec.Position.Offset, "error", err)
					continue
				}
				if s.quarantine.contains(env.EventID) {
					continue
				}
				if !yield(env, nil) {
					return
				}
			}
		}
	}
}

// History returns the retained envelopes of one aggregate in write order
// by seeking through the aggregate index.
func (s *Store) History(ctx context.Context, aggregateID string) ([]*types.Envelope, error) {
	if s.index == nil {
		return nil, storeerrors.NewValidationError(storeerrors.CodeInvalidConfig, "aggregate index is disabled")
	}
	entries, err := s.index.Lookup(ctx, aggregateID)
	if err != nil {
		return nil, storeerrors.NewIOError(storeerrors.CodeReadFailed, "aggregate index lookup failed", err)
	}
	out := make([]*types.Envelope, 0, len(entries))
	for _, e := range entries {
		if s.quarantine.contains(e.EventID) {
			continue
		}
		route, err := s.routeLog(e.Position.Route)
		if err != nil {
			return nil, err
		}
		data, err := route.ReadAt(e.Position.SegmentID, e.Position.Offset)
		if err != nil {
			return nil, storeerrors.NewIOError(storeerrors.CodeReadFailed, "failed to read indexed record", err)
		}
		env, err := s.codec.UnmarshalEnvelope(data)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arkilian/memlog/internal/codec"
	"github.com/arkilian/memlog/internal/index"
	"github.com/arkilian/memlog/internal/storage"
	"github.com/arkilian/memlog/internal/wal"
	"github.com/arkilian/memlog/pkg/types"
)

// CompactionResult summarizes one compaction pass.
type CompactionResult struct {
	SegmentsRemoved  int            `json:"segments_removed"`
	SegmentsArchived int            `json:"segments_archived"`
	IndexRowsDropped int64          `json:"index_rows_dropped"`
	Routes           map[string]int `json:"routes"` // segments removed per route
}

// Compactor removes sealed segments fully covered by a snapshot marker.
type Compactor struct {
	log     *wal.Log
	codec   codec.Codec
	archive storage.Archive
	index   *index.AggregateIndex
	nodeID  string
	logger  *slog.Logger
}

// NewCompactor creates a compactor. archive and idx may be nil.
func NewCompactor(log *wal.Log, c codec.Codec, archive storage.Archive, idx *index.AggregateIndex, nodeID string, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		log:     log,
		codec:   c,
		archive: archive,
		index:   idx,
		nodeID:  nodeID,
		logger:  logger.With("component", "compactor"),
	}
}

// Compact removes, in every route, the sealed segments strictly before
// the marker's segment. The marker must come from a snapshot already on
// disk: segments are only removed once their entries are reflected in it.
func (c *Compactor) Compact(ctx context.Context, marker types.Marker) (*CompactionResult, error) {
	res := &CompactionResult{Routes: make(map[string]int)}
	for _, route := range c.log.Routes() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rm, ok := marker.Routes[route.Name()]
		if !ok {
			continue
		}
		n, err := c.compactRoute(ctx, route, rm, res)
		if n > 0 {
			res.Routes[route.Name()] = n
		}
		if err != nil {
			return res, fmt.Errorf("compaction of route %s: %w", route.Name(), err)
		}
	}
	if res.SegmentsRemoved > 0 {
		c.logger.Info("compaction complete",
			"segments_removed", res.SegmentsRemoved,
			"segments_archived", res.SegmentsArchived,
			"index_rows_dropped", res.IndexRowsDropped)
	}
	return res, nil
}

func (c *Compactor) compactRoute(ctx context.Context, route *wal.RouteLog, rm types.RouteMarker, res *CompactionResult) (int, error) {
	segments, err := route.Segments()
	if err != nil {
		return 0, err
	}
	active := route.ActiveSegment()
	removed := 0
	for _, seg := range segments {
		if seg.ID >= rm.SegmentID || seg.ID >= active || !seg.Sealed {
			break
		}
		anchor, err := c.lastHash(seg)
		if err != nil {
			return removed, err
		}
		if anchor == "" {
			anchor = route.Meta().Anchor
		}

		if c.archive != nil {
			key := storage.SegmentKey(c.nodeID, route.Name(), storage.BaseName(seg.Path))
			if err := c.archive.Put(ctx, seg.Path, key); err != nil {
				return removed, fmt.Errorf("failed to archive segment %d: %w", seg.ID, err)
			}
			res.SegmentsArchived++
		}
		if err := route.RemoveSegment(seg, anchor); err != nil {
			return removed, err
		}
		if c.index != nil {
			n, err := c.index.ForgetSegment(ctx, route.Name(), seg.ID)
			if err != nil {
				c.logger.Warn("failed to drop index rows", "route", route.Name(), "segment", seg.ID, "error", err)
			}
			res.IndexRowsDropped += n
		}
		removed++
		res.SegmentsRemoved++
		c.logger.Debug("segment compacted", "route", route.Name(), "segment", seg.ID)
	}
	return removed, nil
}

// lastHash returns the stored hash of the last decodable envelope in seg.
func (c *Compactor) lastHash(seg wal.SegmentInfo) (string, error) {
	var last string
	reader := wal.NewFrameReader(seg.Path, c.logger)
	for f, err := range reader.Frames() {
		if err != nil {
			return "", err
		}
		env, err := c.codec.UnmarshalEnvelope(f.Payload)
		if err != nil {
			continue
		}
		last = env.EventHash
	}
	return last, nil
}

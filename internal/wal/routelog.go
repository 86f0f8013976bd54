package wal

import (
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/arkilian/memlog/pkg/types"
)

const routeMetaFile = "route.json"

// RouteMeta is the descriptor persisted next to a route's segments.
type RouteMeta struct {
	Name           string   `json:"name"`
	AggregateTypes []string `json:"aggregate_types,omitempty"`
	EventTypes     []string `json:"event_types,omitempty"` // empty authorizes every type
	// Anchor is the hash of the last envelope removed by compaction. It is
	// the genesis reference for verifying what remains on disk.
	Anchor        string `json:"anchor,omitempty"`
	AnchorSegment uint64 `json:"anchor_segment,omitempty"`
}

// Authorizes reports whether the route may hold eventType.
func (m RouteMeta) Authorizes(eventType string) bool {
	return len(m.EventTypes) == 0 || slices.Contains(m.EventTypes, eventType)
}

// Record is one frame of a route together with its position.
type Record struct {
	Position types.Position
	Payload  []byte
}

// RouteLog is the ordered, segmented log of one route. Only the last
// segment is open for writing; older ones are sealed and immutable.
type RouteLog struct {
	dir       string
	maxBytes  int64
	logger    *slog.Logger
	meta      RouteMeta
	writer    *FrameWriter
	segmentID uint64
	now       func() time.Time
	mu        sync.Mutex
}

// OpenRouteLog opens (or creates) the route in dir. The persisted anchor
// survives; authorized types are taken from meta.
func OpenRouteLog(dir string, meta RouteMeta, maxBytes int64, logger *slog.Logger) (*RouteLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create route directory: %w", err)
	}

	l := &RouteLog{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger.With("route", meta.Name),
		meta:     meta,
		now:      time.Now,
	}

	if stored, err := readRouteMeta(dir); err != nil {
		return nil, err
	} else if stored != nil {
		l.meta.Anchor = stored.Anchor
		l.meta.AnchorSegment = stored.AnchorSegment
	}
	if err := l.writeMeta(); err != nil {
		return nil, err
	}

	segments, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	switch {
	case len(segments) == 0:
		l.segmentID = 1
	case segments[len(segments)-1].Sealed:
		l.segmentID = segments[len(segments)-1].ID + 1
	default:
		l.segmentID = segments[len(segments)-1].ID
	}
	if l.segmentID <= l.meta.AnchorSegment {
		l.segmentID = l.meta.AnchorSegment + 1
	}

	if err := l.openActive(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *RouteLog) openActive() error {
	w, err := OpenFrameWriter(filepath.Join(l.dir, SegmentFileName(l.segmentID)), l.logger)
	if err != nil {
		return err
	}
	l.writer = w
	return nil
}

// Name returns the route name.
func (l *RouteLog) Name() string {
	return l.meta.Name
}

// Meta returns the route descriptor.
func (l *RouteLog) Meta() RouteMeta {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta
}

// Append writes payloads in order and returns their positions. The active
// segment is rotated before a frame that would push it past the size
// threshold, so a segment only exceeds it when holding a single frame.
func (l *RouteLog) Append(payloads [][]byte) ([]types.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	positions := make([]types.Position, 0, len(payloads))
	start := 0
	size := l.writer.Offset()
	for i, p := range payloads {
		frame := int64(FrameHeaderSize + len(p))
		if size > 0 && l.maxBytes > 0 && size+frame > l.maxBytes {
			if err := l.flushRun(payloads[start:i], &positions); err != nil {
				return positions, err
			}
			if err := l.rotateLocked(); err != nil {
				return positions, err
			}
			start = i
			size = 0
		}
		size += frame
	}
	if err := l.flushRun(payloads[start:], &positions); err != nil {
		return positions, err
	}
	return positions, nil
}

func (l *RouteLog) flushRun(run [][]byte, positions *[]types.Position) error {
	if len(run) == 0 {
		return nil
	}
	offsets, err := l.writer.AppendBatch(run)
	if err != nil {
		return err
	}
	for _, off := range offsets {
		*positions = append(*positions, types.Position{Route: l.meta.Name, SegmentID: l.segmentID, Offset: off})
	}
	return nil
}

// Sync flushes the active segment.
func (l *RouteLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Sync()
}

// Rotate seals the active segment and starts a new one.
func (l *RouteLog) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

func (l *RouteLog) rotateLocked() error {
	oldPath := l.writer.Path()
	if err := l.writer.Close(); err != nil {
		return err
	}
	sealed := filepath.Join(l.dir, SealedFileName(l.segmentID, l.now()))
	if err := os.Rename(oldPath, sealed); err != nil {
		return fmt.Errorf("failed to seal segment: %w", err)
	}
	if err := syncDir(l.dir); err != nil {
		return err
	}
	l.logger.Info("segment rotated", "segment", l.segmentID, "sealed", filepath.Base(sealed))
	l.segmentID++
	return l.openActive()
}

// End returns the position just past the last written frame.
func (l *RouteLog) End() types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return types.Position{Route: l.meta.Name, SegmentID: l.segmentID, Offset: l.writer.Offset()}
}

// ActiveSegment returns the id of the segment open for writing.
func (l *RouteLog) ActiveSegment() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segmentID
}

// Segments lists the route's segment files in order.
func (l *RouteLog) Segments() ([]SegmentInfo, error) {
	return ListSegments(l.dir)
}

// Records yields every complete record at or after from. A zero marker
// starts at the oldest retained segment.
func (l *RouteLog) Records(from types.RouteMarker) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		segments, err := l.Segments()
		if err != nil {
			yield(Record{}, err)
			return
		}
		for _, seg := range segments {
			if seg.ID < from.SegmentID {
				continue
			}
			start := int64(0)
			if seg.ID == from.SegmentID {
				start = from.Offset
			}
			reader := NewFrameReader(seg.Path, l.logger).From(start)
			for f, err := range reader.Frames() {
				if err != nil {
					yield(Record{}, err)
					return
				}
				rec := Record{
					Position: types.Position{Route: l.meta.Name, SegmentID: seg.ID, Offset: f.Offset},
					Payload:  f.Payload,
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// ReadAt reads the record at a position.
func (l *RouteLog) ReadAt(segmentID uint64, offset int64) ([]byte, error) {
	segments, err := l.Segments()
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		if seg.ID == segmentID {
			return ReadFrameAt(seg.Path, offset)
		}
	}
	return nil, fmt.Errorf("segment %d not found in route %s", segmentID, l.meta.Name)
}

// RemoveSegment deletes a sealed segment and records the new anchor.
func (l *RouteLog) RemoveSegment(seg SegmentInfo, anchor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seg.ID >= l.segmentID {
		return fmt.Errorf("refusing to remove active segment %d", seg.ID)
	}
	l.meta.Anchor = anchor
	if seg.ID > l.meta.AnchorSegment {
		l.meta.AnchorSegment = seg.ID
	}
	// The anchor is persisted first: a crash after this point leaves a
	// segment that verification simply re-reads from the new anchor.
	if err := l.writeMeta(); err != nil {
		return err
	}
	if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove segment: %w", err)
	}
	return syncDir(l.dir)
}

// Reset seals the active segment and moves every segment into archiveDir,
// leaving an empty route whose chain continues from anchor.
func (l *RouteLog) Reset(anchor, archiveDir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateLocked(); err != nil {
		return err
	}
	segments, err := ListSegments(l.dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	l.meta.Anchor = anchor
	l.meta.AnchorSegment = l.segmentID - 1
	if err := l.writeMeta(); err != nil {
		return err
	}
	for _, seg := range segments {
		if seg.ID >= l.segmentID {
			continue
		}
		if err := os.Rename(seg.Path, filepath.Join(archiveDir, filepath.Base(seg.Path))); err != nil {
			return fmt.Errorf("failed to archive segment: %w", err)
		}
	}
	return syncDir(l.dir)
}

// Close closes the active segment.
func (l *RouteLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Close()
}

func (l *RouteLog) writeMeta() error {
	data, err := json.MarshalIndent(l.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode route metadata: %w", err)
	}
	return WriteFileAtomic(filepath.Join(l.dir, routeMetaFile), data)
}

func readRouteMeta(dir string) (*RouteMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, routeMetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read route metadata: %w", err)
	}
	var m RouteMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode route metadata: %w", err)
	}
	return &m, nil
}

// WriteFileAtomic writes data to a temp file, fsyncs it and renames it
// over path.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to fsync directory: %w", err)
	}
	return nil
}

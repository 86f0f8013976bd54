package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	segmentPrefix = "seg_"
	segmentSuffix = ".log"
	sealedLayout  = "20060102T150405"
)

// SegmentInfo describes one segment file of a route.
type SegmentInfo struct {
	ID     uint64
	Path   string
	Sealed bool
	Size   int64
}

// SegmentFileName is the name of the active segment with the given id.
func SegmentFileName(id uint64) string {
	return fmt.Sprintf("%s%016x%s", segmentPrefix, id, segmentSuffix)
}

// SealedFileName is the name a segment gets when rotation archives it.
func SealedFileName(id uint64, at time.Time) string {
	return fmt.Sprintf("%s%016x.%s%s", segmentPrefix, id, at.UTC().Format(sealedLayout), segmentSuffix)
}

// parseSegmentName extracts the id from an active or sealed segment name.
func parseSegmentName(name string) (id uint64, sealed bool, ok bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	hexID, stamp, hasStamp := strings.Cut(body, ".")
	if len(hexID) != 16 {
		return 0, false, false
	}
	id, err := strconv.ParseUint(hexID, 16, 64)
	if err != nil {
		return 0, false, false
	}
	if hasStamp {
		if _, err := time.Parse(sealedLayout, stamp); err != nil {
			return 0, false, false
		}
	}
	return id, hasStamp, true
}

// SegmentIDFromPath returns the id encoded in a segment file path.
func SegmentIDFromPath(path string) (uint64, bool) {
	id, _, ok := parseSegmentName(filepath.Base(path))
	return id, ok
}

// ListSegments returns the segments in dir ordered by id.
func ListSegments(dir string) ([]SegmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read segment directory: %w", err)
	}

	var segments []SegmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, sealed, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat segment %s: %w", e.Name(), err)
		}
		segments = append(segments, SegmentInfo{
			ID:     id,
			Path:   filepath.Join(dir, e.Name()),
			Sealed: sealed,
			Size:   info.Size(),
		})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })
	return segments, nil
}

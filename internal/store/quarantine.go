package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/wal"
	"github.com/arkilian/memlog/pkg/types"
)

// QuarantineEntry records an envelope excluded from replay.
type QuarantineEntry struct {
	EventID    string         `json:"event_id"`
	Position   types.Position `json:"position"`
	Reason     string         `json:"reason"`
	DetectedAt time.Time      `json:"detected_at"`
}

// CorruptionReport is written to the reports directory for every
// integrity failure.
type CorruptionReport struct {
	NodeID   string            `json:"node_id"`
	Status   types.ChainStatus `json:"status"`
	Entries  []QuarantineEntry `json:"entries"`
	Repaired bool              `json:"repaired_from_snapshot"`
	Created  time.Time         `json:"created_at"`
}

type quarantine struct {
	path    string
	mu      sync.RWMutex
	entries map[string]QuarantineEntry
}

func loadQuarantine(path string) (*quarantine, error) {
	q := &quarantine{path: path, entries: make(map[string]QuarantineEntry)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, storeerrors.NewIOError(storeerrors.CodeReadFailed, "failed to read quarantine list", err)
	}
	var list []QuarantineEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, storeerrors.NewSerializationError(storeerrors.CodeDecodeFailed, "failed to decode quarantine list", err)
	}
	for _, e := range list {
		q.entries[e.EventID] = e
	}
	return q, nil
}

func (q *quarantine) contains(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.entries[id]
	return ok
}

// add records entries and persists the list. It reports whether anything
// new was added.
func (q *quarantine) add(entries ...QuarantineEntry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	added := false
	for _, e := range entries {
		if _, ok := q.entries[e.EventID]; ok {
			continue
		}
		q.entries[e.EventID] = e
		added = true
	}
	if !added {
		return false, nil
	}
	return true, q.persistLocked()
}

func (q *quarantine) list() []QuarantineEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]QuarantineEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

func (q *quarantine) persistLocked() error {
	list := make([]QuarantineEntry, 0, len(q.entries))
	for _, e := range q.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].EventID < list[j].EventID })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return storeerrors.NewSerializationError(storeerrors.CodeEncodeFailed, "failed to encode quarantine list", err)
	}
	if err := wal.WriteFileAtomic(q.path, data); err != nil {
		return storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to write quarantine list", err)
	}
	return nil
}

func (s *Store) writeReport(r CorruptionReport) (string, error) {
	r.NodeID = s.cfg.NodeID
	if r.Created.IsZero() {
		r.Created = s.now().UTC()
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", storeerrors.NewSerializationError(storeerrors.CodeEncodeFailed, "failed to encode corruption report", err)
	}
	name := fmt.Sprintf("corruption_%s_%s.json", r.Created.Format("20060102T150405.000000000"), r.Status.Route)
	path := filepath.Join(s.path("reports"), name)
	if err := wal.WriteFileAtomic(path, data); err != nil {
		return "", storeerrors.NewIOError(storeerrors.CodeWriteFailed, "failed to write corruption report", err)
	}
	return path, nil
}

// reportFrameCorruption writes a corruption report for a segment whose
// frame headers are damaged. Nothing is quarantined: the envelopes behind
// the damaged header cannot be read, so the store refuses to open.
func (s *Store) reportFrameCorruption(ctx context.Context, err error) {
	var se *storeerrors.StoreError
	if !errors.As(err, &se) || se.Code != storeerrors.CodeFrameCorrupt {
		return
	}
	path, _ := se.Detail("path").(string)
	offset, _ := se.Detail("offset").(int64)
	route := filepath.Base(filepath.Dir(path))
	segmentID, _ := wal.SegmentIDFromPath(path)

	entry := QuarantineEntry{
		Position:   types.Position{Route: route, SegmentID: segmentID, Offset: offset},
		Reason:     se.Message,
		DetectedAt: s.now().UTC(),
	}
	s.metrics.RecordIntegrityFailure(ctx, route)
	report, werr := s.writeReport(CorruptionReport{
		Status:  types.ChainStatus{Valid: false, Route: route},
		Entries: []QuarantineEntry{entry},
	})
	if werr != nil {
		s.logger.Error("failed to write corruption report", "route", route, "error", werr)
		return
	}
	s.logger.Error("segment frame corrupt, store not opened",
		"route", route, "segment", segmentID, "offset", offset, "report", report)
}

// Quarantined returns the envelopes excluded from replay.
func (s *Store) Quarantined() []QuarantineEntry {
	return s.quarantine.list()
}

package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arkilian/memlog/internal/storage"
	"github.com/arkilian/memlog/internal/wal"
)

const fileExt = ".snap"

// Info describes a snapshot file on disk.
type Info struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Events  uint64    `json:"events"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// FileName returns the file name of a snapshot covering events events.
func FileName(events uint64, id string) string {
	return fmt.Sprintf("snap_%016x_%s%s", events, id, fileExt)
}

func parseFileName(name string) (events uint64, ok bool) {
	if !strings.HasPrefix(name, "snap_") || !strings.HasSuffix(name, fileExt) {
		return 0, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, "snap_"), fileExt)
	hex, _, found := strings.Cut(rest, "_")
	if !found || len(hex) != 16 {
		return 0, false
	}
	n, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Dir    string
	NodeID string
	// Retain keeps the newest N snapshots; 0 keeps all.
	Retain  int
	Archive storage.Archive
}

// Manager owns the snapshot directory of one store.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates the snapshot directory if needed.
func NewManager(config ManagerConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("snapshot: failed to create directory: %w", err)
	}
	return &Manager{
		config: config,
		logger: logger.With("component", "snapshot"),
		now:    time.Now,
	}, nil
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string {
	return m.config.Dir
}

// Create writes s atomically, archives a copy when an archive is
// configured, and prunes old snapshots. ID and CreatedAt are filled in
// when empty.
func (m *Manager) Create(ctx context.Context, s *Snapshot) (Info, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	if s.NodeID == "" {
		s.NodeID = m.config.NodeID
	}
	data, err := Encode(s)
	if err != nil {
		return Info{}, err
	}
	return m.write(ctx, FileName(s.Marker.Events, s.ID), data)
}

// WriteRaw stores an encoded snapshot received from elsewhere after
// verifying it.
func (m *Manager) WriteRaw(ctx context.Context, data []byte) (Info, error) {
	id, marker, err := DecodeMarker(data)
	if err != nil {
		return Info{}, err
	}
	return m.write(ctx, FileName(marker.Events, id), data)
}

func (m *Manager) write(ctx context.Context, name string, data []byte) (Info, error) {
	path := filepath.Join(m.config.Dir, name)
	if err := wal.WriteFileAtomic(path, data); err != nil {
		return Info{}, fmt.Errorf("snapshot: %w", err)
	}
	events, _ := parseFileName(name)
	info := Info{Name: name, Path: path, Events: events, Size: int64(len(data)), ModTime: m.now()}
	m.logger.Info("snapshot written", "name", name, "events", events, "bytes", len(data))

	if m.config.Archive != nil {
		key := storage.SnapshotKey(m.config.NodeID, name)
		if err := m.config.Archive.Put(ctx, path, key); err != nil {
			m.logger.Warn("snapshot archive upload failed", "name", name, "error", err)
		}
	}
	if _, err := m.Prune(ctx); err != nil {
		m.logger.Warn("snapshot prune failed", "error", err)
	}
	return info, nil
}

// List returns the snapshots on disk, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to list directory: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		events, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:    e.Name(),
			Path:    filepath.Join(m.config.Dir, e.Name()),
			Events:  events,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Events != out[j].Events {
			return out[i].Events > out[j].Events
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Load reads and decodes one snapshot file.
func (m *Manager) Load(info Info) (*Snapshot, error) {
	data, err := os.ReadFile(info.Path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to read %s: %w", info.Name, err)
	}
	return Decode(data)
}

// ReadRaw returns the encoded bytes of one snapshot after verifying them.
func (m *Manager) ReadRaw(info Info) ([]byte, error) {
	data, err := os.ReadFile(info.Path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to read %s: %w", info.Name, err)
	}
	if _, _, err := DecodeMarker(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Latest returns the newest snapshot that decodes, trying older ones when
// the newest is corrupt. It returns nil when none is usable.
func (m *Manager) Latest() (*Snapshot, *Info, error) {
	return m.LatestMatching(nil)
}

// LatestMatching is Latest restricted to snapshots accepted by usable.
func (m *Manager) LatestMatching(usable func(*Snapshot) bool) (*Snapshot, *Info, error) {
	infos, err := m.List()
	if err != nil {
		return nil, nil, err
	}
	for i := range infos {
		s, err := m.Load(infos[i])
		if err != nil {
			m.logger.Warn("snapshot unusable, falling back to an older one", "name", infos[i].Name, "error", err)
			continue
		}
		if usable != nil && !usable(s) {
			m.logger.Warn("snapshot does not match the log, falling back to an older one", "name", infos[i].Name)
			continue
		}
		return s, &infos[i], nil
	}
	return nil, nil, nil
}

// Prune removes all but the newest Retain snapshots.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	if m.config.Retain <= 0 {
		return 0, nil
	}
	infos, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos[min(m.config.Retain, len(infos)):] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("snapshot: failed to remove %s: %w", info.Name, err)
		}
		removed++
		m.logger.Debug("snapshot pruned", "name", info.Name)
	}
	return removed, nil
}

// FetchArchived downloads archived snapshots into the local directory
// when it holds none. It returns the number of files fetched.
func (m *Manager) FetchArchived(ctx context.Context) (int, error) {
	if m.config.Archive == nil {
		return 0, nil
	}
	local, err := m.List()
	if err != nil || len(local) > 0 {
		return 0, err
	}
	keys, err := m.config.Archive.List(ctx, storage.SnapshotKey(m.config.NodeID, ""))
	if err != nil {
		return 0, fmt.Errorf("snapshot: failed to list archive: %w", err)
	}
	fetched := 0
	for _, key := range keys {
		name := storage.BaseName(key)
		if _, ok := parseFileName(name); !ok {
			continue
		}
		if err := m.config.Archive.Get(ctx, key, filepath.Join(m.config.Dir, name)); err != nil {
			return fetched, fmt.Errorf("snapshot: failed to fetch %s: %w", key, err)
		}
		fetched++
	}
	if fetched > 0 {
		m.logger.Info("restored snapshots from archive", "count", fetched)
	}
	return fetched, nil
}

// Package store is the memory-first event store: it appends envelopes to
// the segmented log, keeps the dedup index and materialized state in step
// with it, and restores both after a restart.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkilian/memlog/internal/codec"
	"github.com/arkilian/memlog/internal/dedup"
	"github.com/arkilian/memlog/internal/engine"
	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/index"
	"github.com/arkilian/memlog/internal/observability"
	"github.com/arkilian/memlog/internal/router"
	"github.com/arkilian/memlog/internal/snapshot"
	"github.com/arkilian/memlog/internal/storage"
	"github.com/arkilian/memlog/internal/wal"
	"github.com/arkilian/memlog/pkg/types"
)

// Durability controls when appended frames are fsynced.
type Durability string

const (
	// DurabilityAlways fsyncs every touched segment before acknowledging.
	DurabilityAlways Durability = "always"
	// DurabilityInterval fsyncs on a background ticker.
	DurabilityInterval Durability = "interval"
	// DurabilityNone leaves flushing to the OS.
	DurabilityNone Durability = "none"
)

// Config holds the settings of one store.
type Config struct {
	Dir    string
	NodeID string

	Mode            router.Mode
	Routes          []router.RouteConfig
	Codec           string
	Compress        bool
	SegmentMaxBytes int64

	Durability   Durability
	SyncInterval time.Duration
	BatchSize    int
	BatchWindow  time.Duration

	DedupScope string
	Redis      dedup.RedisConfig

	SnapshotRetain int
	IndexEnabled   bool
}

// DefaultConfig returns a single-route store configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		NodeID:          "local",
		Mode:            router.ModeSingle,
		Codec:           codec.NameBinary,
		SegmentMaxBytes: 64 * 1024 * 1024,
		Durability:      DurabilityAlways,
		SyncInterval:    100 * time.Millisecond,
		BatchSize:       256,
		DedupScope:      dedup.ScopeStore,
		SnapshotRetain:  3,
		IndexEnabled:    true,
	}
}

// Option customizes Open.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	archive  storage.Archive
	notifier *router.Notifier
	registry *codec.Registry
	backend  dedup.Backend
	now      func() time.Time
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics records store activity on m.
func WithMetrics(m *observability.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithArchive archives snapshots and compacted segments to a.
func WithArchive(a storage.Archive) Option { return func(o *options) { o.archive = a } }

// WithNotifier publishes store notifications on n.
func WithNotifier(n *router.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithRegistry replaces the default event registry.
func WithRegistry(r *codec.Registry) Option { return func(o *options) { o.registry = r } }

// WithDedupBackend replaces the backend chosen from the dedup scope.
func WithDedupBackend(b dedup.Backend) Option { return func(o *options) { o.backend = b } }

// WithClock overrides the envelope timestamp source.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Store is safe for concurrent use. All mutations go through one writer
// goroutine; reads load the published state without locking.
type Store struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	notifier *router.Notifier
	registry *codec.Registry
	codec    codec.Codec
	router   *router.SegmentRouter
	log      *wal.Log
	dedup    *dedup.Index
	engine   *engine.Engine
	snaps    *snapshot.Manager
	compact  *snapshot.Compactor
	index    *index.AggregateIndex
	ids      *types.IDGenerator
	now      func() time.Time

	// writeMu is held by the writer while it processes a batch and by
	// operations that need a consistent cut of log, dedup and state.
	writeMu sync.Mutex
	heads   map[string]types.RouteMarker
	// maintMu serializes snapshots, compaction and snapshot installs.
	maintMu sync.Mutex

	quarantine *quarantine

	appliedIndex atomic.Uint64
	appliedTerm  atomic.Uint64
	sinceSnap    atomic.Uint64
	failure      atomic.Pointer[error]

	reqCh     chan *writeReq
	quit      chan struct{}
	stopped   chan struct{}
	bg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *Config) normalize() error {
	if c.Dir == "" {
		return storeerrors.NewValidationError(storeerrors.CodeInvalidConfig, "store directory is required")
	}
	if c.Mode == "" {
		c.Mode = router.ModeSingle
	}
	if c.Codec == "" {
		c.Codec = codec.NameBinary
	}
	if c.Durability == "" {
		c.Durability = DurabilityAlways
	}
	switch c.Durability {
	case DurabilityAlways, DurabilityInterval, DurabilityNone:
	default:
		return storeerrors.NewValidationError(storeerrors.CodeInvalidConfig,
			fmt.Sprintf("unknown durability %q", c.Durability))
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 100 * time.Millisecond
	}
	if c.DedupScope == "" {
		c.DedupScope = dedup.ScopeStore
	}
	if c.NodeID == "" {
		c.NodeID = "local"
	}
	return nil
}

// Open opens the store in cfg.Dir and restores its state.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = codec.DefaultRegistry()
	}

	s := &Store{
		cfg:      cfg,
		logger:   o.logger.With("component", "store", "node", cfg.NodeID),
		metrics:  o.metrics,
		notifier: o.notifier,
		registry: o.registry,
		ids:      types.NewIDGenerator(),
		now:      o.now,
		heads:    make(map[string]types.RouteMarker),
		reqCh:    make(chan *writeReq, cfg.BatchSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	if err := s.openComponents(ctx, o); err != nil {
		s.closeComponents()
		return nil, err
	}
	if err := s.restore(ctx); err != nil {
		s.closeComponents()
		return nil, err
	}

	go s.run()
	if cfg.Durability == DurabilityInterval {
		s.bg.Add(1)
		go s.syncLoop()
	}
	return s, nil
}

func (s *Store) path(elem ...string) string {
	return filepath.Join(append([]string{s.cfg.Dir}, elem...)...)
}

func (s *Store) openComponents(ctx context.Context, o options) error {
	for _, dir := range []string{s.path("segments"), s.path("snapshots"), s.path("reports")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return storeerrors.NewIOError(storeerrors.CodeDiskUnavailable, "failed to create store directory", err)
		}
	}

	var err error
	if s.codec, err = codec.New(s.cfg.Codec, s.registry, s.cfg.Compress); err != nil {
		return err
	}
	if s.router, err = router.NewSegmentRouter(s.cfg.Mode, s.cfg.Routes); err != nil {
		return err
	}
	if s.log, err = wal.OpenLog(s.path("segments"), s.router.Metas(), s.cfg.SegmentMaxBytes, s.logger); err != nil {
		if errors.Is(err, storeerrors.ErrFrameCorrupt) {
			s.reportFrameCorruption(ctx, err)
			return err
		}
		return storeerrors.NewIOError(storeerrors.CodeDiskUnavailable, "failed to open segment log", err)
	}

	backend := o.backend
	if backend == nil {
		switch s.cfg.DedupScope {
		case dedup.ScopeCluster:
			backend, err = dedup.NewRedisBackend(s.cfg.Redis)
		default:
			backend, err = dedup.NewFileBackend(s.path("dedup.log"), s.logger)
		}
		if err != nil {
			return storeerrors.NewIOError(storeerrors.CodeDiskUnavailable, "failed to open dedup index", err)
		}
	}
	s.dedup = dedup.NewIndex(backend, s.logger)

	if s.cfg.IndexEnabled {
		if s.index, err = index.Open(s.path("index.db")); err != nil {
			return storeerrors.NewIOError(storeerrors.CodeDiskUnavailable, "failed to open aggregate index", err)
		}
	}

	s.snaps, err = snapshot.NewManager(snapshot.ManagerConfig{
		Dir:     s.path("snapshots"),
		NodeID:  s.cfg.NodeID,
		Retain:  s.cfg.SnapshotRetain,
		Archive: o.archive,
	}, s.logger)
	if err != nil {
		return storeerrors.NewIOError(storeerrors.CodeDiskUnavailable, "failed to open snapshot directory", err)
	}
	s.compact = snapshot.NewCompactor(s.log, s.codec, o.archive, s.index, s.cfg.NodeID, s.logger)

	if s.quarantine, err = loadQuarantine(s.path("quarantine.json")); err != nil {
		return err
	}
	if _, err := s.snaps.FetchArchived(ctx); err != nil {
		s.logger.Warn("could not fetch archived snapshots", "error", err)
	}
	return nil
}

func (s *Store) closeComponents() {
	if s.log != nil {
		s.log.Close()
	}
	if s.dedup != nil {
		s.dedup.Close()
	}
	if s.index != nil {
		s.index.Close()
	}
}

// Close stops the writer, flushes every segment and releases files.
// Writes still queued fail with STORE_CLOSED.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		<-s.stopped
		s.bg.Wait()

		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if syncErr := s.log.SyncAll(); syncErr != nil {
			err = syncErr
		}
		if closeErr := s.log.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if closeErr := s.dedup.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if s.index != nil {
			if closeErr := s.index.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
		s.logger.Info("store closed")
	})
	return err
}

// Get returns the current value of one entity.
func (s *Store) Get(id string) (*types.Entity, bool) {
	return s.engine.Get(id)
}

// State returns the published state. It is immutable.
func (s *Store) State() *engine.State {
	return s.engine.Current()
}

// Codec returns the codec used for payloads and envelopes.
func (s *Store) Codec() codec.Codec {
	return s.codec
}

// Registry returns the event registry.
func (s *Store) Registry() *codec.Registry {
	return s.registry
}

// NodeID returns the node this store belongs to.
func (s *Store) NodeID() string {
	return s.cfg.NodeID
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// Notifier returns the notification bus, nil when none was configured.
func (s *Store) Notifier() *router.Notifier {
	return s.notifier
}

// EventsSinceSnapshot returns how many events were applied since the
// last snapshot.
func (s *Store) EventsSinceSnapshot() uint64 {
	return s.sinceSnap.Load()
}

// Heads returns a copy of every route's current position.
func (s *Store) Heads() map[string]types.RouteMarker {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	out := make(map[string]types.RouteMarker, len(s.heads))
	for k, v := range s.heads {
		out[k] = v
	}
	return out
}

// Failed returns the error that put the store into the failed state.
func (s *Store) Failed() error {
	if p := s.failure.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Store) fail(err error) {
	wrapped := storeerrors.Wrap(storeerrors.ErrCategoryIO, storeerrors.CodeStoreFailed, "store failed", err)
	var e error = wrapped
	if s.failure.CompareAndSwap(nil, &e) {
		s.logger.Error("store entered failed state, rejecting further writes", "error", err)
	}
}

func (s *Store) publish(n router.Notification) {
	if s.notifier == nil {
		return
	}
	if n.Timestamp == 0 {
		n.Timestamp = s.now().UnixMilli()
	}
	s.notifier.Publish(n)
}

func (s *Store) syncLoop() {
	defer s.bg.Done()
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if err := retry(context.Background(), func() error { return s.log.SyncAll() }); err != nil {
				s.fail(err)
			}
			s.metrics.RecordSync(context.Background(), len(s.log.Routes()))
		}
	}
}

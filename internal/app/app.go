// Package app provides the lifecycle of one memlog node.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"

	grpcapi "github.com/arkilian/memlog/internal/api/grpc"
	"github.com/arkilian/memlog/internal/config"
	"github.com/arkilian/memlog/internal/dedup"
	"github.com/arkilian/memlog/internal/observability"
	"github.com/arkilian/memlog/internal/replication"
	"github.com/arkilian/memlog/internal/router"
	"github.com/arkilian/memlog/internal/server"
	"github.com/arkilian/memlog/internal/snapshot"
	"github.com/arkilian/memlog/internal/storage"
	"github.com/arkilian/memlog/internal/store"
)

const notifierBuffer = 1024

// App owns the store, the replication node, the gRPC server and the
// snapshot daemon of one node.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Shared resources
	metrics  *observability.Metrics
	archive  storage.Archive
	shutdown *server.ShutdownManager

	// Components
	store      *store.Store
	node       *replication.Node
	transport  *grpcapi.Transport
	grpcServer *grpc.Server
	listener   net.Listener
	daemon     *snapshot.Daemon

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg, creates its directories and settles the node id.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if err := cfg.ResolveNodeID(); err != nil {
		return nil, err
	}
	// peers are checked against the resolved id
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &App{
		cfg:    cfg,
		logger: logger.With("node_id", cfg.NodeID),
	}, nil
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Start opens the store and starts replication, the gRPC server and the
// snapshot daemon.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}
	if err := a.openStore(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to open store: %w", err)
	}
	if a.cfg.Replication.Enabled {
		if err := a.startReplication(); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start replication: %w", err)
		}
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}
	if a.node != nil {
		a.node.Start()
	}
	if err := a.startSnapshotDaemon(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start snapshot daemon: %w", err)
	}

	a.logger.Info("memlog started",
		"mode", a.cfg.Store.Mode,
		"replication", a.cfg.Replication.Enabled,
		"entities", a.store.State().Len())
	return nil
}

// initSharedResources initializes metrics, the archive and the shutdown manager.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error
	if a.metrics, err = observability.NewMetrics(); err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	switch a.cfg.Snapshot.Archive.Type {
	case "local":
		a.archive, err = storage.NewLocalArchive(a.cfg.Snapshot.Archive.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		s3Cfg.Bucket = a.cfg.Snapshot.Archive.S3.Bucket
		s3Cfg.Prefix = a.cfg.Snapshot.Archive.S3.Prefix
		if a.cfg.Snapshot.Archive.S3.Region != "" {
			s3Cfg.Region = a.cfg.Snapshot.Archive.S3.Region
		}
		if a.cfg.Snapshot.Archive.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Snapshot.Archive.S3.Endpoint
			s3Cfg.UsePathStyle = true
		}
		a.archive, err = storage.NewS3Archive(ctx, s3Cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize archive: %w", err)
	}
	if a.archive != nil {
		a.logger.Info("archive initialized", "type", a.cfg.Snapshot.Archive.Type)
	}

	shutdownConfig := server.DefaultShutdownConfig()
	shutdownConfig.Logger = a.logger
	a.shutdown = server.NewShutdownManager(shutdownConfig)
	return nil
}

// StoreConfig maps the node configuration onto the store's.
func StoreConfig(c *config.Config) store.Config {
	redis := dedup.DefaultRedisConfig(c.Dedup.Redis.Address, c.NodeID)
	redis.Password = c.Dedup.Redis.Password
	redis.Database = c.Dedup.Redis.Database
	redis.Prefix = c.Dedup.Redis.Prefix

	return store.Config{
		Dir:             c.StoreDir(),
		NodeID:          c.NodeID,
		Mode:            router.Mode(c.Store.Mode),
		Routes:          c.Store.Routes,
		Codec:           c.Store.Codec,
		Compress:        c.Store.Compress,
		SegmentMaxBytes: c.Store.SegmentMaxBytes,
		Durability:      store.Durability(c.Store.Durability),
		SyncInterval:    c.Store.SyncInterval,
		BatchSize:       c.Store.BatchSize,
		BatchWindow:     c.Store.BatchWindow,
		DedupScope:      c.Dedup.Scope,
		Redis:           redis,
		SnapshotRetain:  c.Snapshot.Retain,
		IndexEnabled:    c.Index.Enabled,
	}
}

func (a *App) openStore(ctx context.Context) error {
	opts := []store.Option{
		store.WithLogger(a.logger),
		store.WithMetrics(a.metrics),
		store.WithNotifier(router.NewNotifier(notifierBuffer)),
	}
	if a.archive != nil {
		opts = append(opts, store.WithArchive(a.archive))
	}
	st, err := store.Open(ctx, StoreConfig(a.cfg), opts...)
	if err != nil {
		return err
	}
	a.store = st
	a.shutdown.RegisterCloser(st)
	return nil
}

func (a *App) startReplication() error {
	r := a.cfg.Replication
	addrs := make(map[string]string, len(r.Peers))
	ids := make([]string, 0, len(r.Peers))
	for _, p := range r.Peers {
		addrs[p.ID] = p.Addr
		ids = append(ids, p.ID)
	}

	rc := replication.DefaultConfig(a.cfg.NodeID, a.cfg.RaftDir(), ids)
	rc.HeartbeatInterval = r.HeartbeatInterval
	rc.ElectionTimeout = r.ElectionTimeout
	rc.RPCTimeout = r.RPCTimeout
	rc.CommitTimeout = r.CommitTimeout
	rc.ResyncThreshold = r.ResyncThreshold
	rc.MaxEntriesPerRPC = r.MaxEntriesPerRPC
	rc.LogRetain = r.LogRetain
	rc.SnapshotRate = r.SnapshotRate

	a.transport = grpcapi.NewTransport(addrs, a.logger)
	a.shutdown.RegisterCloser(a.transport)

	node, err := replication.NewNode(rc, a.store, a.transport, a.logger, a.metrics)
	if err != nil {
		return err
	}
	a.node = node
	a.shutdown.RegisterCloser(server.CloserFunc(node.Stop))
	a.logger.Info("replication initialized", "peers", len(ids))
	return nil
}

func (a *App) startGRPC() error {
	srv := grpcapi.NewServer(a.store, a.node, a.logger)
	a.grpcServer = grpcapi.NewGRPCServer(srv, server.UnaryServerInterceptor(a.shutdown))

	var err error
	a.listener, err = net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.shutdown.RegisterCloser(server.GRPCServerCloser(a.grpcServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("gRPC server listening", "addr", a.listener.Addr().String())
		if err := a.grpcServer.Serve(a.listener); err != nil && err != grpc.ErrServerStopped {
			a.logger.Error("gRPC server error", "error", err)
		}
	}()
	return nil
}

func (a *App) startSnapshotDaemon(ctx context.Context) error {
	s := a.cfg.Snapshot
	a.daemon = snapshot.NewDaemon(snapshot.DaemonConfig{
		Interval:      s.Interval,
		EveryEvents:   s.EveryEvents,
		AutoCompact:   s.AutoCompact,
		CheckInterval: s.CheckInterval,
	}, a.store, a.logger)
	if err := a.daemon.Start(ctx); err != nil {
		return err
	}
	a.shutdown.RegisterCloser(server.CloserFunc(a.daemon.Stop))
	return nil
}

// Store returns the node's store; nil before Start.
func (a *App) Store() *store.Store {
	return a.store
}

// Node returns the replication node, nil when replication is disabled.
func (a *App) Node() *replication.Node {
	return a.node
}

// Addr returns the address the gRPC server listens on.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop gracefully stops all components in reverse start order.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	err := a.shutdown.Shutdown(ctx, "stop requested")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown timeout, some goroutines may not have finished")
	}

	a.logger.Info("memlog stopped")
	return err
}

// cleanup releases whatever a failed Start managed to open.
func (a *App) cleanup() {
	if a.shutdown != nil {
		if err := a.shutdown.Shutdown(context.Background(), "start failed"); err != nil {
			a.logger.Warn("cleanup failed", "error", err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

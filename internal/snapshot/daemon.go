package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Target is what the daemon snapshots and compacts.
type Target interface {
	// EventsSinceSnapshot returns how many events were applied since the
	// last snapshot.
	EventsSinceSnapshot() uint64
	ForceSnapshot(ctx context.Context) (Info, error)
	ForceCompaction(ctx context.Context) (*CompactionResult, error)
}

// DaemonConfig holds configuration for the snapshot daemon.
type DaemonConfig struct {
	// Interval snapshots at least this often while events keep arriving.
	Interval time.Duration
	// EveryEvents snapshots once this many events accumulated; 0 disables.
	EveryEvents uint64
	// AutoCompact compacts after every snapshot.
	AutoCompact bool
	// CheckInterval is how often the thresholds are evaluated.
	CheckInterval time.Duration
}

// DefaultDaemonConfig returns the default configuration.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Interval:      10 * time.Minute,
		EveryEvents:   10000,
		AutoCompact:   true,
		CheckInterval: 5 * time.Second,
	}
}

// Daemon takes snapshots in the background.
type Daemon struct {
	config DaemonConfig
	target Target
	logger *slog.Logger

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
	lastSnapshot time.Time
	now          func() time.Time
}

// NewDaemon creates a snapshot daemon.
func NewDaemon(config DaemonConfig, target Target, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Second
	}
	return &Daemon{
		config: config,
		target: target,
		logger: logger.With("component", "snapshot-daemon"),
		now:    time.Now,
	}
}

// Start begins the loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("snapshot: daemon is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.lastSnapshot = d.now()
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop stops the loop and waits for the current cycle.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.cancel()
	<-d.done
	d.running = false
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("snapshot cycle failed", "error", err)
			}
		}
	}
}

// RunOnce snapshots when a threshold is reached and reports whether it did.
func (d *Daemon) RunOnce(ctx context.Context) (bool, error) {
	pending := d.target.EventsSinceSnapshot()
	if pending == 0 {
		return false, nil
	}
	d.mu.Lock()
	elapsed := d.now().Sub(d.lastSnapshot)
	d.mu.Unlock()

	due := d.config.EveryEvents > 0 && pending >= d.config.EveryEvents
	if d.config.Interval > 0 && elapsed >= d.config.Interval {
		due = true
	}
	if !due {
		return false, nil
	}

	info, err := d.target.ForceSnapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot failed: %w", err)
	}
	d.mu.Lock()
	d.lastSnapshot = d.now()
	d.mu.Unlock()
	d.logger.Info("periodic snapshot taken", "name", info.Name, "pending_events", pending)

	if d.config.AutoCompact {
		if _, err := d.target.ForceCompaction(ctx); err != nil {
			return true, fmt.Errorf("compaction failed: %w", err)
		}
	}
	return true, nil
}

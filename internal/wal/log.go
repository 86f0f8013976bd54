package wal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Log is the set of route logs of one store, one directory per route.
type Log struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger
	routes   map[string]*RouteLog
	mu       sync.RWMutex
}

// OpenLog opens the configured routes under dir. Route directories found
// on disk but absent from routes are opened too so their history stays
// readable.
func OpenLog(dir string, routes []RouteMeta, maxBytes int64, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}

	l := &Log{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger,
		routes:   make(map[string]*RouteLog),
	}

	for _, meta := range routes {
		if _, err := l.open(meta); err != nil {
			l.Close()
			return nil, err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to read segment directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := l.routes[e.Name()]; ok {
			continue
		}
		stored, err := readRouteMeta(filepath.Join(dir, e.Name()))
		if err != nil || stored == nil {
			continue
		}
		logger.Warn("opening route missing from configuration", "route", e.Name())
		if _, err := l.open(*stored); err != nil {
			l.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *Log) open(meta RouteMeta) (*RouteLog, error) {
	rl, err := OpenRouteLog(filepath.Join(l.dir, meta.Name), meta, l.maxBytes, l.logger)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", meta.Name, err)
	}
	l.routes[meta.Name] = rl
	return rl, nil
}

// Route returns the log of one route.
func (l *Log) Route(name string) (*RouteLog, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rl, ok := l.routes[name]
	return rl, ok
}

// Routes returns every route log ordered by name.
func (l *Log) Routes() []*RouteLog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*RouteLog, 0, len(l.routes))
	for _, rl := range l.routes {
		out = append(out, rl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SyncAll fsyncs the active segment of every route.
func (l *Log) SyncAll() error {
	var errs []error
	for _, rl := range l.Routes() {
		if err := rl.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", rl.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every route.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for name, rl := range l.routes {
		if err := rl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

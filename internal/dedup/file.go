package dedup

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// FileBackend stores one event id per line in an append-only file that is
// fsynced after every batch.
type FileBackend struct {
	path   string
	file   *os.File
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileBackend opens (or creates) the dedup file. A partial last line
// left by a crash is cut off: its envelope cannot have been written.
func NewFileBackend(path string, logger *slog.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read dedup file: %w", err)
	}
	if n := len(data); n > 0 && data[n-1] != '\n' {
		keep := bytes.LastIndexByte(data, '\n') + 1
		logger.Warn("truncating partial dedup record", "path", path, "offset", keep)
		if err := os.Truncate(path, int64(keep)); err != nil {
			return nil, fmt.Errorf("failed to truncate dedup file: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup file: %w", err)
	}
	return &FileBackend{path: path, file: f, logger: logger}, nil
}

func (b *FileBackend) Load(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup file: %w", err)
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan dedup file: %w", err)
	}
	return ids, nil
}

func (b *FileBackend) Persist(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	for _, id := range ids {
		if strings.ContainsAny(id, "\r\n") {
			return nil, fmt.Errorf("event id %q contains a line break", id)
		}
		buf.WriteString(id)
		buf.WriteByte('\n')
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.file.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write dedup records: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to fsync dedup file: %w", err)
	}
	return nil, nil
}

// Contains is always false: a store-scoped index trusts its applied set.
func (b *FileBackend) Contains(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (b *FileBackend) Shared() bool { return false }

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}

// Package dedup tracks which event ids a store has accepted so that
// appending or replaying the same event twice is a no-op.
//
// A record is persisted before the id enters the in-memory set. After a
// crash the in-memory set is rebuilt from what was actually applied, so
// a persisted record whose envelope never made it to the log is treated
// as not yet applied.
package dedup

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Scope names.
const (
	ScopeStore   = "store"
	ScopeCluster = "cluster"
)

// Backend persists dedup records.
type Backend interface {
	// Load returns every id this store persisted.
	Load(ctx context.Context) ([]string, error)
	// Persist durably records ids and returns the ones already claimed by
	// another store sharing the backend.
	Persist(ctx context.Context, ids []string) (claimed []string, err error)
	// Contains reports whether another store sharing the backend accepted id.
	Contains(ctx context.Context, id string) (bool, error)
	// Shared reports whether the backend is visible to other stores.
	Shared() bool
	Close() error
}

// Index is the dedup index of one store: the applied id set in memory in
// front of a persistent backend.
type Index struct {
	backend Backend
	logger  *slog.Logger
	mu      sync.RWMutex
	seen    map[string]struct{}
}

// NewIndex creates an empty index over backend. Call Restore before use.
func NewIndex(backend Backend, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		backend: backend,
		logger:  logger.With("component", "dedup"),
		seen:    make(map[string]struct{}),
	}
}

// Applied reports whether id is in the local applied set.
func (i *Index) Applied(id string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.seen[id]
	return ok
}

// HasSeen reports whether id was accepted locally or, for a shared
// backend, by another store.
func (i *Index) HasSeen(ctx context.Context, id string) (bool, error) {
	if i.Applied(id) {
		return true, nil
	}
	if !i.backend.Shared() {
		return false, nil
	}
	return i.backend.Contains(ctx, id)
}

// MarkSeen persists records for ids not yet applied, then adds the ids to
// the in-memory set. Ids another store claimed first are returned and
// left out of the set.
func (i *Index) MarkSeen(ctx context.Context, ids ...string) ([]string, error) {
	fresh := make([]string, 0, len(ids))
	dup := make(map[string]struct{}, len(ids))
	i.mu.RLock()
	for _, id := range ids {
		if _, ok := i.seen[id]; ok {
			continue
		}
		if _, ok := dup[id]; ok {
			continue
		}
		dup[id] = struct{}{}
		fresh = append(fresh, id)
	}
	i.mu.RUnlock()
	if len(fresh) == 0 {
		return nil, nil
	}

	claimed, err := i.backend.Persist(ctx, fresh)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(claimed))
	for _, id := range claimed {
		skip[id] = struct{}{}
	}

	i.mu.Lock()
	for _, id := range fresh {
		if _, ok := skip[id]; !ok {
			i.seen[id] = struct{}{}
		}
	}
	i.mu.Unlock()
	return claimed, nil
}

// Adopt adds ids to the in-memory set without consulting the backend.
// Replicated entries are applied on the leader's authority even when a
// shared backend reports them as claimed elsewhere.
func (i *Index) Adopt(ids ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range ids {
		i.seen[id] = struct{}{}
	}
}

// Forget removes ids from the in-memory set only. Used when the envelope
// write that followed MarkSeen failed; the persisted record becomes an
// orphan that restart reconciles.
func (i *Index) Forget(ids ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range ids {
		delete(i.seen, id)
	}
}

// Restore rebuilds the in-memory set from the ids actually applied.
// Applied ids missing from the backend are persisted again; persisted ids
// that were never applied are counted as orphans.
func (i *Index) Restore(ctx context.Context, applied []string) (orphans int, err error) {
	persisted, err := i.backend.Load(ctx)
	if err != nil {
		return 0, err
	}

	appliedSet := make(map[string]struct{}, len(applied))
	for _, id := range applied {
		appliedSet[id] = struct{}{}
	}
	persistedSet := make(map[string]struct{}, len(persisted))
	for _, id := range persisted {
		persistedSet[id] = struct{}{}
		if _, ok := appliedSet[id]; !ok {
			orphans++
		}
	}

	var missing []string
	for id := range appliedSet {
		if _, ok := persistedSet[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		if _, err := i.backend.Persist(ctx, missing); err != nil {
			return orphans, err
		}
	}

	i.mu.Lock()
	i.seen = appliedSet
	i.mu.Unlock()

	if orphans > 0 {
		i.logger.Warn("dedup records without applied events, treating as not applied", "count", orphans)
	}
	return orphans, nil
}

// Reset replaces the in-memory set, persisting ids the backend lacks.
// Used when a snapshot from another node is installed.
func (i *Index) Reset(ctx context.Context, applied []string) error {
	_, err := i.Restore(ctx, applied)
	return err
}

// IDs returns the applied ids in sorted order.
func (i *Index) IDs() []string {
	i.mu.RLock()
	out := make([]string, 0, len(i.seen))
	for id := range i.seen {
		out = append(out, id)
	}
	i.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of applied ids.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.seen)
}

// Close closes the backend.
func (i *Index) Close() error {
	return i.backend.Close()
}

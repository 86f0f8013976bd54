package dedup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileIndex(t *testing.T, path string) *Index {
	t.Helper()
	b, err := NewFileBackend(path, nil)
	require.NoError(t, err)
	return NewIndex(b, nil)
}

func TestIndex_MarkSeenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dedup.log")
	idx := newFileIndex(t, path)
	defer idx.Close()

	seen, err := idx.HasSeen(ctx, "a")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = idx.MarkSeen(ctx, "a", "b", "a")
	require.NoError(t, err)
	_, err = idx.MarkSeen(ctx, "a")
	require.NoError(t, err)

	seen, err = idx.HasSeen(ctx, "a")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 2, idx.Len())

	persisted, err := idx.backend.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, persisted)
}

func TestIndex_RestoreTreatsOrphansAsNotApplied(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dedup.log")

	idx := newFileIndex(t, path)
	_, err := idx.MarkSeen(ctx, "e1", "e2", "e3")
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	// Crash after persisting e3 but before its envelope was written.
	idx = newFileIndex(t, path)
	defer idx.Close()
	orphans, err := idx.Restore(ctx, []string{"e1", "e2"})
	require.NoError(t, err)
	assert.Equal(t, 1, orphans)

	assert.True(t, idx.Applied("e1"))
	assert.False(t, idx.Applied("e3"))
	seen, err := idx.HasSeen(ctx, "e3")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestIndex_RestoreRepersistsMissingRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dedup.log")
	idx := newFileIndex(t, path)
	defer idx.Close()

	_, err := idx.Restore(ctx, []string{"x", "y"})
	require.NoError(t, err)

	persisted, err := idx.backend.Load(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, persisted)
	assert.Equal(t, []string{"x", "y"}, idx.IDs())
}

func TestIndex_Forget(t *testing.T) {
	ctx := context.Background()
	idx := newFileIndex(t, filepath.Join(t.TempDir(), "dedup.log"))
	defer idx.Close()

	_, err := idx.MarkSeen(ctx, "a")
	require.NoError(t, err)
	idx.Forget("a")
	assert.False(t, idx.Applied("a"))
}

func TestFileBackend_CutsPartialLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dedup.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthr"), 0644))

	b, err := NewFileBackend(path, nil)
	require.NoError(t, err)
	defer b.Close()

	ids, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, ids)

	_, err = b.Persist(ctx, []string{"three"})
	require.NoError(t, err)
	ids, err = b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, ids)

	_, err = b.Persist(ctx, []string{"bad\nid"})
	assert.Error(t, err)
}

func TestRedisBackend_SharedScope(t *testing.T) {
	addr := os.Getenv("MEMLOG_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEMLOG_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "memlog:test:" + t.Name()

	cfgA := DefaultRedisConfig(addr, "store-a")
	cfgA.Prefix = prefix
	a, err := NewRedisBackend(cfgA)
	require.NoError(t, err)
	defer a.Close()
	defer a.client.Del(ctx, a.key())

	cfgB := DefaultRedisConfig(addr, "store-b")
	cfgB.Prefix = prefix
	b, err := NewRedisBackend(cfgB)
	require.NoError(t, err)
	defer b.Close()

	idxA := NewIndex(a, nil)
	idxB := NewIndex(b, nil)

	_, err = idxA.MarkSeen(ctx, "evt-1")
	require.NoError(t, err)

	seen, err := idxB.HasSeen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen, "another store's id is a duplicate")

	claimed, err := idxB.MarkSeen(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-1"}, claimed)
	assert.False(t, idxB.Applied("evt-1"))

	// An orphan of store A stays retryable by A.
	orphans, err := idxA.Restore(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, orphans)
	seen, err = idxA.HasSeen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

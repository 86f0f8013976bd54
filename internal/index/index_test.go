package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/memlog/pkg/types"
)

func openTestIndex(t *testing.T) *AggregateIndex {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func entry(id, agg, route string, seg uint64, off int64) Entry {
	return Entry{
		EventID:     id,
		AggregateID: agg,
		Position:    types.Position{Route: route, SegmentID: seg, Offset: off},
		Timestamp:   1700000000000,
	}
}

func TestAggregateIndex_RecordLookup(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Record(ctx, []Entry{
		entry("e1", "order:1", "main", 1, 0),
		entry("e2", "order:2", "main", 1, 40),
		entry("e3", "order:1", "main", 2, 0),
	}))

	got, err := idx.Lookup(ctx, "order:1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].EventID)
	assert.Equal(t, "e3", got[1].EventID)
	assert.Equal(t, uint64(2), got[1].Position.SegmentID)

	none, err := idx.Lookup(ctx, "order:9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAggregateIndex_RecordIsIdempotent(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	batch := []Entry{entry("e1", "user:1", "users", 1, 0)}
	require.NoError(t, idx.Record(ctx, batch))
	require.NoError(t, idx.Record(ctx, batch))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAggregateIndex_SkipsEmptyAggregate(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Record(ctx, []Entry{entry("e1", "", "main", 1, 0)}))
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAggregateIndex_ForgetSegment(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Record(ctx, []Entry{
		entry("e1", "order:1", "orders", 1, 0),
		entry("e2", "order:1", "orders", 1, 30),
		entry("e3", "order:1", "orders", 2, 0),
		entry("e4", "user:1", "users", 1, 0),
	}))

	removed, err := idx.ForgetSegment(ctx, "orders", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	got, err := idx.Lookup(ctx, "order:1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e3", got[0].EventID)

	require.NoError(t, idx.ForgetRoute(ctx, "users"))
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAggregateIndex_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	idx, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, idx.Record(ctx, []Entry{entry("e1", "order:1", "main", 1, 0)}))
	require.NoError(t, idx.Close())

	idx, err = Open(path)
	require.NoError(t, err)
	defer idx.Close()
	got, err := idx.Lookup(ctx, "order:1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

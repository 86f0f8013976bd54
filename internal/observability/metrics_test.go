package observability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RouteTotals(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordAppend(ctx, "orders", 3, 300)
	m.RecordAppend(ctx, "users", 1, 50)
	m.RecordAppend(ctx, "orders", 2, 200)
	m.RecordDuplicate(ctx, "users")

	routes := m.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "orders", routes[0].Route)
	assert.Equal(t, int64(5), routes[0].Appended)
	assert.Equal(t, int64(500), routes[0].Bytes)
	assert.Equal(t, int64(1), routes[1].Duplicates)
	assert.False(t, routes[0].LastWrite.IsZero())
}

func TestMetrics_Totals(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordBatch(ctx, 10)
	m.RecordBatch(ctx, 4)
	m.RecordSync(ctx, 2)
	m.RecordSync(ctx, 1)
	m.RecordSnapshot(ctx)
	m.RecordCompaction(ctx, 3)
	m.RecordCommit(ctx, 5*time.Millisecond)
	m.RecordElection(ctx)
	m.RecordResync(ctx, "n2")
	m.RecordIntegrityFailure(ctx, "main")

	assert.Equal(t, int64(3), m.Total("fsyncs"))
	assert.Equal(t, int64(2), m.Total("batches"))
	assert.Equal(t, int64(1), m.Total("snapshots"))
	assert.Equal(t, int64(3), m.Total("segments_compacted"))
	assert.Equal(t, int64(1), m.Total("commits"))
	assert.Equal(t, int64(1), m.Total("elections"))
	assert.Equal(t, int64(1), m.Total("resyncs"))
	assert.Equal(t, int64(1), m.Total("integrity_failures"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordAppend(ctx, "main", 1, 1)
	m.RecordCommit(ctx, time.Second)
	assert.Equal(t, int64(0), m.Total("commits"))
	assert.Nil(t, m.Routes())
}

func TestMetrics_Concurrent(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordAppend(ctx, "main", 1, 10)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(800), m.Routes()[0].Appended)
}

package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/memlog/pkg/types"
)

func payloadsN(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		p := make([]byte, size)
		copy(p, fmt.Sprintf("p%04d", i))
		out[i] = p
	}
	return out
}

func collect(t *testing.T, rl *RouteLog, from types.RouteMarker) []Record {
	t.Helper()
	var out []Record
	for rec, err := range rl.Records(from) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestSegmentNames(t *testing.T) {
	id, sealed, ok := parseSegmentName(SegmentFileName(42))
	assert.True(t, ok)
	assert.False(t, sealed)
	assert.Equal(t, uint64(42), id)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	name := SealedFileName(42, at)
	assert.Equal(t, "seg_000000000000002a.20260102T030405.log", name)
	id, sealed, ok = parseSegmentName(name)
	assert.True(t, ok)
	assert.True(t, sealed)
	assert.Equal(t, uint64(42), id)

	_, _, ok = parseSegmentName("route.json")
	assert.False(t, ok)
	_, _, ok = parseSegmentName("seg_zz.log")
	assert.False(t, ok)
}

func TestRouteLog_RotatesBySize(t *testing.T) {
	dir := t.TempDir()
	rl, err := OpenRouteLog(dir, RouteMeta{Name: "orders"}, 1024, nil)
	require.NoError(t, err)
	defer rl.Close()

	payloads := payloadsN(20, 200)
	positions, err := rl.Append(payloads)
	require.NoError(t, err)
	require.Len(t, positions, 20)

	segments, err := rl.Segments()
	require.NoError(t, err)
	require.Greater(t, len(segments), 1)
	for _, seg := range segments[:len(segments)-1] {
		assert.True(t, seg.Sealed)
		assert.LessOrEqual(t, seg.Size, int64(1024))
	}
	assert.False(t, segments[len(segments)-1].Sealed)

	records := collect(t, rl, types.RouteMarker{})
	require.Len(t, records, 20)
	for i, rec := range records {
		assert.Equal(t, payloads[i], rec.Payload)
		assert.Equal(t, positions[i], rec.Position)
	}
}

func TestRouteLog_RecordsFromMarker(t *testing.T) {
	rl, err := OpenRouteLog(t.TempDir(), RouteMeta{Name: "main"}, 600, nil)
	require.NoError(t, err)
	defer rl.Close()

	payloads := payloadsN(12, 100)
	positions, err := rl.Append(payloads)
	require.NoError(t, err)

	mid := positions[7]
	records := collect(t, rl, types.RouteMarker{SegmentID: mid.SegmentID, Offset: mid.Offset})
	require.Len(t, records, 5)
	assert.Equal(t, payloads[7], records[0].Payload)

	end := rl.End()
	assert.Empty(t, collect(t, rl, types.RouteMarker{SegmentID: end.SegmentID, Offset: end.Offset}))

	got, err := rl.ReadAt(positions[3].SegmentID, positions[3].Offset)
	require.NoError(t, err)
	assert.Equal(t, payloads[3], got)
}

func TestRouteLog_ReopenContinuesActiveSegment(t *testing.T) {
	dir := t.TempDir()
	rl, err := OpenRouteLog(dir, RouteMeta{Name: "main", EventTypes: []string{"a"}}, 1<<20, nil)
	require.NoError(t, err)
	_, err = rl.Append(payloadsN(3, 10))
	require.NoError(t, err)
	end := rl.End()
	require.NoError(t, rl.Close())

	rl, err = OpenRouteLog(dir, RouteMeta{Name: "main", EventTypes: []string{"a", "b"}}, 1<<20, nil)
	require.NoError(t, err)
	defer rl.Close()
	assert.Equal(t, end, rl.End())
	assert.True(t, rl.Meta().Authorizes("b"))
	assert.False(t, rl.Meta().Authorizes("c"))
}

func TestRouteLog_RemoveSegmentKeepsAnchor(t *testing.T) {
	dir := t.TempDir()
	rl, err := OpenRouteLog(dir, RouteMeta{Name: "main"}, 300, nil)
	require.NoError(t, err)
	_, err = rl.Append(payloadsN(6, 100))
	require.NoError(t, err)

	segments, err := rl.Segments()
	require.NoError(t, err)
	require.Greater(t, len(segments), 2)

	require.NoError(t, rl.RemoveSegment(segments[0], "abc"))
	assert.Error(t, rl.RemoveSegment(segments[len(segments)-1], "zzz"))
	require.NoError(t, rl.Close())

	_, err = os.Stat(segments[0].Path)
	assert.True(t, os.IsNotExist(err))

	rl, err = OpenRouteLog(dir, RouteMeta{Name: "main"}, 300, nil)
	require.NoError(t, err)
	defer rl.Close()
	assert.Equal(t, "abc", rl.Meta().Anchor)
	assert.Equal(t, segments[0].ID, rl.Meta().AnchorSegment)
}

func TestRouteLog_Reset(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(t.TempDir(), "archive")
	rl, err := OpenRouteLog(dir, RouteMeta{Name: "main"}, 1<<20, nil)
	require.NoError(t, err)
	defer rl.Close()
	_, err = rl.Append(payloadsN(4, 10))
	require.NoError(t, err)

	require.NoError(t, rl.Reset("tail-hash", archive))
	assert.Empty(t, collect(t, rl, types.RouteMarker{}))
	assert.Equal(t, "tail-hash", rl.Meta().Anchor)

	archived, err := ListSegments(archive)
	require.NoError(t, err)
	assert.Len(t, archived, 1)

	pos, err := rl.Append(payloadsN(1, 10))
	require.NoError(t, err)
	assert.Equal(t, rl.ActiveSegment(), pos[0].SegmentID)
}

func TestLog_OpensConfiguredAndDiscoveredRoutes(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, []RouteMeta{{Name: "a"}, {Name: "b"}}, 1<<20, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = OpenLog(dir, []RouteMeta{{Name: "a"}}, 1<<20, nil)
	require.NoError(t, err)
	defer l.Close()

	var names []string
	for _, rl := range l.Routes() {
		names = append(names, rl.Name())
	}
	assert.Equal(t, []string{"a", "b"}, names)
	require.NoError(t, l.SyncAll())
}

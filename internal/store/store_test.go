package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/memlog/internal/codec"
	"github.com/arkilian/memlog/internal/engine"
	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/router"
	"github.com/arkilian/memlog/internal/wal"
	"github.com/arkilian/memlog/pkg/types"
)

func testConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.NodeID = "test"
	cfg.SnapshotRetain = 0
	return cfg
}

func openStore(t *testing.T, cfg Config, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func created(id string, kv ...string) *codec.EntityCreated {
	fields := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return &codec.EntityCreated{ID: id, Fields: fields}
}

// replayState rebuilds a state from envelopes with the reducer alone.
func replayState(t *testing.T, c codec.Codec, envs []*types.Envelope) *engine.State {
	t.Helper()
	batch := make([]engine.Applied, 0, len(envs))
	for _, env := range envs {
		ev, err := c.UnmarshalEvent(env.EventType, env.Payload)
		require.NoError(t, err)
		batch = append(batch, engine.Applied{Envelope: env, Event: ev})
	}
	st, err := engine.ApplyAll(engine.Empty(), batch)
	require.NoError(t, err)
	return st
}

func collect(t *testing.T, s *Store, from types.Marker) []*types.Envelope {
	t.Helper()
	var out []*types.Envelope
	for env, err := range s.ReplayRange(from) {
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestStore_AppendGet(t *testing.T) {
	s := openStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	id, err := s.Append(ctx, created("order:1", "status", "new"))
	require.NoError(t, err)
	_, err = types.ParseEventID(id)
	assert.NoError(t, err, "generated ids are ULIDs")

	_, err = s.Append(ctx, &codec.EntityUpdated{ID: "order:1", Set: map[string]string{"status": "paid"}})
	require.NoError(t, err)

	e, ok := s.Get("order:1")
	require.True(t, ok)
	assert.Equal(t, "order", e.Type)
	assert.Equal(t, uint64(2), e.Version)
	assert.Equal(t, "paid", e.Fields["status"])

	_, err = s.Append(ctx, &codec.EntityDeleted{ID: "order:1"})
	require.NoError(t, err)
	_, ok = s.Get("order:1")
	assert.False(t, ok)
	assert.Equal(t, uint64(3), s.State().Events())
}

func TestStore_AppendIsIdempotent(t *testing.T) {
	s := openStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	id, err := s.Append(ctx, created("user:1", "n", "1"), WithEventID("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)
	before := s.State()

	id, err = s.Append(ctx, created("user:1", "n", "1"), WithEventID("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)
	assert.Same(t, before, s.State(), "duplicate must not publish a new state")

	// Duplicates inside one batch are applied once.
	ids, err := s.AppendBatch(ctx, []Command{
		{Event: created("user:2"), EventID: "evt-2"},
		{Event: created("user:2"), EventID: "evt-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-2", "evt-2"}, ids)

	e, ok := s.Get("user:2")
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Version)
	assert.Len(t, collect(t, s, types.Marker{}), 2)
}

func TestStore_Validation(t *testing.T) {
	s := openStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.Append(ctx, nil)
	assert.Equal(t, storeerrors.CodeInvalidEvent, storeerrors.GetCode(err))

	_, err = s.Append(ctx, &codec.EntityCreated{})
	assert.Equal(t, storeerrors.ErrCategoryValidation, storeerrors.GetCategory(err))
}

func TestStore_RestartRestoresState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, testConfig(dir))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := s.Append(ctx, created(fmt.Sprintf("item:%d", i), "i", fmt.Sprint(i)))
		require.NoError(t, err)
	}
	want := s.State()
	require.NoError(t, s.Close())

	s = openStore(t, testConfig(dir))
	assert.True(t, want.Equal(s.State()))
	assert.Equal(t, uint64(20), s.State().Events())

	// The chain continues across the restart.
	_, err = s.Append(ctx, created("item:20"))
	require.NoError(t, err)
	status, err := s.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, status.Valid)
	assert.Equal(t, 21, status.Checked)
}

func TestStore_CrashMidWriteReplaysCompleteRecords(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig(dir)

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := s.Append(ctx, created(fmt.Sprintf("order:%d", i), "n", fmt.Sprint(i)))
		require.NoError(t, err)
	}
	want := s.State()
	require.NoError(t, s.Close())

	// The 101st record's header reached the disk but its payload did not.
	seg := filepath.Join(dir, "segments", router.MainRoute, wal.SegmentFileName(1))
	f, err := os.OpenFile(seg, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], 300)
	_, err = f.Write(append(hdr[:], make([]byte, 40)...))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, cfg)
	assert.True(t, want.Equal(s.State()))
	assert.Equal(t, 100, s.State().Len())
	assert.Len(t, collect(t, s, types.Marker{}), 100)

	// Appending after recovery keeps the log readable.
	_, err = s.Append(ctx, created("order:100"))
	require.NoError(t, err)
	assert.Len(t, collect(t, s, types.Marker{}), 101)
}

func TestStore_CorruptFrameHeaderRefusesToOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig(dir)

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	var positions []types.Position
	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, created(fmt.Sprintf("order:%d", i)))
		require.NoError(t, err)
	}
	route, _ := s.log.Route(router.MainRoute)
	for rec, err := range route.Records(types.RouteMarker{}) {
		require.NoError(t, err)
		positions = append(positions, rec.Position)
	}
	require.NoError(t, s.Close())

	// Bit rot in the length header of the fourth record.
	seg := filepath.Join(dir, "segments", router.MainRoute, wal.SegmentFileName(1))
	before, err := os.Stat(seg)
	require.NoError(t, err)
	f, err := os.OpenFile(seg, os.O_WRONLY, 0644)
	require.NoError(t, err)
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], 1<<40)
	_, err = f.WriteAt(hdr[:], positions[3].Offset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(ctx, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, storeerrors.ErrFrameCorrupt)

	after, err := os.Stat(seg)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size(), "frames after the damaged header are kept")

	reports, err := os.ReadDir(filepath.Join(dir, "reports"))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	data, err := os.ReadFile(filepath.Join(dir, "reports", reports[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf(`"offset": %d`, positions[3].Offset))
}

func TestStore_SnapshotCompactRestartMatchesFullReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig(dir)
	cfg.SegmentMaxBytes = 8 * 1024
	cfg.Durability = DurabilityNone

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		var ev codec.Event
		switch {
		case i%10 == 9:
			ev = &codec.EntityDeleted{ID: fmt.Sprintf("order:%d", i-5)}
		case i%3 == 2:
			ev = &codec.EntityUpdated{ID: fmt.Sprintf("order:%d", i-1), Set: map[string]string{"step": fmt.Sprint(i)}, Unset: []string{"n"}}
		default:
			ev = created(fmt.Sprintf("order:%d", i), "n", fmt.Sprint(i))
		}
		_, err := s.Append(ctx, ev)
		require.NoError(t, err)
	}
	full := collect(t, s, types.Marker{})
	require.Len(t, full, 1000)

	_, err = s.ForceSnapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.EventsSinceSnapshot())

	res, err := s.ForceCompaction(ctx)
	require.NoError(t, err)
	assert.Greater(t, res.SegmentsRemoved, 0)
	assert.Less(t, len(collect(t, s, types.Marker{})), 1000, "compaction removed covered segments")

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, created(fmt.Sprintf("late:%d", i)))
		require.NoError(t, err)
	}
	var late []*types.Envelope
	for _, env := range collect(t, s, types.Marker{}) {
		if types.AggregateType(env.AggregateID) == "late" {
			late = append(late, env)
		}
	}
	require.Len(t, late, 10)
	live := s.State()
	require.NoError(t, s.Close())

	want := replayState(t, s.Codec(), append(full, late...))
	assert.True(t, want.Equal(live))

	s = openStore(t, cfg)
	assert.True(t, want.Equal(s.State()), "snapshot plus remaining events equals a full replay")
	assert.Equal(t, uint64(1010), s.State().Events())

	status, err := s.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, status.Valid, "remaining segments verify from the compaction anchor")
}

func TestStore_TamperedEnvelopeIsReportedAndExcluded(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig(dir)

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, created(fmt.Sprintf("doc:%d", i), "body", "AAAA"))
		require.NoError(t, err)
	}

	// Rewrite envelope 4 in place with a same-length payload, keeping its hashes.
	route, _ := s.log.Route(router.MainRoute)
	var target wal.Record
	k := 0
	for rec, err := range route.Records(types.RouteMarker{}) {
		require.NoError(t, err)
		if k == 4 {
			target = rec
		}
		k++
	}
	env, err := s.Codec().UnmarshalEnvelope(target.Payload)
	require.NoError(t, err)
	env.Payload, err = s.Codec().MarshalEvent(created("doc:4", "body", "BBBB"))
	require.NoError(t, err)
	forged, err := s.Codec().MarshalEnvelope(env)
	require.NoError(t, err)
	require.Len(t, forged, len(target.Payload))

	seg := filepath.Join(dir, "segments", router.MainRoute, wal.SegmentFileName(target.Position.SegmentID))
	f, err := os.OpenFile(seg, os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt(forged, target.Position.Offset+wal.FrameHeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	status, err := s.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, status.Valid)
	assert.Equal(t, 4, status.BrokenAtIndex)
	assert.Equal(t, env.EventID, status.EventID)
	assert.Equal(t, router.MainRoute, status.Route)
	assert.Equal(t, 5, status.Suspect)
	require.NoError(t, s.Close())

	reports, err := os.ReadDir(filepath.Join(dir, "reports"))
	require.NoError(t, err)
	assert.NotEmpty(t, reports)

	s = openStore(t, cfg)
	_, ok := s.Get("doc:4")
	assert.False(t, ok, "quarantined envelope is excluded from replay")
	assert.Equal(t, 9, s.State().Len())
	require.Len(t, s.Quarantined(), 1)
	assert.Equal(t, env.EventID, s.Quarantined()[0].EventID)
}

func TestStore_TamperCoveredBySnapshotIsRepaired(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig(dir)

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, created(fmt.Sprintf("doc:%d", i), "body", "AAAA"))
		require.NoError(t, err)
	}
	_, err = s.ForceSnapshot(ctx)
	require.NoError(t, err)

	route, _ := s.log.Route(router.MainRoute)
	var first wal.Record
	for rec, err := range route.Records(types.RouteMarker{}) {
		require.NoError(t, err)
		first = rec
		break
	}
	env, err := s.Codec().UnmarshalEnvelope(first.Payload)
	require.NoError(t, err)
	env.Payload, err = s.Codec().MarshalEvent(created("doc:0", "body", "ZZZZ"))
	require.NoError(t, err)
	forged, err := s.Codec().MarshalEnvelope(env)
	require.NoError(t, err)
	seg := filepath.Join(dir, "segments", router.MainRoute, wal.SegmentFileName(first.Position.SegmentID))
	f, err := os.OpenFile(seg, os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt(forged, first.Position.Offset+wal.FrameHeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	status, err := s.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, status.Valid)
	assert.Empty(t, s.Quarantined(), "break covered by the snapshot is not quarantined")

	e, ok := s.Get("doc:0")
	require.True(t, ok)
	assert.Equal(t, "AAAA", e.Fields["body"])
}

func TestStore_MultiRouteRouting(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Mode = router.ModeMulti
	cfg.Routes = []router.RouteConfig{{
		Name:           "orders",
		AggregateTypes: []string{"order"},
		EventTypes:     []string{codec.TypeEntityCreated, codec.TypeEntityUpdated},
	}}
	s := openStore(t, cfg)
	ctx := context.Background()

	_, err := s.Append(ctx, created("order:1"))
	require.NoError(t, err)
	_, err = s.Append(ctx, created("user:1"))
	require.NoError(t, err)

	_, err = s.Append(ctx, &codec.EntityDeleted{ID: "order:1"})
	require.Error(t, err)
	assert.Equal(t, storeerrors.CodeUnauthorizedEventType, storeerrors.GetCode(err))

	heads := s.Heads()
	assert.Equal(t, uint64(1), heads["orders"].Count)
	assert.Equal(t, uint64(1), heads[router.DefaultRoute].Count)

	envs := collect(t, s, types.Marker{})
	require.Len(t, envs, 2)
	assert.Equal(t, "user:1", envs[0].AggregateID, "routes replay in name order")
	assert.True(t, envs[0].IsGenesis())
	assert.True(t, envs[1].IsGenesis(), "each route has its own chain")
}

func TestStore_History(t *testing.T) {
	s := openStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.Append(ctx, created("order:1", "s", "a"))
	require.NoError(t, err)
	_, err = s.Append(ctx, created("order:2"))
	require.NoError(t, err)
	_, err = s.Append(ctx, &codec.EntityUpdated{ID: "order:1", Set: map[string]string{"s": "b"}})
	require.NoError(t, err)

	hist, err := s.History(ctx, "order:1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, codec.TypeEntityCreated, hist[0].EventType)
	assert.Equal(t, codec.TypeEntityUpdated, hist[1].EventType)

	// Chains are per route: order:2 sits between the two order:1 envelopes.
	all := collect(t, s, types.Marker{})
	require.Len(t, all, 3)
	assert.Equal(t, all[0].EventHash, hist[0].EventHash)
	assert.Equal(t, all[1].EventHash, hist[1].PreviousHash)
	assert.Equal(t, all[2].EventHash, hist[1].EventHash)

	cfg := testConfig(t.TempDir())
	cfg.IndexEnabled = false
	noIndex := openStore(t, cfg)
	_, err = noIndex.History(ctx, "order:1")
	assert.Equal(t, storeerrors.CodeInvalidConfig, storeerrors.GetCode(err))
}

func TestStore_ConcurrentAppendsGroupCommit(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.BatchWindow = time.Millisecond
	s := openStore(t, cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := s.Append(ctx, created(fmt.Sprintf("w%d:%d", w, i)))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 400, s.State().Len())
	status, err := s.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, status.Valid)
	assert.Equal(t, 400, status.Checked)
}

func TestStore_DedupOrphanIsNotApplied(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig(dir)

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	_, err = s.Append(ctx, created("a:1"), WithEventID("kept"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// A crash after the dedup record was persisted but before the frame.
	f, err := os.OpenFile(filepath.Join(dir, "dedup.log"), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("orphan\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, cfg)
	seen, err := s.HasSeen(ctx, "orphan")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = s.Append(ctx, created("a:2"), WithEventID("orphan"))
	require.NoError(t, err)
	_, ok := s.Get("a:2")
	assert.True(t, ok, "retrying the orphaned id applies it")

	seen, err = s.HasSeen(ctx, "kept")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestStore_Notifications(t *testing.T) {
	n := router.NewNotifier(16)
	s := openStore(t, testConfig(t.TempDir()), WithNotifier(n))
	sub := n.Subscribe("", nil, router.EventsCommitted, router.SnapshotCreated)
	ctx := context.Background()

	_, err := s.Append(ctx, created("x:1"))
	require.NoError(t, err)
	select {
	case notif := <-sub.Ch:
		assert.Equal(t, router.EventsCommitted, notif.Type)
		assert.Equal(t, router.MainRoute, notif.Route)
		assert.Equal(t, 1, notif.Events)
	case <-time.After(time.Second):
		t.Fatal("no commit notification")
	}

	_, err = s.ForceSnapshot(ctx)
	require.NoError(t, err)
	select {
	case notif := <-sub.Ch:
		assert.Equal(t, router.SnapshotCreated, notif.Type)
		assert.NotEmpty(t, notif.SnapshotID)
	case <-time.After(time.Second):
		t.Fatal("no snapshot notification")
	}
}

func TestStore_ClosedRejectsWrites(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Append(context.Background(), created("x:1"))
	assert.ErrorIs(t, err, storeerrors.ErrStoreClosed)
}

func TestStore_ReplicationHooks(t *testing.T) {
	ctx := context.Background()
	leader := openStore(t, testConfig(t.TempDir()))
	follower := openStore(t, testConfig(t.TempDir()))

	var entries []ReplicatedEntry
	prev := leader.RouteHead(router.MainRoute)
	for i := 0; i < 3; i++ {
		env, route, err := leader.PrepareEnvelope(created(fmt.Sprintf("r:%d", i)))
		require.NoError(t, err)
		assert.Equal(t, router.MainRoute, route)
		linkForTest(env, prev)
		prev = env.EventHash
		entries = append(entries, ReplicatedEntry{Index: uint64(i + 2), Term: 1, Envelope: env})
	}
	entries = append([]ReplicatedEntry{{Index: 1, Term: 1}}, entries...)

	require.NoError(t, leader.ApplyReplicated(ctx, entries))
	require.NoError(t, follower.ApplyReplicated(ctx, entries))
	// Redelivery after a retried RPC is deduplicated.
	require.NoError(t, follower.ApplyReplicated(ctx, entries[1:]))

	assert.True(t, leader.State().Equal(follower.State()))
	assert.Equal(t, 3, follower.State().Len())
	idx, term := follower.AppliedIndex()
	assert.Equal(t, uint64(4), idx)
	assert.Equal(t, uint64(1), term)
	assert.Equal(t, leader.RouteHead(router.MainRoute), follower.RouteHead(router.MainRoute))
}

func TestStore_SnapshotTransferAndInstall(t *testing.T) {
	ctx := context.Background()
	leader := openStore(t, testConfig(t.TempDir()))
	for i := 0; i < 5; i++ {
		_, err := leader.Append(ctx, created(fmt.Sprintf("s:%d", i)))
		require.NoError(t, err)
	}

	dir := t.TempDir()
	follower, err := Open(ctx, testConfig(dir))
	require.NoError(t, err)
	_, err = follower.Append(ctx, created("stale:1"))
	require.NoError(t, err)

	data, marker, err := leader.SnapshotForTransfer(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), marker.Events)

	local, err := follower.InstallSnapshot(ctx, data)
	require.NoError(t, err)
	assert.True(t, leader.State().Equal(follower.State()))
	_, ok := follower.Get("stale:1")
	assert.False(t, ok)
	assert.Equal(t, leader.RouteHead(router.MainRoute), local.Route(router.MainRoute).LastHash)

	// New writes continue the leader's chain and survive a restart.
	_, err = follower.Append(ctx, created("after:1"))
	require.NoError(t, err)
	want := follower.State()
	require.NoError(t, follower.Close())

	follower = openStore(t, testConfig(dir))
	assert.True(t, want.Equal(follower.State()))
	status, err := follower.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, status.Valid)

	_, err = follower.InstallSnapshot(ctx, data[:10])
	assert.ErrorIs(t, err, storeerrors.ErrSnapshotCorrupt)
}

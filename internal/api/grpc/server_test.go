package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/replication"
	"github.com/arkilian/memlog/internal/router"
	"github.com/arkilian/memlog/internal/store"
)

// bufnet routes "passthrough:///<name>" targets to in-process listeners.
type bufnet map[string]*bufconn.Listener

func (b bufnet) listen(name string) *bufconn.Listener {
	lis := bufconn.Listen(1 << 20)
	b[name] = lis
	return lis
}

func (b bufnet) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := b[addr]
		if !ok {
			return nil, fmt.Errorf("no listener for %s", addr)
		}
		return lis.DialContext(ctx)
	})
}

func target(name string) string {
	return "passthrough:///" + name
}

func serve(t *testing.T, lis *bufconn.Listener, srv *Server) {
	t.Helper()
	gs := NewGRPCServer(srv)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)
}

func openStore(t *testing.T, dir, nodeID string) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig(dir)
	cfg.NodeID = nodeID
	cfg.SnapshotRetain = 0
	st, err := store.Open(context.Background(), cfg, store.WithNotifier(router.NewNotifier(64)))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func adminClient(t *testing.T, bn bufnet, name string) *AdminClient {
	t.Helper()
	c, err := DialAdmin(target(name), bn.dialer())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func appendReq(t *testing.T, eventType, eventID string, event any) *AppendRequest {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return &AppendRequest{EventType: eventType, EventID: eventID, Event: raw}
}

func TestAdmin_SingleNode(t *testing.T) {
	bn := bufnet{}
	st := openStore(t, t.TempDir(), "solo")
	serve(t, bn.listen("solo"), NewServer(st, nil, nil))
	client := adminClient(t, bn, "solo")
	ctx := context.Background()

	created := map[string]any{"id": "order:1", "fields": map[string]string{"status": "new"}}
	resp, err := client.Append(ctx, appendReq(t, "entity.created", "req-1", created))
	require.NoError(t, err)
	assert.Equal(t, "req-1", resp.EventID)
	assert.NotEmpty(t, resp.RequestID)

	// a retried request is a no-op returning the same id
	resp, err = client.Append(ctx, appendReq(t, "entity.created", "req-1", created))
	require.NoError(t, err)
	assert.Equal(t, "req-1", resp.EventID)

	updated := map[string]any{"id": "order:1", "set": map[string]string{"status": "paid"}}
	_, err = client.Append(ctx, appendReq(t, "entity.updated", "", updated))
	require.NoError(t, err)

	got, err := client.GetEntity(ctx, &GetEntityRequest{ID: "order:1"})
	require.NoError(t, err)
	require.True(t, got.Found)
	assert.Equal(t, "paid", got.Entity.Fields["status"])
	assert.Equal(t, uint64(2), got.Entity.Version)

	missing, err := client.GetEntity(ctx, &GetEntityRequest{ID: "order:404"})
	require.NoError(t, err)
	assert.False(t, missing.Found)

	health, err := client.ClusterHealth(ctx, &HealthRequest{})
	require.NoError(t, err)
	assert.Equal(t, "solo", health.NodeID)
	assert.Equal(t, 1, health.Entities)
	assert.Equal(t, uint64(2), health.Events)
	assert.Nil(t, health.Replication)
	assert.Contains(t, health.Routes, router.MainRoute)

	verify, err := client.VerifyIntegrity(ctx, &VerifyRequest{})
	require.NoError(t, err)
	assert.True(t, verify.Status.Valid)
	assert.Equal(t, 2, verify.Status.Checked)

	snap, err := client.ForceSnapshot(ctx, &ForceSnapshotRequest{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Snapshot.Events)

	_, err = client.ForceCompaction(ctx, &ForceCompactionRequest{})
	require.NoError(t, err)
}

func TestAdmin_Errors(t *testing.T) {
	bn := bufnet{}
	st := openStore(t, t.TempDir(), "solo")
	serve(t, bn.listen("solo"), NewServer(st, nil, nil))
	client := adminClient(t, bn, "solo")
	ctx := context.Background()

	_, err := client.Append(ctx, appendReq(t, "entity.exploded", "", map[string]any{"id": "x:1"}))
	require.Error(t, err)
	assert.Equal(t, storeerrors.ErrCategorySerialization, storeerrors.GetCategory(err))
	assert.Equal(t, storeerrors.CodeUnknownEventType, storeerrors.GetCode(err))

	_, err = client.Append(ctx, appendReq(t, "entity.created", "", map[string]any{"fields": map[string]string{}}))
	require.Error(t, err)
	assert.Equal(t, storeerrors.CodeInvalidEvent, storeerrors.GetCode(err))

	_, err = client.Append(ctx, &AppendRequest{EventType: "entity.created", Event: json.RawMessage(`"nope"`)})
	require.Error(t, err)
	assert.Equal(t, storeerrors.CodeRPCFailed, storeerrors.GetCode(err))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.ForceResync(ctx, &ResyncRequest{Peer: "n2"})
	require.Error(t, err)
	assert.Equal(t, storeerrors.ErrCategoryValidation, storeerrors.GetCategory(err))
	assert.Contains(t, err.Error(), "replication is disabled")
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{storeerrors.QuorumUnavailable("no quorum", "e1"), codes.Unavailable},
		{storeerrors.NotLeader("n2"), codes.Unavailable},
		{storeerrors.NewIntegrityError(storeerrors.CodeChainBroken, "broken"), codes.DataLoss},
		{storeerrors.NewValidationError(storeerrors.CodeInvalidEvent, "bad"), codes.InvalidArgument},
		{storeerrors.ErrUnknownEventType, codes.InvalidArgument},
		{storeerrors.NewIOError(storeerrors.CodeWriteFailed, "disk", nil), codes.Internal},
		{fmt.Errorf("append: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{errors.New("plain"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.err), tt.err.Error())
	}
}

func TestFromStatus_RebuildsStoreError(t *testing.T) {
	src := storeerrors.QuorumUnavailable("commit timed out", "evt-9")
	trailer := metadata.Pairs(
		trailerCategory, string(src.Category),
		trailerCode, src.Code,
		trailerDetailPrefix+"event_id", "evt-9",
	)
	err := fromStatus(status.Error(codes.Unavailable, src.Error()), trailer)

	var se *storeerrors.StoreError
	require.ErrorAs(t, err, &se)
	assert.True(t, errors.Is(err, storeerrors.ErrQuorumUnavailable))
	assert.Equal(t, "commit timed out", se.Message)
	assert.Equal(t, "evt-9", se.Detail("event_id"))
	assert.True(t, storeerrors.IsRetryable(err))
}

type grpcNode struct {
	id     string
	store  *store.Store
	node   *replication.Node
	client *AdminClient
}

func newGRPCCluster(t *testing.T, ids ...string) map[string]*grpcNode {
	t.Helper()
	bn := bufnet{}
	for _, id := range ids {
		bn.listen(id)
	}
	nodes := make(map[string]*grpcNode, len(ids))
	for _, id := range ids {
		dir := t.TempDir()
		st := openStore(t, filepath.Join(dir, "store"), id)

		peers := make(map[string]string)
		var peerIDs []string
		for _, other := range ids {
			if other != id {
				peers[other] = target(other)
				peerIDs = append(peerIDs, other)
			}
		}
		transport := NewTransport(peers, nil, bn.dialer())
		t.Cleanup(func() { transport.Close() })

		cfg := replication.DefaultConfig(id, filepath.Join(dir, "raft"), peerIDs)
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.ElectionTimeout = 150 * time.Millisecond
		cfg.RPCTimeout = 100 * time.Millisecond
		cfg.CommitTimeout = 2 * time.Second
		node, err := replication.NewNode(cfg, st, transport, nil, nil)
		require.NoError(t, err)

		serve(t, bn[id], NewServer(st, node, nil))
		nodes[id] = &grpcNode{id: id, store: st, node: node}
	}
	for _, id := range ids {
		n := nodes[id]
		n.client = adminClient(t, bn, id)
		n.node.Start()
		t.Cleanup(func() { n.node.Stop() })
	}
	return nodes
}

func TestReplication_OverGRPC(t *testing.T) {
	nodes := newGRPCCluster(t, "n1", "n2", "n3")
	ctx := context.Background()

	var leader *grpcNode
	require.Eventually(t, func() bool {
		leader = nil
		for _, n := range nodes {
			if n.node.Role() == replication.Leader {
				leader = n
			}
		}
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond)

	// the leader's gRPC front door commits through the quorum
	require.Eventually(t, func() bool {
		resp, err := leader.client.Append(ctx, appendReq(t, "entity.created", "evt-1",
			map[string]any{"id": "order:1", "fields": map[string]string{"status": "new"}}))
		return err == nil && resp.EventID == "evt-1"
	}, 5*time.Second, 20*time.Millisecond)

	for _, n := range nodes {
		require.Eventually(t, func() bool {
			_, ok := n.store.Get("order:1")
			return ok
		}, 5*time.Second, 10*time.Millisecond, "node %s", n.id)
	}

	// followers answer with the leader's id
	var follower *grpcNode
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}
	var lastErr error
	require.Eventually(t, func() bool {
		_, lastErr = follower.client.Append(ctx, appendReq(t, "entity.created", "",
			map[string]any{"id": "order:2"}))
		return storeerrors.GetCode(lastErr) == storeerrors.CodeNotLeader
	}, 5*time.Second, 20*time.Millisecond)
	var se *storeerrors.StoreError
	require.ErrorAs(t, lastErr, &se)
	assert.Equal(t, follower.node.Leader(), se.Detail("leader_id"))

	health, err := leader.client.ClusterHealth(ctx, &HealthRequest{})
	require.NoError(t, err)
	require.NotNil(t, health.Replication)
	if health.Replication.Role == "leader" {
		assert.Len(t, health.Replication.Peers, 2)
	}
}

package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/replication"
)

// invoke performs one unary call with the JSON codec, tagging it with a
// request id and rebuilding any StoreError from the trailer.
func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any) (*Resp, error) {
	if md, ok := metadata.FromOutgoingContext(ctx); !ok || len(md.Get(requestIDKey)) == 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, requestIDKey, uuid.New().String())
	}
	out := new(Resp)
	var trailer metadata.MD
	err := cc.Invoke(ctx, method, req, out, grpc.CallContentSubtype(codecName), grpc.Trailer(&trailer))
	if err != nil {
		return nil, fromStatus(err, trailer)
	}
	return out, nil
}

func defaultDialOptions(opts []grpc.DialOption) []grpc.DialOption {
	return append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageBytes),
			grpc.MaxCallSendMsgSize(maxMessageBytes),
		),
	}, opts...)
}

// Transport sends replication RPCs to peers over gRPC. Connections are
// created on first use and kept until Close.
type Transport struct {
	addrs  map[string]string
	opts   []grpc.DialOption
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

var _ replication.Transport = (*Transport)(nil)

// NewTransport creates a transport for peers, a map of node id to gRPC
// target.
func NewTransport(peers map[string]string, logger *slog.Logger, opts ...grpc.DialOption) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	addrs := make(map[string]string, len(peers))
	for id, addr := range peers {
		addrs[id] = addr
	}
	return &Transport{
		addrs:  addrs,
		opts:   defaultDialOptions(opts),
		logger: logger.With("component", "grpc-transport"),
		conns:  make(map[string]*grpc.ClientConn),
	}
}

func (t *Transport) conn(peer string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, storeerrors.NewReplicationError(storeerrors.CodeRPCFailed, "transport closed", nil)
	}
	if cc, ok := t.conns[peer]; ok {
		return cc, nil
	}
	addr, ok := t.addrs[peer]
	if !ok {
		return nil, storeerrors.NewReplicationError(storeerrors.CodeRPCFailed,
			fmt.Sprintf("no address for peer %q", peer), nil)
	}
	cc, err := grpc.NewClient(addr, t.opts...)
	if err != nil {
		return nil, storeerrors.NewReplicationError(storeerrors.CodeRPCFailed,
			fmt.Sprintf("failed to create client for %s", addr), err)
	}
	t.conns[peer] = cc
	t.logger.Debug("peer connection created", "peer", peer, "addr", addr)
	return cc, nil
}

func (t *Transport) RequestVote(ctx context.Context, peer string, req *replication.VoteRequest) (*replication.VoteResponse, error) {
	cc, err := t.conn(peer)
	if err != nil {
		return nil, err
	}
	return invoke[replication.VoteResponse](ctx, cc, "/"+replicationServiceName+"/RequestVote", req)
}

func (t *Transport) AppendEntries(ctx context.Context, peer string, req *replication.AppendRequest) (*replication.AppendResponse, error) {
	cc, err := t.conn(peer)
	if err != nil {
		return nil, err
	}
	return invoke[replication.AppendResponse](ctx, cc, "/"+replicationServiceName+"/AppendEntries", req)
}

func (t *Transport) InstallSnapshot(ctx context.Context, peer string, req *replication.SnapshotRequest) (*replication.SnapshotResponse, error) {
	cc, err := t.conn(peer)
	if err != nil {
		return nil, err
	}
	return invoke[replication.SnapshotResponse](ctx, cc, "/"+replicationServiceName+"/InstallSnapshot", req)
}

// Close closes every peer connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	var errs []error
	for id, cc := range t.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", id, err))
		}
	}
	t.conns = nil
	return errors.Join(errs...)
}

// AdminClient calls the admin service of one node.
type AdminClient struct {
	cc grpc.ClientConnInterface
	// closer is set when the client owns the connection.
	closer func() error
}

// DialAdmin connects to the node at target.
func DialAdmin(target string, opts ...grpc.DialOption) (*AdminClient, error) {
	cc, err := grpc.NewClient(target, defaultDialOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return &AdminClient{cc: cc, closer: cc.Close}, nil
}

// NewAdminClient uses an existing connection.
func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

// Close closes the connection when the client created it.
func (c *AdminClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *AdminClient) Append(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	return invoke[AppendResponse](ctx, c.cc, "/"+adminServiceName+"/Append", req)
}

func (c *AdminClient) GetEntity(ctx context.Context, req *GetEntityRequest) (*GetEntityResponse, error) {
	return invoke[GetEntityResponse](ctx, c.cc, "/"+adminServiceName+"/GetEntity", req)
}

func (c *AdminClient) ClusterHealth(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	return invoke[HealthResponse](ctx, c.cc, "/"+adminServiceName+"/ClusterHealth", req)
}

func (c *AdminClient) ForceResync(ctx context.Context, req *ResyncRequest) (*ResyncResponse, error) {
	return invoke[ResyncResponse](ctx, c.cc, "/"+adminServiceName+"/ForceResync", req)
}

func (c *AdminClient) VerifyIntegrity(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	return invoke[VerifyResponse](ctx, c.cc, "/"+adminServiceName+"/VerifyIntegrity", req)
}

func (c *AdminClient) ForceSnapshot(ctx context.Context, req *ForceSnapshotRequest) (*ForceSnapshotResponse, error) {
	return invoke[ForceSnapshotResponse](ctx, c.cc, "/"+adminServiceName+"/ForceSnapshot", req)
}

func (c *AdminClient) ForceCompaction(ctx context.Context, req *ForceCompactionRequest) (*ForceCompactionResponse, error) {
	return invoke[ForceCompactionResponse](ctx, c.cc, "/"+adminServiceName+"/ForceCompaction", req)
}

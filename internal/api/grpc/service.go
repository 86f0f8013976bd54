package grpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/arkilian/memlog/internal/replication"
	"github.com/arkilian/memlog/internal/snapshot"
	"github.com/arkilian/memlog/pkg/types"
)

const (
	replicationServiceName = "memlog.v1.Replication"
	adminServiceName       = "memlog.v1.Admin"
)

// ReplicationServer is the peer-to-peer service of a cluster.
type ReplicationServer interface {
	RequestVote(context.Context, *replication.VoteRequest) (*replication.VoteResponse, error)
	AppendEntries(context.Context, *replication.AppendRequest) (*replication.AppendResponse, error)
	InstallSnapshot(context.Context, *replication.SnapshotRequest) (*replication.SnapshotResponse, error)
}

// AdminServer is the operator and client service of one node.
type AdminServer interface {
	Append(context.Context, *AppendRequest) (*AppendResponse, error)
	GetEntity(context.Context, *GetEntityRequest) (*GetEntityResponse, error)
	ClusterHealth(context.Context, *HealthRequest) (*HealthResponse, error)
	ForceResync(context.Context, *ResyncRequest) (*ResyncResponse, error)
	VerifyIntegrity(context.Context, *VerifyRequest) (*VerifyResponse, error)
	ForceSnapshot(context.Context, *ForceSnapshotRequest) (*ForceSnapshotResponse, error)
	ForceCompaction(context.Context, *ForceCompactionRequest) (*ForceCompactionResponse, error)
}

// AppendRequest carries one domain event. Event is the JSON form of the
// variant registered under EventType.
type AppendRequest struct {
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id,omitempty"`
	Event     json.RawMessage `json:"event"`
}

type AppendResponse struct {
	EventID   string `json:"event_id"`
	RequestID string `json:"request_id"`
}

type GetEntityRequest struct {
	ID string `json:"id"`
}

type GetEntityResponse struct {
	Found  bool          `json:"found"`
	Entity *types.Entity `json:"entity,omitempty"`
}

type HealthRequest struct{}

// HealthResponse describes the store of the answering node and, with
// replication, its view of the cluster.
type HealthResponse struct {
	NodeID              string                       `json:"node_id"`
	Entities            int                          `json:"entities"`
	Events              uint64                       `json:"events"`
	EventsSinceSnapshot uint64                       `json:"events_since_snapshot"`
	Routes              map[string]types.RouteMarker `json:"routes"`
	Quarantined         int                          `json:"quarantined"`
	Failure             string                       `json:"failure,omitempty"`
	Replication         *replication.Health          `json:"replication,omitempty"`
}

type ResyncRequest struct {
	Peer string `json:"peer"`
}

type ResyncResponse struct{}

type VerifyRequest struct{}

type VerifyResponse struct {
	Status types.ChainStatus `json:"status"`
}

type ForceSnapshotRequest struct{}

type ForceSnapshotResponse struct {
	Snapshot snapshot.Info `json:"snapshot"`
}

type ForceCompactionRequest struct{}

type ForceCompactionResponse struct {
	Result snapshot.CompactionResult `json:"result"`
}

// unary builds the method descriptor of one unary RPC, decoding into Req
// and running interceptors the way generated handlers do.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ReplicationServiceDesc describes memlog.v1.Replication.
var ReplicationServiceDesc = grpc.ServiceDesc{
	ServiceName: replicationServiceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(replicationServiceName, "RequestVote", ReplicationServer.RequestVote),
		unary(replicationServiceName, "AppendEntries", ReplicationServer.AppendEntries),
		unary(replicationServiceName, "InstallSnapshot", ReplicationServer.InstallSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "memlog/v1/replication",
}

// AdminServiceDesc describes memlog.v1.Admin.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(adminServiceName, "Append", AdminServer.Append),
		unary(adminServiceName, "GetEntity", AdminServer.GetEntity),
		unary(adminServiceName, "ClusterHealth", AdminServer.ClusterHealth),
		unary(adminServiceName, "ForceResync", AdminServer.ForceResync),
		unary(adminServiceName, "VerifyIntegrity", AdminServer.VerifyIntegrity),
		unary(adminServiceName, "ForceSnapshot", AdminServer.ForceSnapshot),
		unary(adminServiceName, "ForceCompaction", AdminServer.ForceCompaction),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "memlog/v1/admin",
}

// RegisterReplicationServer registers srv on s.
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&ReplicationServiceDesc, srv)
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

package grpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/replication"
	"github.com/arkilian/memlog/internal/store"
)

const requestIDKey = "x-request-id"

// maxMessageBytes bounds one message; snapshot transfers are the largest.
const maxMessageBytes = 256 << 20

// Server implements the admin service on top of a store and, when the
// node replicates, routes writes through the replication node.
type Server struct {
	store  *store.Store
	node   *replication.Node
	logger *slog.Logger
}

var _ AdminServer = (*Server)(nil)

// NewServer creates the gRPC server of one node. node is nil when
// replication is disabled.
func NewServer(st *store.Store, node *replication.Node, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  st,
		node:   node,
		logger: logger.With("component", "grpc"),
	}
}

// NewGRPCServer builds a grpc.Server with the request id and error
// interceptor first, followed by extra, and registers s on it.
func NewGRPCServer(s *Server, extra ...grpc.UnaryServerInterceptor) *grpc.Server {
	interceptors := append([]grpc.UnaryServerInterceptor{s.UnaryInterceptor()}, extra...)
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(interceptors...),
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
	)
	s.Register(gs)
	return gs
}

// Register registers the admin service and, with replication, the peer
// service on gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	RegisterAdminServer(gs, s)
	if s.node != nil {
		RegisterReplicationServer(gs, &replicationServer{h: s.node})
	}
}

// UnaryInterceptor tags every call with a request id and converts
// returned store errors to gRPC statuses.
func (s *Server) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := extractRequestID(ctx)
		ctx = metadata.NewIncomingContext(ctx, withRequestID(ctx, requestID))
		start := time.Now()
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		level := slog.LevelWarn
		if strings.HasPrefix(info.FullMethod, "/"+replicationServiceName+"/") {
			level = slog.LevelDebug
		}
		s.logger.Log(ctx, level, "rpc failed", "method", info.FullMethod, "request_id", requestID,
			"duration", time.Since(start), "error", err)
		return nil, toStatus(ctx, err)
	}
}

// Append accepts one event, through the replication node when there is
// one.
func (s *Server) Append(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	requestID := extractRequestID(ctx)

	if req.EventType == "" {
		return nil, status.Error(codes.InvalidArgument, "event_type is required")
	}
	ev, err := s.store.Registry().New(req.EventType)
	if err != nil {
		return nil, err
	}
	if len(req.Event) > 0 {
		if err := json.Unmarshal(req.Event, ev); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid event JSON: %v", err)
		}
	}

	var opts []store.AppendOption
	if req.EventID != "" {
		opts = append(opts, store.WithEventID(req.EventID))
	}
	var id string
	if s.node != nil {
		id, err = s.node.Append(ctx, ev, opts...)
	} else {
		id, err = s.store.Append(ctx, ev, opts...)
	}
	if err != nil {
		return nil, err
	}
	return &AppendResponse{EventID: id, RequestID: requestID}, nil
}

// GetEntity reads one entity from this node's state.
func (s *Server) GetEntity(ctx context.Context, req *GetEntityRequest) (*GetEntityResponse, error) {
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	e, ok := s.store.Get(req.ID)
	return &GetEntityResponse{Found: ok, Entity: e}, nil
}

// ClusterHealth reports this node's store and replication state.
func (s *Server) ClusterHealth(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	st := s.store.State()
	resp := &HealthResponse{
		NodeID:              s.store.NodeID(),
		Entities:            st.Len(),
		Events:              st.Events(),
		EventsSinceSnapshot: s.store.EventsSinceSnapshot(),
		Routes:              s.store.Heads(),
		Quarantined:         len(s.store.Quarantined()),
	}
	if err := s.store.Failed(); err != nil {
		resp.Failure = err.Error()
	}
	if s.node != nil {
		h := s.node.Health()
		resp.Replication = &h
	}
	return resp, nil
}

// ForceResync asks the leader to send a follower a full snapshot.
func (s *Server) ForceResync(ctx context.Context, req *ResyncRequest) (*ResyncResponse, error) {
	if s.node == nil {
		return nil, storeerrors.NewValidationError(storeerrors.CodeInvalidConfig, "replication is disabled")
	}
	if err := s.node.ForceResync(ctx, req.Peer); err != nil {
		return nil, err
	}
	return &ResyncResponse{}, nil
}

// VerifyIntegrity walks every route's hash chain.
func (s *Server) VerifyIntegrity(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	st, err := s.store.VerifyIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	return &VerifyResponse{Status: st}, nil
}

// ForceSnapshot writes a snapshot now.
func (s *Server) ForceSnapshot(ctx context.Context, req *ForceSnapshotRequest) (*ForceSnapshotResponse, error) {
	info, err := s.store.ForceSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &ForceSnapshotResponse{Snapshot: info}, nil
}

// ForceCompaction removes segments covered by the newest snapshot.
func (s *Server) ForceCompaction(ctx context.Context, req *ForceCompactionRequest) (*ForceCompactionResponse, error) {
	res, err := s.store.ForceCompaction(ctx)
	if err != nil {
		return nil, err
	}
	return &ForceCompactionResponse{Result: *res}, nil
}

// replicationServer exposes a replication handler as the peer service.
type replicationServer struct {
	h replication.Handler
}

func (r *replicationServer) RequestVote(ctx context.Context, req *replication.VoteRequest) (*replication.VoteResponse, error) {
	return r.h.HandleRequestVote(ctx, req)
}

func (r *replicationServer) AppendEntries(ctx context.Context, req *replication.AppendRequest) (*replication.AppendResponse, error) {
	return r.h.HandleAppendEntries(ctx, req)
}

func (r *replicationServer) InstallSnapshot(ctx context.Context, req *replication.SnapshotRequest) (*replication.SnapshotResponse, error) {
	return r.h.HandleInstallSnapshot(ctx, req)
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(requestIDKey); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}

func withRequestID(ctx context.Context, id string) metadata.MD {
	md, _ := metadata.FromIncomingContext(ctx)
	md = md.Copy()
	md.Set(requestIDKey, id)
	return md
}

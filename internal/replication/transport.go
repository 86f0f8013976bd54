package replication

import "context"

// Transport carries RPCs to peers addressed by node id.
type Transport interface {
	RequestVote(ctx context.Context, peer string, req *VoteRequest) (*VoteResponse, error)
	AppendEntries(ctx context.Context, peer string, req *AppendRequest) (*AppendResponse, error)
	InstallSnapshot(ctx context.Context, peer string, req *SnapshotRequest) (*SnapshotResponse, error)
}

// Handler serves the RPCs addressed to one node. Node implements it.
type Handler interface {
	HandleRequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	HandleAppendEntries(ctx context.Context, req *AppendRequest) (*AppendResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error)
}

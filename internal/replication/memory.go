package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnreachable is returned by the in-memory transport when the target
// is down or on the other side of a partition.
var ErrUnreachable = errors.New("peer unreachable")

// MemoryNetwork connects nodes in one process. Nodes can be killed and
// the network partitioned, which makes it the transport for cluster tests
// and single-process demos.
type MemoryNetwork struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	down     map[string]bool
	group    map[string]int
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		handlers: make(map[string]Handler),
		down:     make(map[string]bool),
		group:    make(map[string]int),
	}
}

// Register attaches the handler serving node id.
func (m *MemoryNetwork) Register(id string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[id] = h
}

// Transport returns the transport node from sends with.
func (m *MemoryNetwork) Transport(from string) Transport {
	return &memoryTransport{net: m, from: from}
}

// Partition splits the network: nodes only reach nodes of their own
// group. Nodes not named form one more group.
func (m *MemoryNetwork) Partition(groups ...[]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.group = make(map[string]int)
	for i, g := range groups {
		for _, id := range g {
			m.group[id] = i + 1
		}
	}
}

// Heal removes every partition.
func (m *MemoryNetwork) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.group = make(map[string]int)
}

// Kill makes id unreachable in both directions.
func (m *MemoryNetwork) Kill(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[id] = true
}

// Revive reconnects a killed node.
func (m *MemoryNetwork) Revive(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.down, id)
}

func (m *MemoryNetwork) route(from, to string) (Handler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down[from] || m.down[to] || m.group[from] != m.group[to] {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrUnreachable)
	}
	h, ok := m.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrUnreachable)
	}
	return h, nil
}

type memoryTransport struct {
	net  *MemoryNetwork
	from string
}

// call delivers one request and drops the response when the link broke
// while the handler ran.
func call[Req, Resp any](ctx context.Context, t *memoryTransport, to string, req Req, fn func(Handler, context.Context, Req) (Resp, error)) (Resp, error) {
	var zero Resp
	h, err := t.net.route(t.from, to)
	if err != nil {
		return zero, err
	}
	resp, err := fn(h, ctx, req)
	if err != nil {
		return zero, err
	}
	if _, err := t.net.route(t.from, to); err != nil {
		return zero, err
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return resp, nil
}

func (t *memoryTransport) RequestVote(ctx context.Context, peer string, req *VoteRequest) (*VoteResponse, error) {
	r := *req
	return call(ctx, t, peer, &r, Handler.HandleRequestVote)
}

func (t *memoryTransport) AppendEntries(ctx context.Context, peer string, req *AppendRequest) (*AppendResponse, error) {
	r := *req
	r.Entries = make([]Entry, len(req.Entries))
	for i, e := range req.Entries {
		r.Entries[i] = e
		r.Entries[i].Envelope = e.Envelope.Clone()
	}
	return call(ctx, t, peer, &r, Handler.HandleAppendEntries)
}

func (t *memoryTransport) InstallSnapshot(ctx context.Context, peer string, req *SnapshotRequest) (*SnapshotResponse, error) {
	r := *req
	r.Data = append([]byte(nil), req.Data...)
	return call(ctx, t, peer, &r, Handler.HandleInstallSnapshot)
}

// Package observability records store and replication counters, both as
// OpenTelemetry instruments and as in-process totals for health reports.
package observability

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/arkilian/memlog"

// RouteStats holds per-route totals.
type RouteStats struct {
	Route      string
	Appended   int64
	Duplicates int64
	Bytes      int64
	LastWrite  time.Time
}

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	appended      metric.Int64Counter
	duplicates    metric.Int64Counter
	bytes         metric.Int64Counter
	fsyncs        metric.Int64Counter
	batchSize     metric.Int64Histogram
	snapshots     metric.Int64Counter
	compacted     metric.Int64Counter
	integrity     metric.Int64Counter
	commits       metric.Int64Counter
	elections     metric.Int64Counter
	resyncs       metric.Int64Counter
	commitLatency metric.Float64Histogram

	mu     sync.RWMutex
	routes map[string]*RouteStats
	totals map[string]int64
}

// NewMetrics creates instruments on the global meter provider, which is
// a no-op unless the process installs one.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		routes: make(map[string]*RouteStats),
		totals: make(map[string]int64),
	}
	var err error
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}

	m.appended = counter("memlog.events.appended", "Envelopes written to the log", "{event}")
	m.duplicates = counter("memlog.events.duplicates", "Appends skipped because the event id was already seen", "{event}")
	m.bytes = counter("memlog.log.bytes", "Frame bytes written", "By")
	m.fsyncs = counter("memlog.log.fsyncs", "fsync calls on segment files", "{call}")
	m.snapshots = counter("memlog.snapshots.created", "Snapshots written", "{snapshot}")
	m.compacted = counter("memlog.segments.compacted", "Segments removed by compaction", "{segment}")
	m.integrity = counter("memlog.integrity.failures", "Envelopes failing hash verification", "{event}")
	m.commits = counter("memlog.replication.commits", "Entries committed by quorum", "{entry}")
	m.elections = counter("memlog.replication.elections", "Elections started", "{election}")
	m.resyncs = counter("memlog.replication.resyncs", "Snapshot transfers to followers", "{transfer}")
	if err != nil {
		return nil, err
	}

	m.batchSize, err = meter.Int64Histogram("memlog.write.batch_size",
		metric.WithDescription("Envelopes per group commit"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	m.commitLatency, err = meter.Float64Histogram("memlog.replication.commit_latency",
		metric.WithDescription("Time from proposal to quorum commit"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) route(name string) *RouteStats {
	rs, ok := m.routes[name]
	if !ok {
		rs = &RouteStats{Route: name}
		m.routes[name] = rs
	}
	return rs
}

// RecordAppend records envelopes written to one route.
func (m *Metrics) RecordAppend(ctx context.Context, route string, events, bytes int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("route", route))
	m.appended.Add(ctx, int64(events), attrs)
	m.bytes.Add(ctx, int64(bytes), attrs)

	m.mu.Lock()
	rs := m.route(route)
	rs.Appended += int64(events)
	rs.Bytes += int64(bytes)
	rs.LastWrite = time.Now()
	m.mu.Unlock()
}

// RecordDuplicate records a skipped duplicate.
func (m *Metrics) RecordDuplicate(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
	m.mu.Lock()
	m.route(route).Duplicates++
	m.mu.Unlock()
}

// RecordBatch records one group commit.
func (m *Metrics) RecordBatch(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.batchSize.Record(ctx, int64(size))
	m.add("batches", 1)
}

// RecordSync records fsync calls.
func (m *Metrics) RecordSync(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.fsyncs.Add(ctx, int64(n))
	m.add("fsyncs", int64(n))
}

// RecordSnapshot records a written snapshot.
func (m *Metrics) RecordSnapshot(ctx context.Context) {
	if m == nil {
		return
	}
	m.snapshots.Add(ctx, 1)
	m.add("snapshots", 1)
}

// RecordCompaction records removed segments.
func (m *Metrics) RecordCompaction(ctx context.Context, segments int) {
	if m == nil {
		return
	}
	m.compacted.Add(ctx, int64(segments))
	m.add("segments_compacted", int64(segments))
}

// RecordIntegrityFailure records an envelope failing verification.
func (m *Metrics) RecordIntegrityFailure(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.integrity.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
	m.add("integrity_failures", 1)
}

// RecordCommit records an entry committed by quorum.
func (m *Metrics) RecordCommit(ctx context.Context, latency time.Duration) {
	if m == nil {
		return
	}
	m.commits.Add(ctx, 1)
	m.commitLatency.Record(ctx, latency.Seconds())
	m.add("commits", 1)
}

// RecordElection records an election started by this node.
func (m *Metrics) RecordElection(ctx context.Context) {
	if m == nil {
		return
	}
	m.elections.Add(ctx, 1)
	m.add("elections", 1)
}

// RecordResync records a snapshot sent to a follower.
func (m *Metrics) RecordResync(ctx context.Context, peer string) {
	if m == nil {
		return
	}
	m.resyncs.Add(ctx, 1, metric.WithAttributes(attribute.String("peer", peer)))
	m.add("resyncs", 1)
}

func (m *Metrics) add(key string, n int64) {
	m.mu.Lock()
	m.totals[key] += n
	m.mu.Unlock()
}

// Total returns one in-process total by name.
func (m *Metrics) Total(key string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totals[key]
}

// Routes returns a copy of per-route totals, busiest first.
func (m *Metrics) Routes() []RouteStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	out := make([]RouteStats, 0, len(m.routes))
	for _, rs := range m.routes {
		out = append(out, *rs)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Appended != out[j].Appended {
			return out[i].Appended > out[j].Appended
		}
		return out[i].Route < out[j].Route
	})
	return out
}

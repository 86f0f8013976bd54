package types

import (
	"maps"
	"sort"
)

// RouteMarker is the position in one route's log up to which a snapshot
// is complete. Offset is the start of the next record to replay.
type RouteMarker struct {
	SegmentID uint64 `json:"segment_id"`
	Offset    int64  `json:"offset"`
	LastHash  string `json:"last_hash,omitempty"`
	Count     uint64 `json:"count"`
}

// Marker is the recovery marker stored with a snapshot. A zero Marker
// means "from genesis".
type Marker struct {
	Routes       map[string]RouteMarker `json:"routes"`
	Events       uint64                 `json:"events"`
	AppliedIndex uint64                 `json:"applied_index,omitempty"`
	AppliedTerm  uint64                 `json:"applied_term,omitempty"`
}

// Route returns the marker of one route, zero when absent.
func (m Marker) Route(name string) RouteMarker {
	if m.Routes == nil {
		return RouteMarker{}
	}
	return m.Routes[name]
}

// RouteNames returns the routes present in the marker in name order.
func (m Marker) RouteNames() []string {
	names := make([]string, 0, len(m.Routes))
	for n := range m.Routes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy.
func (m Marker) Clone() Marker {
	c := m
	c.Routes = maps.Clone(m.Routes)
	if c.Routes == nil {
		c.Routes = map[string]RouteMarker{}
	}
	return c
}

// Position identifies one record in a route's log.
type Position struct {
	Route     string `json:"route"`
	SegmentID uint64 `json:"segment_id"`
	Offset    int64  `json:"offset"`
}

// ChainStatus is the outcome of a hash chain verification.
type ChainStatus struct {
	Valid         bool   `json:"valid"`
	BrokenAtIndex int    `json:"broken_at_index,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	Route         string `json:"route,omitempty"`
	Suspect       int    `json:"suspect,omitempty"` // envelopes after the break, not re-validated
	Checked       int    `json:"checked"`
}

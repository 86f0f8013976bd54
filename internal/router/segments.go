package router

import (
	"fmt"
	"regexp"
	"slices"
	"sort"

	"github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/internal/wal"
	"github.com/arkilian/memlog/pkg/types"
)

// Mode selects how envelopes are spread over segment logs.
type Mode string

const (
	// ModeSingle writes every envelope to one route.
	ModeSingle Mode = "single"
	// ModeMulti gives each configured aggregate type its own route.
	ModeMulti Mode = "multi"
)

const (
	// MainRoute is the only route in single mode.
	MainRoute = "main"
	// DefaultRoute receives aggregate types no route claims in multi mode.
	DefaultRoute = "default"
)

var routeNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// RouteConfig declares one route.
type RouteConfig struct {
	Name           string   `json:"name" yaml:"name"`
	AggregateTypes []string `json:"aggregate_types" yaml:"aggregate_types"`
	EventTypes     []string `json:"event_types,omitempty" yaml:"event_types,omitempty"`
}

// SegmentRouter resolves the route of an envelope from a table fixed at
// construction time.
type SegmentRouter struct {
	mode   Mode
	table  map[string]string // aggregate type -> route
	routes map[string]RouteConfig
}

// NewSegmentRouter validates routes and builds the routing table. An
// aggregate type may belong to at most one route.
func NewSegmentRouter(mode Mode, routes []RouteConfig) (*SegmentRouter, error) {
	r := &SegmentRouter{
		mode:   mode,
		table:  make(map[string]string),
		routes: make(map[string]RouteConfig),
	}

	switch mode {
	case ModeSingle, "":
		r.mode = ModeSingle
		main := RouteConfig{Name: MainRoute}
		for _, rc := range routes {
			if rc.Name == MainRoute {
				main.EventTypes = rc.EventTypes
			}
		}
		r.routes[MainRoute] = main
		return r, nil
	case ModeMulti:
	default:
		return nil, errors.NewValidationError(errors.CodeInvalidConfig, fmt.Sprintf("unknown routing mode %q", mode))
	}

	for _, rc := range routes {
		if !routeNamePattern.MatchString(rc.Name) {
			return nil, errors.NewValidationError(errors.CodeInvalidConfig, fmt.Sprintf("invalid route name %q", rc.Name))
		}
		if _, dup := r.routes[rc.Name]; dup {
			return nil, errors.NewValidationError(errors.CodeInvalidConfig, fmt.Sprintf("duplicate route %q", rc.Name))
		}
		for _, at := range rc.AggregateTypes {
			if owner, taken := r.table[at]; taken {
				return nil, errors.NewValidationError(errors.CodeInvalidConfig,
					fmt.Sprintf("aggregate type %q assigned to routes %q and %q", at, owner, rc.Name))
			}
			r.table[at] = rc.Name
		}
		r.routes[rc.Name] = rc
	}
	if _, ok := r.routes[DefaultRoute]; !ok {
		r.routes[DefaultRoute] = RouteConfig{Name: DefaultRoute}
	}
	return r, nil
}

// Mode returns the routing mode.
func (r *SegmentRouter) Mode() Mode {
	return r.mode
}

// Route returns the route of env, rejecting event types the route is not
// authorized to hold.
func (r *SegmentRouter) Route(env *types.Envelope) (string, error) {
	return r.RouteFor(env.AggregateID, env.EventType)
}

// RouteFor resolves the route for an aggregate id and event type.
func (r *SegmentRouter) RouteFor(aggregateID, eventType string) (string, error) {
	name := r.RouteOf(aggregateID)
	rc := r.routes[name]
	if len(rc.EventTypes) > 0 && !slices.Contains(rc.EventTypes, eventType) {
		return "", errors.NewValidationError(errors.CodeUnauthorizedEventType,
			fmt.Sprintf("event type %q is not authorized on route %q", eventType, name))
	}
	return name, nil
}

// RouteOf maps an aggregate id to its route without authorization checks.
func (r *SegmentRouter) RouteOf(aggregateID string) string {
	if r.mode == ModeSingle {
		return MainRoute
	}
	if name, ok := r.table[types.AggregateType(aggregateID)]; ok {
		return name
	}
	return DefaultRoute
}

// Names returns the route names in order.
func (r *SegmentRouter) Names() []string {
	names := make([]string, 0, len(r.routes))
	for n := range r.routes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Metas returns the segment log descriptors of every route.
func (r *SegmentRouter) Metas() []wal.RouteMeta {
	out := make([]wal.RouteMeta, 0, len(r.routes))
	for _, name := range r.Names() {
		rc := r.routes[name]
		out = append(out, wal.RouteMeta{
			Name:           rc.Name,
			AggregateTypes: rc.AggregateTypes,
			EventTypes:     rc.EventTypes,
		})
	}
	return out
}

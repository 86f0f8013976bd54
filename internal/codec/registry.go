package codec

import (
	"sort"
	"sync"

	"github.com/arkilian/memlog/internal/errors"
)

// Factory returns a zero value of one event variant.
type Factory func() Event

// Registry maps event tags to variant factories. Decoding an envelope
// resolves its event_type here; unknown tags are a serialization error.
type Registry struct {
	mu       sync.RWMutex
	variants map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{variants: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the entity event variants.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeEntityCreated, func() Event { return &EntityCreated{} })
	r.Register(TypeEntityUpdated, func() Event { return &EntityUpdated{} })
	r.Register(TypeEntityDeleted, func() Event { return &EntityDeleted{} })
	return r
}

// Register binds a tag to a factory, replacing any previous binding.
func (r *Registry) Register(eventType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[eventType] = f
}

// New returns an empty event of the given tag.
func (r *Registry) New(eventType string) (Event, error) {
	r.mu.RLock()
	f, ok := r.variants[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.ErrCategorySerialization, errors.CodeUnknownEventType,
			"unknown event type "+eventType)
	}
	return f(), nil
}

// Known reports whether the tag is registered.
func (r *Registry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.variants[eventType]
	return ok
}

// Types lists registered tags in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.variants))
	for t := range r.variants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

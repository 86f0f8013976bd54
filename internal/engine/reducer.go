package engine

import (
	"fmt"
	"maps"

	"github.com/arkilian/memlog/internal/codec"
	"github.com/arkilian/memlog/pkg/types"
)

// Applied pairs a decoded event with the envelope that carried it.
type Applied struct {
	Envelope *types.Envelope
	Event    codec.Event
}

// Apply is the reducer: it returns the state after ev without modifying
// s. The envelope supplies the timestamp, so the result depends only on
// its inputs.
func Apply(s *State, env *types.Envelope, ev codec.Event) (*State, error) {
	b := newBuilder(s)
	if err := reduce(b, env, ev); err != nil {
		return s, err
	}
	b.next.events++
	return b.state(), nil
}

// ApplyAll folds a batch into one new state.
func ApplyAll(s *State, batch []Applied) (*State, error) {
	b := newBuilder(s)
	for _, a := range batch {
		if err := reduce(b, a.Envelope, a.Event); err != nil {
			return s, fmt.Errorf("event %s: %w", a.Envelope.EventID, err)
		}
		b.next.events++
	}
	return b.state(), nil
}

func reduce(b *builder, env *types.Envelope, ev codec.Event) error {
	ts := env.Timestamp
	switch e := ev.(type) {
	case *codec.EntityCreated:
		version := uint64(1)
		if prev, ok := b.get(e.ID); ok {
			version = prev.Version + 1
		}
		fields := maps.Clone(e.Fields)
		if fields == nil {
			fields = map[string]string{}
		}
		b.put(&types.Entity{
			ID:        e.ID,
			Type:      types.AggregateType(e.ID),
			Version:   version,
			Fields:    fields,
			CreatedAt: ts,
			UpdatedAt: ts,
		})

	case *codec.EntityUpdated:
		prev, ok := b.get(e.ID)
		if !ok {
			// Updates to unknown entities are ignored so replay never fails
			// on an event the writer accepted.
			return nil
		}
		next := prev.Clone()
		for k, v := range e.Set {
			next.Fields[k] = v
		}
		for _, k := range e.Unset {
			delete(next.Fields, k)
		}
		next.Version++
		next.UpdatedAt = ts
		b.put(next)

	case *codec.EntityDeleted:
		b.remove(e.ID)

	default:
		return fmt.Errorf("no reducer for event type %s", ev.EventType())
	}
	return nil
}

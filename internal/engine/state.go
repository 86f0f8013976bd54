// Package engine materializes entities from domain events. State values
// are immutable: applying an event returns a new State that shares every
// untouched shard with its parent, and the Engine publishes the current
// State through an atomic pointer so readers never take a lock.
package engine

import (
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/arkilian/memlog/pkg/types"
)

const shardCount = 64

type shard map[string]*types.Entity

// State is an immutable view of every entity.
type State struct {
	shards [shardCount]shard
	count  int
	events uint64
}

// Empty returns the state before any event.
func Empty() *State {
	return &State{}
}

func shardOf(id string) int {
	return int(murmur3.Sum32([]byte(id)) % shardCount)
}

// Get returns the entity with id.
func (s *State) Get(id string) (*types.Entity, bool) {
	sh := s.shards[shardOf(id)]
	if sh == nil {
		return nil, false
	}
	e, ok := sh[id]
	return e, ok
}

// Len returns the number of live entities.
func (s *State) Len() int {
	return s.count
}

// Events returns how many events were applied to reach this state.
func (s *State) Events() uint64 {
	return s.events
}

// Entities returns every entity ordered by id.
func (s *State) Entities() []*types.Entity {
	out := make([]*types.Entity, 0, s.count)
	for _, sh := range s.shards {
		for _, e := range sh {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Equal compares two states entity by entity.
func (s *State) Equal(o *State) bool {
	if s.count != o.count {
		return false
	}
	for i := range s.shards {
		for id, e := range s.shards[i] {
			oe, ok := o.Get(id)
			if !ok || !e.Equal(oe) {
				return false
			}
		}
	}
	return true
}

// FromEntities builds a state from a snapshot.
func FromEntities(entities []*types.Entity, events uint64) *State {
	s := &State{events: events}
	for _, e := range entities {
		i := shardOf(e.ID)
		if s.shards[i] == nil {
			s.shards[i] = make(shard)
		}
		if _, exists := s.shards[i][e.ID]; !exists {
			s.count++
		}
		s.shards[i][e.ID] = e.Clone()
	}
	return s
}

// builder accumulates changes to a parent state, copying each shard at
// most once.
type builder struct {
	parent *State
	next   *State
	copied [shardCount]bool
}

func newBuilder(parent *State) *builder {
	next := *parent
	return &builder{parent: parent, next: &next}
}

func (b *builder) get(id string) (*types.Entity, bool) {
	return b.next.Get(id)
}

func (b *builder) writable(id string) shard {
	i := shardOf(id)
	if !b.copied[i] {
		sh := make(shard, len(b.parent.shards[i])+1)
		for k, v := range b.parent.shards[i] {
			sh[k] = v
		}
		b.next.shards[i] = sh
		b.copied[i] = true
	}
	return b.next.shards[i]
}

func (b *builder) put(e *types.Entity) {
	sh := b.writable(e.ID)
	if _, exists := sh[e.ID]; !exists {
		b.next.count++
	}
	sh[e.ID] = e
}

func (b *builder) remove(id string) {
	if _, ok := b.get(id); !ok {
		return
	}
	delete(b.writable(id), id)
	b.next.count--
}

func (b *builder) state() *State {
	return b.next
}

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/arkilian/memlog/pkg/types"
)

// Engine owns the current state. Writes are serialized by the caller's
// single writer path; reads load the published pointer.
type Engine struct {
	current atomic.Pointer[State]
	mu      sync.Mutex
}

// New creates an engine starting from st (Empty when nil).
func New(st *State) *Engine {
	if st == nil {
		st = Empty()
	}
	e := &Engine{}
	e.current.Store(st)
	return e
}

// Current returns the published state.
func (e *Engine) Current() *State {
	return e.current.Load()
}

// Get reads one entity from the published state.
func (e *Engine) Get(id string) (*types.Entity, bool) {
	return e.Current().Get(id)
}

// Apply folds a batch and publishes the result in one swap, so readers
// see the state before or after the whole batch.
func (e *Engine) Apply(batch []Applied) error {
	if len(batch) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := ApplyAll(e.current.Load(), batch)
	if err != nil {
		return err
	}
	e.current.Store(next)
	return nil
}

// Reset publishes st, replacing the current state.
func (e *Engine) Reset(st *State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current.Store(st)
}

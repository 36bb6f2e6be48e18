package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry loads, initializes and saves per-browser state, and hands out
// the single-flight lock that keeps one turn per session in progress.
type Registry struct {
	store    Store
	defaults Defaults

	mu     sync.Mutex
	active map[string]struct{}
}

// NewRegistry wraps store; every loaded state is initialized with defaults
func NewRegistry(store Store, defaults Defaults) *Registry {
	return &Registry{
		store:    store,
		defaults: defaults,
		active:   make(map[string]struct{}),
	}
}

// NewID returns a fresh session identifier
func NewID() string {
	return uuid.NewString()
}

// Load returns the state for id, creating and persisting a fresh one when
// none exists. Init runs on every load so partially populated state picks
// up defaults.
func (r *Registry) Load(ctx context.Context, id string) (*State, error) {
	st, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if st != nil {
		st.Init(r.defaults)
		return st, nil
	}

	st = NewState(id)
	st.Init(r.defaults)
	if err := r.store.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return st, nil
}

// Save persists st
func (r *Registry) Save(ctx context.Context, st *State) error {
	if err := r.store.Save(ctx, st); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// TryAcquire claims id for one state-changing operation. ok is false when
// another one is already running; otherwise release must be called once
// the operation finishes.
func (r *Registry) TryAcquire(id string) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[id]; busy {
		return nil, false
	}
	r.active[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.active, id)
			r.mu.Unlock()
		})
	}, true
}

// Package inmem provides an in-memory checkpoint store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"sync"

	"github.com/maverde73/cortex-flow-sub000/checkpoint"
	"github.com/maverde73/cortex-flow-sub000/workflow/state"
)

// Store keeps checkpoints in a map. Safe for concurrent use. States are
// deep-cloned on both save and load so callers never share mutable state
// with the store.
type Store struct {
	mu     sync.RWMutex
	states map[string]*state.State
}

var _ checkpoint.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{states: make(map[string]*state.State)}
}

// Save implements checkpoint.Store.
func (s *Store) Save(_ context.Context, st *state.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.SessionID] = st.Clone()
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(_ context.Context, sessionID string) (*state.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[sessionID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return st.Clone(), nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, sessionID)
	return nil
}

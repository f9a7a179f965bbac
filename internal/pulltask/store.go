package pulltask

import (
	"context"
	"sync"
	"time"
)

// StateStore persists task states
type StateStore interface {
	Save(ctx context.Context, state State) error
	// Load returns ErrStateNotFound when no state exists for taskID
	Load(ctx context.Context, taskID string) (State, error)
	Delete(ctx context.Context, taskID string) error
	// ListByPhase returns the states in phase last updated before cutoff
	ListByPhase(ctx context.Context, phase Phase, cutoff time.Time) ([]State, error)
}

// MemoryStateStore keeps states in process memory
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStateStore creates an empty store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

func (s *MemoryStateStore) Save(_ context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.TaskID] = state.Clone()
	return nil
}

func (s *MemoryStateStore) Load(_ context.Context, taskID string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[taskID]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state.Clone(), nil
}

func (s *MemoryStateStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, taskID)
	return nil
}

func (s *MemoryStateStore) ListByPhase(_ context.Context, phase Phase, cutoff time.Time) ([]State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []State
	for _, state := range s.states {
		if state.Phase == phase && state.UpdatedAt.Before(cutoff) {
			out = append(out, state.Clone())
		}
	}
	return out, nil
}

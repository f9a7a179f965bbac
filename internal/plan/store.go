// Package plan resolves the execution plans and actions pull jobs point at.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a plan or action does not exist
var ErrNotFound = errors.New("not found")

// Plan is an execution plan
type Plan struct {
	ID        string
	Label     string
	CreatedAt time.Time
}

// Action is one action of a plan and the payload an agent receives for it
type Action struct {
	ExecutionPlanID string
	ActionID        int
	RunStepID       string
	Payload         json.RawMessage
}

// Store loads plans and actions
type Store interface {
	LoadPlan(ctx context.Context, id string) (*Plan, error)
	LoadAction(ctx context.Context, plan *Plan, actionID int) (*Action, error)
	// SaveAction records action, creating its plan when needed. Saving an existing action replaces it.
	SaveAction(ctx context.Context, action Action) error
}

type actionKey struct {
	planID   string
	actionID int
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	plans   map[string]*Plan
	actions map[actionKey]*Action
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:   make(map[string]*Plan),
		actions: make(map[actionKey]*Action),
	}
}

// LoadPlan returns the plan with id
func (s *MemoryStore) LoadPlan(_ context.Context, id string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// LoadAction returns an action of plan
func (s *MemoryStore) LoadAction(_ context.Context, plan *Plan, actionID int) (*Action, error) {
	if plan == nil {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[actionKey{plan.ID, actionID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	cp.Payload = append(json.RawMessage(nil), a.Payload...)
	return &cp, nil
}

// SaveAction stores action and its plan
func (s *MemoryStore) SaveAction(_ context.Context, action Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[action.ExecutionPlanID]; !ok {
		s.plans[action.ExecutionPlanID] = &Plan{ID: action.ExecutionPlanID, CreatedAt: time.Now().UTC()}
	}
	cp := action
	cp.Payload = append(json.RawMessage(nil), action.Payload...)
	s.actions[actionKey{action.ExecutionPlanID, action.ActionID}] = &cp
	return nil
}

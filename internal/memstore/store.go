// Package memstore holds the files staged for a task until the task closes.
package memstore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a staged file does not exist
var ErrNotFound = errors.New("staged file not found")

// Store keeps named contents under a (task, step) key
type Store interface {
	Add(ctx context.Context, taskID, stepID, name, content string) error
	Get(ctx context.Context, taskID, stepID, name string) (string, error)
	// Drop removes every step of the task. Unknown tasks are ignored.
	Drop(ctx context.Context, taskID string) error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]map[string]map[string]string // task -> step -> name -> content
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]map[string]map[string]string)}
}

// Add stores content, overwriting a file with the same name
func (s *MemoryStore) Add(_ context.Context, taskID, stepID, name, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.tasks[taskID]
	if !ok {
		steps = make(map[string]map[string]string)
		s.tasks[taskID] = steps
	}
	files, ok := steps[stepID]
	if !ok {
		files = make(map[string]string)
		steps[stepID] = files
	}
	files[name] = content
	return nil
}

// Get returns a staged file
func (s *MemoryStore) Get(_ context.Context, taskID, stepID, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, ok := s.tasks[taskID][stepID][name]
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}

// Drop removes all files of the task
func (s *MemoryStore) Drop(_ context.Context, taskID string) error {
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()
	return nil
}

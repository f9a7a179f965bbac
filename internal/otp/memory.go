package otp

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	hash      string
	expiresAt time.Time
}

// MemoryManager keeps token hashes in process memory
type MemoryManager struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryManager creates an in-memory token manager
func NewMemoryManager(cfg Config) *MemoryManager {
	return &MemoryManager{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Issue creates a new token for the task
func (m *MemoryManager) Issue(_ context.Context, taskID string) (string, error) {
	if taskID == "" {
		return "", ErrEmptyTaskID
	}

	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	hash, err := hashToken(token, m.cfg.HashCost)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.entries[taskID] = memoryEntry{hash: hash, expiresAt: m.now().Add(m.cfg.TTL)}
	m.mu.Unlock()
	return token, nil
}

// Verify checks token against the live hash of the task
func (m *MemoryManager) Verify(_ context.Context, taskID, token string) (bool, error) {
	if taskID == "" || token == "" {
		return false, nil
	}

	m.mu.Lock()
	entry, ok := m.entries[taskID]
	if ok && !m.now().Before(entry.expiresAt) {
		delete(m.entries, taskID)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	return matches(entry.hash, token), nil
}

// Revoke deletes the token of the task
func (m *MemoryManager) Revoke(_ context.Context, taskID string) error {
	m.mu.Lock()
	delete(m.entries, taskID)
	m.mu.Unlock()
	return nil
}

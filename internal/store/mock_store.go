// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps pending setups in memory so tests run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	pending map[string]*PendingSetup // keyed by "scope\x00agentID"
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		pending: make(map[string]*PendingSetup),
	}
}

func pendingKey(scope, agentID string) string {
	return scope + "\x00" + agentID
}

// SavePendingSetup stores a copy of p.
func (m *MockStore) SavePendingSetup(ctx context.Context, p *PendingSetup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	key := pendingKey(p.Scope, p.AgentID)
	if existing, ok := m.pending[key]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = existing.CreatedAt
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	stored := *p
	stored.Setup = append([]byte(nil), p.Setup...)
	m.pending[key] = &stored
	return nil
}

// GetPendingSetup returns a copy of the stored setup.
func (m *MockStore) GetPendingSetup(ctx context.Context, scope, agentID string) (*PendingSetup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pending[pendingKey(scope, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPendingSetups returns copies of every setup in scope, oldest first.
func (m *MockStore) ListPendingSetups(ctx context.Context, scope string) ([]*PendingSetup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PendingSetup
	for _, p := range m.pending {
		if p.Scope != scope {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

// DeletePendingSetup removes a stored setup.
func (m *MockStore) DeletePendingSetup(ctx context.Context, scope, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pendingKey(scope, agentID)
	if _, ok := m.pending[key]; !ok {
		return ErrNotFound
	}
	delete(m.pending, key)
	return nil
}

// RecordSetupAttempt bumps the attempt counter.
func (m *MockStore) RecordSetupAttempt(ctx context.Context, scope, agentID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[pendingKey(scope, agentID)]
	if !ok {
		return ErrNotFound
	}
	p.Attempts++
	p.LastError = errMsg
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)

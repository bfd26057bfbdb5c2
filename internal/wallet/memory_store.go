package wallet

import (
	"context"
	"sync"
)

// MemoryStore keeps bindings in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]*Binding)}
}

func (m *MemoryStore) Save(_ context.Context, b *Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[b.UserID] = cloneBinding(b)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[userID]
	if !ok {
		return nil, ErrNotConnected
	}
	return cloneBinding(b), nil
}

func (m *MemoryStore) Delete(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bindings[userID]
	delete(m.bindings, userID)
	return ok, nil
}

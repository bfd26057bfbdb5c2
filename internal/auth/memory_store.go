package auth

import (
	"context"
	"sync"
)

// MemoryStore keeps the directory in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*User), byEmail: make(map[string]string)}
}

func (m *MemoryStore) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[normaliseEmail(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(m.byID[id]), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) Upsert(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := normaliseEmail(u.Email)
	if id, ok := m.byEmail[email]; ok && id != u.ID {
		delete(m.byID, id)
	}
	clone := cloneUser(u)
	clone.Email = email
	m.byID[u.ID] = clone
	m.byEmail[email] = u.ID
	return nil
}

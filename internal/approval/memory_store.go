package approval

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps approvals in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	links    map[string]*MagicLink
	tokens   map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		links:    make(map[string]*MagicLink),
		tokens:   make(map[string]string),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.Status == StatusPending {
		for _, other := range m.requests {
			if other.TaskID == req.TaskID && other.Status == StatusPending {
				return ErrPending
			}
		}
	}
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(req), nil
}

func (m *MemoryStore) LatestForTask(_ context.Context, taskID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Request
	for _, req := range m.requests {
		if req.TaskID != taskID {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) ||
			(req.CreatedAt.Equal(latest.CreatedAt) && req.ID > latest.ID) {
			latest = req
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneRequest(latest), nil
}

func (m *MemoryStore) ResolveRequest(_ context.Context, id string, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != StatusPending {
		return ErrNotPending
	}
	req.Status = status
	stamp(status, at, &req.ApprovedAt, &req.DeniedAt)
	return nil
}

func (m *MemoryStore) ResolvePendingForTask(_ context.Context, taskID string, status Status, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, req := range m.requests {
		if req.TaskID == taskID && req.Status == StatusPending {
			req.Status = status
			stamp(status, at, &req.ApprovedAt, &req.DeniedAt)
			ids = append(ids, req.ID)
		}
	}
	return ids, nil
}

func (m *MemoryStore) ExpireRequests(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.requests {
		if req.expired(now) {
			req.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateLink(_ context.Context, link *MagicLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[link.ID] = cloneLink(link)
	m.tokens[link.Token] = link.ID
	return nil
}

func (m *MemoryStore) GetLink(_ context.Context, id string) (*MagicLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.links[id]
	if !ok {
		return nil, ErrLinkNotFound
	}
	return cloneLink(link), nil
}

func (m *MemoryStore) GetLinkByToken(_ context.Context, token string) (*MagicLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tokens[token]
	if !ok {
		return nil, ErrLinkInvalid
	}
	return cloneLink(m.links[id]), nil
}

func (m *MemoryStore) LatestLinkForTask(_ context.Context, taskID string) (*MagicLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *MagicLink
	for _, link := range m.links {
		if link.TaskID != taskID {
			continue
		}
		if latest == nil || link.CreatedAt.After(latest.CreatedAt) ||
			(link.CreatedAt.Equal(latest.CreatedAt) && link.ID > latest.ID) {
			latest = link
		}
	}
	if latest == nil {
		return nil, ErrLinkNotFound
	}
	return cloneLink(latest), nil
}

func (m *MemoryStore) ResolveLink(_ context.Context, id string, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[id]
	if !ok {
		return ErrLinkNotFound
	}
	if link.Status != StatusPending {
		return ErrNotPending
	}
	link.Status = status
	stamp(status, at, &link.ApprovedAt, &link.DeniedAt)
	return nil
}

func (m *MemoryStore) ExpireLinks(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, link := range m.links {
		if link.Status == StatusPending && now.After(link.ExpiresAt) {
			link.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)

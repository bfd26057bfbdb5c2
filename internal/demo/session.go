package demo

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// session remembers which demo tasks a visitor has paid for.
type session struct {
	mu   sync.Mutex
	paid map[string]bool
}

func (s *session) markPaid(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paid[taskID] = true
}

func (s *session) isPaid(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paid[taskID]
}

type sessions struct {
	cache *expirable.LRU[string, *session]
	mu    sync.Mutex
}

func newSessions(size int, ttl time.Duration) *sessions {
	return &sessions{cache: expirable.NewLRU[string, *session](size, nil, ttl)}
}

// get returns the session for id, creating one (with a new id) when id is
// empty or unknown.
func (s *sessions) get(id string) (string, *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if sess, ok := s.cache.Get(id); ok {
			return id, sess
		}
	}
	id = uuid.NewString()
	sess := &session{paid: make(map[string]bool)}
	s.cache.Add(id, sess)
	return id, sess
}

func (s *sessions) drop(id string) {
	s.cache.Remove(id)
}

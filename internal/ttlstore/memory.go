package ttlstore

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMemorySize bounds the number of entries held by a MemoryStore.
const DefaultMemorySize = 100_000

type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store.  The LRU evicts entries after maxTTL
// at the latest; shorter per-entry deadlines are checked on access.
type MemoryStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, entry]
	now   func() time.Time
}

// NewMemoryStore creates a store holding at most size entries, none of
// which lives longer than maxTTL.
func NewMemoryStore(size int, maxTTL time.Duration) *MemoryStore {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &MemoryStore{
		cache: expirable.NewLRU[string, entry](size, nil, maxTTL),
		now:   time.Now,
	}
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.cache.Add(key, entry{value: value, expiresAt: s.now().Add(ttl)})
	return true, nil
}

func (s *MemoryStore) Take(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	s.cache.Remove(key)
	return e.value, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

// live returns the entry under key if it has not passed its own deadline.
// Callers hold s.mu.
func (s *MemoryStore) live(key string) (entry, bool) {
	e, ok := s.cache.Get(key)
	if !ok {
		return entry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		s.cache.Remove(key)
		return entry{}, false
	}
	return e, true
}

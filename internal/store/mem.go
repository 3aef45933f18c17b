package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value    string
	deadline time.Time // zero = no expiry
}

// MemStore is an in-process Store used by tests and single-node deployments
// that run without Redis. Expired entries are evicted lazily on read.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	ttls    TTLs
	now     func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(ttls TTLs) *MemStore {
	if ttls == nil {
		ttls = DefaultTTLs()
	}
	return &MemStore{
		entries: make(map[string]memEntry),
		ttls:    ttls,
		now:     time.Now,
	}
}

// SetNow replaces the clock. Test hook for expiry behavior.
func (s *MemStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemStore) Get(_ context.Context, ns Namespace, key string) (string, bool, error) {
	k := redisKey(ns, key)

	s.mu.RLock()
	e, ok := s.entries[k]
	now := s.now()
	s.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if !e.deadline.IsZero() && !now.Before(e.deadline) {
		s.mu.Lock()
		delete(s.entries, k)
		s.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemStore) Set(_ context.Context, ns Namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := memEntry{value: value}
	if ttl := s.ttls[ns]; ttl > 0 {
		e.deadline = s.now().Add(ttl)
	}
	s.entries[redisKey(ns, key)] = e
	return nil
}

func (s *MemStore) Delete(_ context.Context, ns Namespace, key string) error {
	s.mu.Lock()
	delete(s.entries, redisKey(ns, key))
	s.mu.Unlock()
	return nil
}

func (s *MemStore) GetAll(_ context.Context, ns Namespace) (map[string]string, error) {
	prefix := string(ns) + ":"

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[string]string)
	for k, e := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !e.deadline.IsZero() && !now.Before(e.deadline) {
			delete(s.entries, k)
			continue
		}
		out[strings.TrimPrefix(k, prefix)] = e.value
	}
	return out, nil
}

func (s *MemStore) TTL(ns Namespace) time.Duration {
	return s.ttls[ns]
}

func (s *MemStore) Ping(context.Context) error { return nil }

package counter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It carries the same semantics as the
// redis backend but its scope is a single process, so it only bounds local
// admission. Used directly in tests and as the degraded mode behind Fallback.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*memoryKey

	// now is swappable for tests.
	now func() time.Time
}

type memoryKey struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*memoryKey),
		now:  time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// Bump increments key and admits while the result stays within max.
// An over-limit increment is rolled back before returning.
func (s *MemoryStore) Bump(_ context.Context, key string, ttl time.Duration, max int64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k, ok := s.keys[key]
	if !ok || !k.expiresAt.After(now) {
		// First bump in a window (or the previous window lapsed): the TTL is
		// anchored here and not refreshed by later bumps.
		k = &memoryKey{expiresAt: now.Add(ttl)}
		s.keys[key] = k
	}

	k.count++
	if max > 0 && k.count > max {
		k.count--
		return Result{
			OK:         false,
			Pending:    k.count,
			Remaining:  remaining(max, k.count),
			RetryAfter: k.expiresAt.Sub(now),
		}, nil
	}
	return Result{OK: true, Pending: k.count, Remaining: remaining(max, k.count)}, nil
}

// Dec releases one slot. Keys at zero are deleted rather than left to expire.
func (s *MemoryStore) Dec(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[key]
	if !ok {
		return nil
	}
	if k.count > 0 {
		k.count--
	}
	if k.count <= 0 {
		delete(s.keys, key)
	}
	return nil
}

// Get returns the current pending count for key, zero if absent or expired.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[key]
	if !ok || !k.expiresAt.After(s.now()) {
		return 0, nil
	}
	return k.count, nil
}

// Sweep drops expired keys. Called by the retention watchdog.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, k := range s.keys {
		if !k.expiresAt.After(now) {
			delete(s.keys, key)
			removed++
		}
	}
	return removed
}

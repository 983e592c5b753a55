package rate

import (
	"context"
	"sync"
	"time"
)

type counterEntry struct {
	count   int64
	resetAt time.Time
}

// memoryStore holds counters in process. Expired entries linger until
// the next touch or a Sweep pass.
type memoryStore struct {
	mu         sync.Mutex
	counters   map[string]*counterEntry
	violations map[string]*counterEntry
	blocks     map[string]time.Time
	now        func() time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		counters:   make(map[string]*counterEntry),
		violations: make(map[string]*counterEntry),
		blocks:     make(map[string]time.Time),
		now:        time.Now,
	}
}

func (s *memoryStore) incrWindow(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry := s.counters[key]
	if entry == nil || !now.Before(entry.resetAt) {
		entry = &counterEntry{resetAt: now.Add(window)}
		s.counters[key] = entry
	}
	entry.count++

	return entry.count, entry.resetAt, nil
}

func (s *memoryStore) incrViolations(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry := s.violations[key]
	if entry == nil || !now.Before(entry.resetAt) {
		entry = &counterEntry{}
		s.violations[key] = entry
	}
	entry.count++
	entry.resetAt = now.Add(ttl)

	return entry.count, nil
}

func (s *memoryStore) getBlock(_ context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blocks[key], nil
}

func (s *memoryStore) setBlock(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[key] = until
	return nil
}

func (s *memoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.counters {
		if !now.Before(entry.resetAt) {
			delete(s.counters, key)
		}
	}
	for key, entry := range s.violations {
		if !now.Before(entry.resetAt) {
			delete(s.violations, key)
		}
	}
	for key, until := range s.blocks {
		if !now.Before(until) {
			delete(s.blocks, key)
		}
	}
}

package session

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	record    *Record
	expiresAt time.Time
}

// MemoryStore is the in-process Store used by single-node deployments
// and tests. Expired items linger until the next access or a Sweep pass.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memoryItem
	users map[string]map[string]struct{}
	now   func() time.Time
}

// NewMemoryStore creates an empty in-process session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*memoryItem),
		users: make(map[string]map[string]struct{}),
		now:   time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Save(_ context.Context, record *Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneSession(record)
	s.items[record.SessionID] = &memoryItem{
		record:    clone,
		expiresAt: s.now().Add(ttl),
	}
	if s.users[record.UserID] == nil {
		s.users[record.UserID] = make(map[string]struct{})
	}
	s.users[record.UserID][record.SessionID] = struct{}{}

	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.liveItem(sessionID)
	if item == nil {
		return nil, ErrNotFound
	}
	return cloneSession(item.record), nil
}

func (s *MemoryStore) Touch(_ context.Context, sessionID string, at time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.liveItem(sessionID)
	if item == nil {
		return ErrNotFound
	}
	item.record.LastActivityAt = at
	item.expiresAt = s.now().Add(ttl)

	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, sessionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.liveItem(sessionID)
	if item == nil || item.record.RevokedAt != nil {
		return false, nil
	}
	revokedAt := at
	item.record.RevokedAt = &revokedAt

	return true, nil
}

func (s *MemoryStore) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for sessionID := range s.users[userID] {
		item := s.liveItem(sessionID)
		if item == nil || item.record.RevokedAt != nil {
			continue
		}
		revokedAt := at
		item.record.RevokedAt = &revokedAt
		revoked++
	}

	return revoked, nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*Record, 0, len(s.users[userID]))
	for sessionID := range s.users[userID] {
		if item := s.liveItem(sessionID); item != nil {
			records = append(records, cloneSession(item.record))
		}
	}

	return records, nil
}

// Sweep drops expired items and prunes the user index.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for sessionID, item := range s.items {
		if now.Before(item.expiresAt) {
			continue
		}
		delete(s.items, sessionID)
		if set := s.users[item.record.UserID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(s.users, item.record.UserID)
			}
		}
	}
}

// liveItem returns the item unless its TTL lapsed, mimicking the Redis
// store's key expiry.
func (s *MemoryStore) liveItem(sessionID string) *memoryItem {
	item := s.items[sessionID]
	if item == nil {
		return nil
	}
	if !s.now().Before(item.expiresAt) {
		delete(s.items, sessionID)
		if set := s.users[item.record.UserID]; set != nil {
			delete(set, sessionID)
		}
		return nil
	}
	return item
}

func cloneSession(record *Record) *Record {
	clone := *record
	if record.RevokedAt != nil {
		revokedAt := *record.RevokedAt
		clone.RevokedAt = &revokedAt
	}
	return &clone
}

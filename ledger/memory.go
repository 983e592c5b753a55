package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/estatedesk/authcore/internal"
)

// MemoryStore is the in-process Store. A single mutex serializes every
// operation, which keeps rotation linearizable per family for free.
//
// Records do not survive restarts; multi-instance deployments should use
// RedisStore so reuse detection sees rotations from every node.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	families map[string][]string
	sessions map[string][]string
	users    map[string][]string
	now      func() time.Time
}

// NewMemoryStore creates an empty in-process ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		families: make(map[string][]string),
		sessions: make(map[string][]string),
		users:    make(map[string][]string),
		now:      time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Issue(_ context.Context, userID, sessionID, familyID string, ttl time.Duration, clientIP, userAgent string) (string, *Record, error) {
	raw, digest, err := internal.NewRefreshToken()
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.insert(digest, userID, sessionID, familyID, ttl, clientIP, userAgent)
	return raw, cloneRecord(record), nil
}

func (s *MemoryStore) Rotate(_ context.Context, rawToken, clientIP, userAgent string) (string, *Record, error) {
	digest, err := internal.HashRefreshToken(rawToken)
	if err != nil {
		return "", nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	record := s.records[internal.DigestKey(digest)]
	if record == nil {
		return "", nil, ErrNotFound
	}

	if record.RevokedAt != nil {
		if record.rotatedAway() {
			s.revokeFamilyLocked(record.FamilyID, now)
			return "", cloneRecord(record), ErrReuseDetected
		}
		return "", nil, ErrAlreadyRevoked
	}

	if !now.Before(record.ExpiresAt) {
		return "", nil, ErrExpired
	}

	newRaw, newDigest, err := internal.NewRefreshToken()
	if err != nil {
		return "", nil, err
	}

	revokedAt := now
	record.RevokedAt = &revokedAt
	record.ReplacedByHash = internal.DigestKey(newDigest)

	successor := s.insert(newDigest, record.UserID, record.SessionID, record.FamilyID, record.ExpiresAt.Sub(record.CreatedAt), clientIP, userAgent)
	return newRaw, cloneRecord(successor), nil
}

func (s *MemoryStore) Revoke(_ context.Context, rawToken string) (*Record, error) {
	digest, err := internal.HashRefreshToken(rawToken)
	if err != nil {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.records[internal.DigestKey(digest)]
	if record == nil {
		return nil, nil
	}
	if record.RevokedAt == nil {
		revokedAt := s.now()
		record.RevokedAt = &revokedAt
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) RevokeFamily(_ context.Context, familyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeFamilyLocked(familyID, s.now()), nil
}

func (s *MemoryStore) RevokeSession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeKeysLocked(s.sessions[sessionID], s.now()), nil
}

func (s *MemoryStore) RevokeAllForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeKeysLocked(s.users[userID], s.now()), nil
}

func (s *MemoryStore) ListFamily(_ context.Context, familyID string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.families[familyID]
	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		if record := s.records[key]; record != nil {
			records = append(records, cloneRecord(record))
		}
	}
	sortRecordsByCreation(records)
	return records, nil
}

// Sweep drops expired records and prunes the indexes. Revoked records
// are kept until expiry so reuse of a superseded token stays detectable
// for the token's whole nominal lifetime.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, record := range s.records {
		if !now.Before(record.ExpiresAt) {
			delete(s.records, key)
		}
	}
	s.families = rebuildIndex(s.records, func(r *Record) string { return r.FamilyID })
	s.sessions = rebuildIndex(s.records, func(r *Record) string { return r.SessionID })
	s.users = rebuildIndex(s.records, func(r *Record) string { return r.UserID })
}

func (s *MemoryStore) insert(digest [32]byte, userID, sessionID, familyID string, ttl time.Duration, clientIP, userAgent string) *Record {
	if familyID == "" {
		familyID = uuid.NewString()
	}

	now := s.now()
	key := internal.DigestKey(digest)
	record := &Record{
		TokenHash: key,
		UserID:    userID,
		SessionID: sessionID,
		FamilyID:  familyID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		ClientIP:  clientIP,
		UserAgent: userAgent,
	}

	s.records[key] = record
	s.families[familyID] = append(s.families[familyID], key)
	s.sessions[sessionID] = append(s.sessions[sessionID], key)
	s.users[userID] = append(s.users[userID], key)

	return record
}

func (s *MemoryStore) revokeFamilyLocked(familyID string, now time.Time) int {
	return s.revokeKeysLocked(s.families[familyID], now)
}

func (s *MemoryStore) revokeKeysLocked(keys []string, now time.Time) int {
	revoked := 0
	for _, key := range keys {
		record := s.records[key]
		if record == nil || record.RevokedAt != nil {
			continue
		}
		revokedAt := now
		record.RevokedAt = &revokedAt
		revoked++
	}
	return revoked
}

func rebuildIndex(records map[string]*Record, by func(*Record) string) map[string][]string {
	index := make(map[string][]string)
	for key, record := range records {
		id := by(record)
		index[id] = append(index[id], key)
	}
	return index
}

func cloneRecord(record *Record) *Record {
	if record == nil {
		return nil
	}
	clone := *record
	if record.RevokedAt != nil {
		revokedAt := *record.RevokedAt
		clone.RevokedAt = &revokedAt
	}
	return &clone
}

package lockout

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	failures      int
	windowStart   time.Time
	lockedUntil   time.Time
	lockouts      int
	historyExpiry time.Time
}

// MemoryTracker is the in-process Tracker used by single-node
// deployments and tests.
type MemoryTracker struct {
	mu      sync.Mutex
	config  Config
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryTracker creates an in-process tracker.
func NewMemoryTracker(cfg Config) *MemoryTracker {
	return &MemoryTracker{
		config:  cfg,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the tracker's clock. Test hook.
func (t *MemoryTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

func (t *MemoryTracker) RecordFailure(_ context.Context, key string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry := t.entries[key]
	if entry == nil {
		entry = &memoryEntry{}
		t.entries[key] = entry
	}
	t.expire(entry, now)

	if now.Before(entry.lockedUntil) {
		return t.statusLocked(entry), nil
	}

	if entry.failures == 0 {
		entry.windowStart = now
	}
	entry.failures++

	if entry.failures >= t.config.Threshold {
		entry.lockedUntil = now.Add(t.config.lockDuration(entry.lockouts))
		entry.lockouts++
		entry.historyExpiry = now.Add(lockoutHistoryTTL)
		entry.failures = 0
		return t.statusLocked(entry), nil
	}

	return Status{Failures: entry.failures, Lockouts: entry.lockouts}, nil
}

func (t *MemoryTracker) RecordSuccess(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry := t.entries[key]; entry != nil {
		entry.failures = 0
		if entry.lockouts == 0 && t.now().After(entry.lockedUntil) {
			delete(t.entries, key)
		}
	}
	return nil
}

func (t *MemoryTracker) Status(_ context.Context, key string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entries[key]
	if entry == nil {
		return Status{}, nil
	}

	now := t.now()
	t.expire(entry, now)

	if now.Before(entry.lockedUntil) {
		return t.statusLocked(entry), nil
	}
	return Status{Failures: entry.failures, Lockouts: entry.lockouts}, nil
}

// expire applies window and history TTLs the way the Redis backend's key
// expiries do.
func (t *MemoryTracker) expire(entry *memoryEntry, now time.Time) {
	if entry.failures > 0 && t.config.Window > 0 && now.Sub(entry.windowStart) >= t.config.Window {
		entry.failures = 0
	}
	if entry.lockouts > 0 && now.After(entry.historyExpiry) {
		entry.lockouts = 0
	}
}

func (t *MemoryTracker) statusLocked(entry *memoryEntry) Status {
	return Status{
		Locked:      true,
		LockedUntil: entry.lockedUntil,
		Lockouts:    entry.lockouts,
	}
}

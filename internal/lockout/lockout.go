package lockout

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the lockout backend is unreachable. Callers
// treat this as fail-closed for authentication paths.
var ErrUnavailable = errors.New("lockout backend unavailable")

// lockoutHistoryTTL bounds how long prior lockouts keep escalating new
// ones.
const lockoutHistoryTTL = 24 * time.Hour

// Config tunes failure counting and lock escalation.
type Config struct {
	// Threshold is the number of failures inside Window that triggers a
	// lock.
	Threshold int
	// Window is the rolling span over which failures are counted. The
	// counter resets when the window elapses without reaching the
	// threshold.
	Window time.Duration
	// Escalation maps the number of prior lockouts to the next lock
	// duration. Indexing clamps to the last entry.
	Escalation []time.Duration
}

// Status describes an account's standing with the tracker.
type Status struct {
	// Failures is the count inside the current window. Zero while locked.
	Failures int
	// Locked reports whether the account is currently locked.
	Locked bool
	// LockedUntil is when the current lock expires. Zero when unlocked.
	LockedUntil time.Time
	// Lockouts is the number of lockouts in the escalation history.
	Lockouts int
}

// RetryAfter returns the remaining lock duration at the given instant,
// rounded up to a whole second. Zero when unlocked.
func (s Status) RetryAfter(now time.Time) time.Duration {
	if !s.Locked {
		return 0
	}
	remaining := s.LockedUntil.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if truncated := remaining.Truncate(time.Second); truncated != remaining {
		return truncated + time.Second
	}
	return remaining
}

// Tracker records credential failures and reports lock state. A key is
// the account identifier, not the client address.
type Tracker interface {
	// RecordFailure registers one failed attempt and returns the
	// resulting status. Crossing the threshold locks the account as a
	// side effect.
	RecordFailure(ctx context.Context, key string) (Status, error)
	// RecordSuccess clears the failure counter. It does not clear an
	// active lock or the escalation history.
	RecordSuccess(ctx context.Context, key string) error
	// Status reports the current standing without mutating it.
	Status(ctx context.Context, key string) (Status, error)
}

func (c Config) lockDuration(priorLockouts int) time.Duration {
	if len(c.Escalation) == 0 {
		return 15 * time.Minute
	}
	if priorLockouts < 0 {
		priorLockouts = 0
	}
	if priorLockouts >= len(c.Escalation) {
		priorLockouts = len(c.Escalation) - 1
	}
	return c.Escalation[priorLockouts]
}

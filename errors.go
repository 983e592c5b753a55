package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/estatedesk/authcore/session"
)

var (
	// ErrInvalidCredentials is returned for unknown emails and wrong
	// passwords alike. The message must stay identical for both so the
	// API cannot be used to enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrUnauthorized is the generic rejection for refresh and token
	// failures whose detail must not reach the client.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAccountLocked matches AccountLockedError via errors.Is.
	ErrAccountLocked = errors.New("account locked")
	// ErrTokenExpired is returned when a structurally valid access token
	// has passed its expiry. Callers typically respond by attempting a
	// refresh.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned for malformed, tampered, or
	// wrong-class access tokens. Callers should force a re-login.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrSessionInvalid matches SessionInvalidError via errors.Is.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrRateLimited matches RateLimitedError via errors.Is.
	ErrRateLimited = errors.New("rate limited")
	// ErrServiceUnavailable is returned when a backing store is
	// unreachable and the operation fails closed.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// AccountLockedError carries the retry hint for a locked account.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }

// RetryAfterSeconds rounds the retry hint up to whole seconds for
// Retry-After headers.
func (e *AccountLockedError) RetryAfterSeconds() int {
	return ceilSeconds(e.RetryAfter)
}

// RateLimitedError carries the retry hint for a throttled client.
// Blocked distinguishes a client-wide block from a per-scope rejection.
type RateLimitedError struct {
	Scope      RateScope
	RetryAfter time.Duration
	Blocked    bool
}

func (e *RateLimitedError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("client blocked, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds the retry hint up to whole seconds.
func (e *RateLimitedError) RetryAfterSeconds() int {
	return ceilSeconds(e.RetryAfter)
}

// SessionInvalidError reports why a session failed validation.
type SessionInvalidError struct {
	Reason session.Reason
}

func (e *SessionInvalidError) Error() string {
	return fmt.Sprintf("session invalid: %s", e.Reason)
}

func (e *SessionInvalidError) Unwrap() error { return ErrSessionInvalid }

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	seconds := int(d / time.Second)
	if d%time.Second != 0 {
		seconds++
	}
	return seconds
}

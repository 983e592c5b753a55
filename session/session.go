package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the session id.
	ErrNotFound = errors.New("session not found")
	// ErrUnavailable indicates the session backend is unreachable.
	ErrUnavailable = errors.New("session backend unavailable")
)

// Reason explains why a session failed validation.
type Reason string

const (
	ReasonRevoked        Reason = "revoked"
	ReasonExpired        Reason = "expired"
	ReasonIPMismatch     Reason = "ip_mismatch"
	ReasonDeviceMismatch Reason = "device_mismatch"
)

// Record is one login session. BoundUserAgentHash holds the hex digest
// of the creating client's user-agent, never the raw string.
type Record struct {
	SessionID          string     `json:"session_id"`
	UserID             string     `json:"user_id"`
	CreatedAt          time.Time  `json:"created_at"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	BoundIP            string     `json:"bound_ip,omitempty"`
	BoundUserAgentHash string     `json:"bound_ua_hash,omitempty"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
}

// Validation is the outcome of a policy check.
type Validation struct {
	Valid bool
	// Reason is set when Valid is false.
	Reason Reason
	// UserAgentChanged flags a benign-looking device change that passed
	// soft binding. Callers may audit it without rejecting the request.
	UserAgentChanged bool
	// Record is the session that was examined, nil when not found.
	Record *Record
}

// Store persists session records. TTLs bound garbage accumulation; the
// Registry enforces the actual expiry policy.
type Store interface {
	// Save persists a record with the given TTL.
	Save(ctx context.Context, record *Record, ttl time.Duration) error
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Record, error)
	// Touch updates LastActivityAt and slides the TTL.
	Touch(ctx context.Context, sessionID string, at time.Time, ttl time.Duration) error
	// Revoke marks the record revoked, keeping it resident so validation
	// can report the reason. Reports whether the record was still
	// unrevoked.
	Revoke(ctx context.Context, sessionID string, at time.Time) (bool, error)
	// RevokeAllForUser revokes every session of a user and returns how
	// many were still unrevoked.
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error)
	// ListForUser returns every resident record for a user, revoked ones
	// included.
	ListForUser(ctx context.Context, userID string) ([]*Record, error)
}

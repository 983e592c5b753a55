package ledger

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the presented token.
	ErrNotFound = errors.New("refresh token not found")
	// ErrAlreadyRevoked is returned when the record was revoked by logout
	// or a concurrent rotation that won the race.
	ErrAlreadyRevoked = errors.New("refresh token already revoked")
	// ErrReuseDetected is returned when a token superseded by rotation is
	// presented again. The whole family has been revoked as a side
	// effect. Never surface this verbatim to clients.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrExpired is returned when the record exists but has passed its
	// expiry.
	ErrExpired = errors.New("refresh token expired")
	// ErrUnavailable indicates the ledger backend is unreachable.
	ErrUnavailable = errors.New("ledger backend unavailable")
)

// Record is the at-rest form of one refresh token. The raw token value
// is never stored; TokenHash is the hex digest of its SHA-256.
type Record struct {
	TokenHash      string     `json:"token_hash"`
	UserID         string     `json:"user_id"`
	SessionID      string     `json:"session_id"`
	FamilyID       string     `json:"family_id"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	ReplacedByHash string     `json:"replaced_by_hash,omitempty"`
	ClientIP       string     `json:"client_ip,omitempty"`
	UserAgent      string     `json:"user_agent,omitempty"`
}

// Active reports whether the record can still be rotated at the given
// instant.
func (r *Record) Active(now time.Time) bool {
	return r.RevokedAt == nil && now.Before(r.ExpiresAt)
}

// rotatedAway reports whether the record was revoked by a rotation, as
// opposed to an explicit revocation. Presenting such a record again is
// the reuse signal.
func (r *Record) rotatedAway() bool {
	return r.RevokedAt != nil && r.ReplacedByHash != ""
}

// Store persists refresh-token records. Implementations must keep
// rotation linearizable per family.
type Store interface {
	// Issue mints a raw token, stores its record, and returns both. An
	// empty familyID starts a new family.
	Issue(ctx context.Context, userID, sessionID, familyID string, ttl time.Duration, clientIP, userAgent string) (string, *Record, error)

	// Rotate exchanges rawToken for a successor in the same family. On
	// ErrReuseDetected the returned record is the offending one so the
	// caller can revoke its session; on success it is the new record.
	Rotate(ctx context.Context, rawToken, clientIP, userAgent string) (string, *Record, error)

	// Revoke marks the record for rawToken revoked. Revoking an unknown
	// or already-revoked token is a no-op; the returned record is nil
	// when nothing matched.
	Revoke(ctx context.Context, rawToken string) (*Record, error)

	// RevokeFamily revokes every record in a family and returns how many
	// were still active.
	RevokeFamily(ctx context.Context, familyID string) (int, error)

	// RevokeSession revokes every record issued for a session.
	RevokeSession(ctx context.Context, sessionID string) (int, error)

	// RevokeAllForUser revokes every record issued for a user and
	// returns how many were still active.
	RevokeAllForUser(ctx context.Context, userID string) (int, error)

	// ListFamily returns every resident record of a family, revoked ones
	// included, sorted oldest first. Introspection surface for incident
	// review.
	ListFamily(ctx context.Context, familyID string) ([]*Record, error)
}

// sortRecordsByCreation orders a family oldest first. Rotation within
// one clock tick produces equal timestamps; the superseded record sorts
// before its successor.
func sortRecordsByCreation(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ReplacedByHash != "" && records[j].ReplacedByHash == ""
	})
}

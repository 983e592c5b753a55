package authcore

import (
	"context"
	"io"
	"time"

	"github.com/estatedesk/authcore/internal/audit"
	"github.com/estatedesk/authcore/internal/rate"
	"github.com/estatedesk/authcore/session"
	"github.com/estatedesk/authcore/token"
)

// Principal is an account as the external Credential Store knows it.
// The engine reads principals, never writes them.
type Principal struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	DisplayName  string
}

// CredentialStore is the engine's view of the back office's user
// directory.
type CredentialStore interface {
	// FindByEmail returns nil, nil for unknown emails. The engine turns
	// that into the same InvalidCredentials failure a wrong password
	// produces.
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	// FindByID resolves the principal behind an existing session, used
	// when refreshing embeds fresh identity claims.
	FindByID(ctx context.Context, id string) (*Principal, error)
}

// User is the client-safe subset of a principal returned from Login.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
}

// LoginResult is the success payload of Login.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	User         User
}

// RefreshResult is the success payload of Refresh.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// AccessClaims is the payload of a verified access token.
type AccessClaims = token.Claims

// SessionRecord is one login session as the registry tracks it.
type SessionRecord = session.Record

// RateScope identifies an endpoint class with its own request budget.
type RateScope = rate.Scope

const (
	ScopeAuth      = rate.ScopeAuth
	ScopeUpload    = rate.ScopeUpload
	ScopeWrite     = rate.ScopeWrite
	ScopeRead      = rate.ScopeRead
	ScopeSearch    = rate.ScopeSearch
	ScopeSensitive = rate.ScopeSensitive
)

// RateResult is the outcome of an admission check, exposed so the
// request layer can emit RateLimit-Remaining style headers.
type RateResult = rate.Result

// AuditEvent is one security-relevant occurrence emitted to the
// configured sink.
type AuditEvent = audit.Event

// AuditSink receives audit events. Implementations must be safe for
// concurrent use and should not block; slow sinks are decoupled by the
// dispatcher's buffer.
type AuditSink = audit.Sink

// NewChannelAuditSink returns a sink that forwards events into a
// buffered channel, mostly for tests and in-process consumers.
func NewChannelAuditSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONAuditSink returns a sink that writes one JSON object per line
// to w.
func NewJSONAuditSink(w io.Writer) *audit.JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

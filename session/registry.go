package session

import (
	"context"
	"errors"
	"time"

	"github.com/estatedesk/authcore/internal"
)

// Config tunes session validation policy.
type Config struct {
	// InactivityTimeout invalidates sessions idle longer than this.
	InactivityTimeout time.Duration
	// AbsoluteLifetime caps session age regardless of activity. Zero
	// disables the cap.
	AbsoluteLifetime time.Duration
	// EnforceIPBinding hard-rejects requests whose client IP differs
	// from the bound one.
	EnforceIPBinding bool
	// EnforceUserAgentBinding hard-rejects requests whose user-agent
	// fingerprint differs from the bound one. Off by default; user
	// agents vary benignly across minor browser updates.
	EnforceUserAgentBinding bool
	// DetectUserAgentChange flags user-agent changes without rejecting.
	// Ignored when EnforceUserAgentBinding is set.
	DetectUserAgentChange bool
}

// Registry applies validation policy over a Store.
type Registry struct {
	store  Store
	config Config
	now    func() time.Time
}

// NewRegistry creates a registry with the given backing store.
func NewRegistry(store Store, cfg Config) *Registry {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 30 * time.Minute
	}
	return &Registry{
		store:  store,
		config: cfg,
		now:    time.Now,
	}
}

// Store exposes the backing store, for lifecycle tasks like sweeping
// the in-process implementation.
func (r *Registry) Store() Store {
	return r.store
}

// SetClock overrides the registry's clock. Test hook. When the backing
// store is the memory store its clock follows.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
	if mem, ok := r.store.(*MemoryStore); ok {
		mem.SetClock(now)
	}
}

// Create starts a session bound to the presenting client.
func (r *Registry) Create(ctx context.Context, userID, clientIP, userAgent string) (*Record, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}

	now := r.now()
	record := &Record{
		SessionID:          sid.String(),
		UserID:             userID,
		CreatedAt:          now,
		LastActivityAt:     now,
		BoundIP:            clientIP,
		BoundUserAgentHash: userAgentHash(userAgent),
	}

	if err := r.store.Save(ctx, record, r.storeTTL(record, now)); err != nil {
		return nil, err
	}

	return record, nil
}

// Validate checks a session against the policy. The returned error is
// non-nil only for backend failures; policy rejections come back as an
// invalid Validation with a reason.
func (r *Registry) Validate(ctx context.Context, sessionID, clientIP, userAgent string) (Validation, error) {
	record, err := r.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Validation{Reason: ReasonExpired}, nil
		}
		return Validation{}, err
	}

	now := r.now()
	switch {
	case record.RevokedAt != nil:
		return Validation{Reason: ReasonRevoked, Record: record}, nil
	case now.Sub(record.LastActivityAt) > r.config.InactivityTimeout:
		return Validation{Reason: ReasonExpired, Record: record}, nil
	case r.config.AbsoluteLifetime > 0 && now.Sub(record.CreatedAt) > r.config.AbsoluteLifetime:
		return Validation{Reason: ReasonExpired, Record: record}, nil
	case r.config.EnforceIPBinding && record.BoundIP != "" && clientIP != "" && record.BoundIP != clientIP:
		return Validation{Reason: ReasonIPMismatch, Record: record}, nil
	case r.config.EnforceUserAgentBinding && userAgentChanged(record, userAgent):
		return Validation{Reason: ReasonDeviceMismatch, Record: record}, nil
	}

	validation := Validation{Valid: true, Record: record}
	if r.config.DetectUserAgentChange && userAgentChanged(record, userAgent) {
		validation.UserAgentChanged = true
	}

	return validation, nil
}

// Touch resets the inactivity clock. Called on every authenticated
// request after a successful Validate.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	record, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	now := r.now()
	return r.store.Touch(ctx, sessionID, now, r.storeTTL(record, now))
}

// Revoke marks one session revoked. Revoking an unknown or already
// revoked session is a no-op.
func (r *Registry) Revoke(ctx context.Context, sessionID string) error {
	_, err := r.store.Revoke(ctx, sessionID, r.now())
	return err
}

// RevokeAllForUser revokes every session of a user and returns how many
// were still active.
func (r *Registry) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	return r.store.RevokeAllForUser(ctx, userID, r.now())
}

// ListActive returns the user's unrevoked, unexpired sessions for the
// session-management UI.
func (r *Registry) ListActive(ctx context.Context, userID string) ([]*Record, error) {
	records, err := r.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	active := records[:0]
	for _, record := range records {
		if record.RevokedAt != nil {
			continue
		}
		if now.Sub(record.LastActivityAt) > r.config.InactivityTimeout {
			continue
		}
		if r.config.AbsoluteLifetime > 0 && now.Sub(record.CreatedAt) > r.config.AbsoluteLifetime {
			continue
		}
		active = append(active, record)
	}

	return active, nil
}

// storeTTL bounds how long the record stays resident. Twice the
// inactivity timeout leaves room to report ReasonExpired instead of a
// bare not-found, capped by the remaining absolute lifetime.
func (r *Registry) storeTTL(record *Record, now time.Time) time.Duration {
	ttl := 2 * r.config.InactivityTimeout
	if r.config.AbsoluteLifetime > 0 {
		remaining := record.CreatedAt.Add(r.config.AbsoluteLifetime).Sub(now)
		if remaining < ttl {
			ttl = remaining
		}
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func userAgentChanged(record *Record, userAgent string) bool {
	return record.BoundUserAgentHash != "" && userAgent != "" &&
		record.BoundUserAgentHash != userAgentHash(userAgent)
}

func userAgentHash(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	digest := internal.FingerprintUserAgent(userAgent)
	return internal.DigestKey(digest)
}

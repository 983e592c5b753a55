package authcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/estatedesk/authcore/internal"
	"github.com/estatedesk/authcore/internal/audit"
	"github.com/estatedesk/authcore/internal/lockout"
	"github.com/estatedesk/authcore/internal/rate"
	"github.com/estatedesk/authcore/ledger"
	"github.com/estatedesk/authcore/password"
	"github.com/estatedesk/authcore/session"
	"github.com/estatedesk/authcore/token"
)

// Engine is the authentication orchestrator. It owns the token codec,
// refresh ledger, session registry, lockout tracker, and rate limiter
// and sequences them into the login, refresh, and request-validation
// flows. Construct one through a Builder; all methods are safe for
// concurrent use.
//
// Client IP and user agent travel in the request context (WithClientIP,
// WithUserAgent); the middleware package injects them from HTTP
// requests.
type Engine struct {
	config      Config
	credentials CredentialStore
	hasher      *password.Hasher
	codec       *token.Codec
	ledger      ledger.Store
	sessions    *session.Registry
	lockouts    lockout.Tracker
	limiter     *rate.Engine
	audit       *audit.Dispatcher
	metrics     *Metrics

	now func() time.Time
}

// Login verifies credentials and starts a session. The lockout tracker
// is consulted before any password work, and unknown emails burn the
// same hashing cost as wrong passwords so response timing does not
// reveal whether an account exists.
func (e *Engine) Login(ctx context.Context, email, plaintext string) (*LoginResult, error) {
	email = normalizeEmail(email)

	status, err := e.lockouts.Status(ctx, email)
	if err != nil {
		return nil, e.unavailable(err)
	}
	if status.Locked {
		retryAfter := status.RetryAfter(e.clock())
		e.metrics.Inc(MetricLoginLocked)
		e.emitAudit(ctx, auditEventLoginLocked, false, "", "", ErrAccountLocked, func() map[string]string {
			return map[string]string{"retry_after_s": strconv.Itoa(ceilSeconds(retryAfter))}
		})
		return nil, &AccountLockedError{RetryAfter: retryAfter}
	}

	principal, err := e.credentials.FindByEmail(ctx, email)
	if err != nil {
		return nil, e.unavailable(err)
	}
	if principal == nil {
		e.hasher.DummyCompare(plaintext)
		return nil, e.failLogin(ctx, email, "")
	}

	match, err := e.hasher.Compare(plaintext, principal.PasswordHash)
	if err != nil || !match {
		return nil, e.failLogin(ctx, email, principal.ID)
	}

	// Clears the failure counter only; an active lock and the escalation
	// history are untouched.
	if err := e.lockouts.RecordSuccess(ctx, email); err != nil {
		return nil, e.unavailable(err)
	}

	clientIP := clientIPFromContext(ctx)
	userAgent := userAgentFromContext(ctx)

	sess, err := e.sessions.Create(ctx, principal.ID, clientIP, userAgent)
	if err != nil {
		return nil, e.unavailable(err)
	}
	e.metrics.Inc(MetricSessionCreated)

	accessToken, err := e.issueAccessToken(principal, sess.SessionID)
	if err != nil {
		return nil, e.unavailable(err)
	}

	refreshToken, _, err := e.ledger.Issue(
		ctx, principal.ID, sess.SessionID, "", e.config.Token.RefreshTTL, clientIP, userAgent,
	)
	if err != nil {
		return nil, e.unavailable(err)
	}

	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, principal.ID, sess.SessionID, nil, nil)

	return &LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    e.config.Token.AccessTTL,
		User: User{
			ID:          principal.ID,
			Email:       principal.Email,
			Role:        principal.Role,
			DisplayName: principal.DisplayName,
		},
	}, nil
}

// Refresh rotates a refresh token and mints a fresh access token. Every
// ledger rejection surfaces as the same ErrUnauthorized; reuse of a
// superseded token additionally revokes the whole family and its
// session before that generic answer goes out.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	clientIP := clientIPFromContext(ctx)
	userAgent := userAgentFromContext(ctx)

	newToken, record, err := e.ledger.Rotate(ctx, refreshToken, clientIP, userAgent)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrReuseDetected):
			return nil, e.handleRefreshReuse(ctx, record)
		case errors.Is(err, ledger.ErrUnavailable):
			return nil, e.unavailable(err)
		default:
			e.metrics.Inc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrUnauthorized, nil)
			return nil, ErrUnauthorized
		}
	}

	validation, err := e.sessions.Validate(ctx, record.SessionID, clientIP, userAgent)
	if err != nil {
		return nil, e.unavailable(err)
	}
	if !validation.Valid {
		// The rotation above minted a successor; kill the family so it
		// cannot outlive its rejected session.
		if _, err := e.ledger.RevokeFamily(ctx, record.FamilyID); err != nil {
			return nil, e.unavailable(err)
		}
		return nil, e.rejectSession(ctx, record.UserID, record.SessionID, validation.Reason)
	}
	e.noteUserAgentChange(ctx, validation, record.UserID, record.SessionID)

	if err := e.touchSession(ctx, record.UserID, record.SessionID); err != nil {
		return nil, err
	}

	principal, err := e.credentials.FindByID(ctx, record.UserID)
	if err != nil {
		return nil, e.unavailable(err)
	}
	if principal == nil {
		// Account deleted out from under the session.
		if _, err := e.ledger.RevokeFamily(ctx, record.FamilyID); err != nil {
			return nil, e.unavailable(err)
		}
		e.metrics.Inc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, record.UserID, record.SessionID, ErrUnauthorized, nil)
		return nil, ErrUnauthorized
	}

	accessToken, err := e.issueAccessToken(principal, record.SessionID)
	if err != nil {
		return nil, e.unavailable(err)
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, record.UserID, record.SessionID, nil, nil)

	return &RefreshResult{
		AccessToken:  accessToken,
		RefreshToken: newToken,
		ExpiresIn:    e.config.Token.AccessTTL,
	}, nil
}

// Authenticate validates a bearer access token and its session for one
// request. On success the session's inactivity clock is reset.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (*AccessClaims, error) {
	started := e.clock()

	claims, err := e.codec.Verify(accessToken, token.TypeAccess)
	if err != nil {
		mapped := ErrTokenInvalid
		if errors.Is(err, token.ErrExpired) {
			mapped = ErrTokenExpired
		}
		e.metrics.Inc(MetricAuthenticateFailure)
		e.emitAudit(ctx, auditEventAuthenticateFailure, false, "", "", mapped, nil)
		return nil, mapped
	}

	validation, err := e.sessions.Validate(
		ctx, claims.SessionID, clientIPFromContext(ctx), userAgentFromContext(ctx),
	)
	if err != nil {
		return nil, e.unavailable(err)
	}
	if !validation.Valid {
		e.metrics.Inc(MetricAuthenticateFailure)
		return nil, e.rejectSession(ctx, claims.SubjectID(), claims.SessionID, validation.Reason)
	}
	e.noteUserAgentChange(ctx, validation, claims.SubjectID(), claims.SessionID)

	if err := e.touchSession(ctx, claims.SubjectID(), claims.SessionID); err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricAuthenticateSuccess)
	e.metrics.Observe(MetricAuthenticateLatency, e.clock().Sub(started))

	return claims, nil
}

// Logout revokes the presented refresh token, its family, and its
// session. Unknown and already-revoked tokens are a silent no-op so the
// operation is idempotent.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	record, err := e.ledger.Revoke(ctx, refreshToken)
	if err != nil {
		return e.unavailable(err)
	}
	if record == nil {
		return nil
	}

	// The client may have presented a stale member of the chain; taking
	// the whole family down revokes the live successor too.
	if _, err := e.ledger.RevokeFamily(ctx, record.FamilyID); err != nil {
		return e.unavailable(err)
	}
	if err := e.sessions.Revoke(ctx, record.SessionID); err != nil {
		return e.unavailable(err)
	}

	e.metrics.Inc(MetricLogout)
	e.metrics.Inc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogoutSession, true, record.UserID, record.SessionID, nil, nil)

	return nil
}

// LogoutAllDevices revokes every session and every refresh token of a
// user, and returns how many sessions were still active.
func (e *Engine) LogoutAllDevices(ctx context.Context, userID string) (int, error) {
	revoked, err := e.sessions.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, e.unavailable(err)
	}
	if _, err := e.ledger.RevokeAllForUser(ctx, userID); err != nil {
		return 0, e.unavailable(err)
	}

	e.metrics.Inc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, func() map[string]string {
		return map[string]string{"sessions_revoked": strconv.Itoa(revoked)}
	})

	return revoked, nil
}

// CheckRate admits or rejects one request under the scope's budget.
// userID is empty for unauthenticated traffic. A rejection comes back
// as a RateLimitedError alongside the Result, which still carries the
// header-relevant fields.
func (e *Engine) CheckRate(ctx context.Context, scope RateScope, userID string) (RateResult, error) {
	clientKey := internal.ClientKey(clientIPFromContext(ctx), userID)

	result, err := e.limiter.Allow(ctx, scope, clientKey)
	if err != nil {
		return result, e.unavailable(err)
	}
	if result.Allowed {
		return result, nil
	}

	limitedErr := &RateLimitedError{
		Scope:      scope,
		RetryAfter: result.RetryAfter,
		Blocked:    result.Blocked,
	}

	eventType := auditEventRateLimitTriggered
	if result.Blocked {
		eventType = auditEventClientBlocked
		e.metrics.Inc(MetricClientBlocked)
	} else {
		e.metrics.Inc(MetricRateLimited)
	}
	e.emitAudit(ctx, eventType, false, userID, "", limitedErr, func() map[string]string {
		return map[string]string{
			"scope":         string(scope),
			"retry_after_s": strconv.Itoa(limitedErr.RetryAfterSeconds()),
		}
	})

	return result, limitedErr
}

// BlockClient places an explicit client-wide block, for operator
// tooling and incident response.
func (e *Engine) BlockClient(ctx context.Context, clientKey string, duration time.Duration) error {
	if err := e.limiter.Block(ctx, clientKey, duration); err != nil {
		return e.unavailable(err)
	}
	return nil
}

// ListSessions returns the user's active sessions for the
// device-management UI.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]*SessionRecord, error) {
	records, err := e.sessions.ListActive(ctx, userID)
	if err != nil {
		return nil, e.unavailable(err)
	}
	return records, nil
}

// MetricsSnapshot copies the engine's counters for export.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events were shed because the
// buffer was full.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// Sweep drops expired entries from in-process stores. A no-op on Redis
// backends, where TTLs do the work. Call it periodically when running
// without Redis.
func (e *Engine) Sweep() {
	e.limiter.Sweep()
	if mem, ok := e.ledger.(*ledger.MemoryStore); ok {
		mem.Sweep()
	}
	if mem, ok := e.sessions.Store().(*session.MemoryStore); ok {
		mem.Sweep()
	}
}

// Close flushes and stops the audit dispatcher. The engine must not be
// used afterward.
func (e *Engine) Close() {
	e.audit.Close()
}

// SetClock overrides the engine's clock and cascades to every component
// that keeps one. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.sessions.SetClock(now)
	e.limiter.SetClock(now)
	if mem, ok := e.lockouts.(*lockout.MemoryTracker); ok {
		mem.SetClock(now)
	}
	if mem, ok := e.ledger.(*ledger.MemoryStore); ok {
		mem.SetClock(now)
	}
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// failLogin records one credential failure and returns the uniform
// rejection. The caller never learns whether the email or the password
// was wrong, and a lock triggered by this failure only surfaces on the
// next attempt.
func (e *Engine) failLogin(ctx context.Context, email, userID string) error {
	if _, err := e.lockouts.RecordFailure(ctx, email); err != nil {
		return e.unavailable(err)
	}

	e.metrics.Inc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", ErrInvalidCredentials, nil)

	return ErrInvalidCredentials
}

// handleRefreshReuse contains the breach response for a replayed
// refresh token: the ledger already revoked the family, the session
// goes next, and the client gets the same generic answer as any other
// invalid token.
func (e *Engine) handleRefreshReuse(ctx context.Context, offender *ledger.Record) error {
	userID, sessionID := "", ""
	if offender != nil {
		userID, sessionID = offender.UserID, offender.SessionID
		if err := e.sessions.Revoke(ctx, sessionID); err != nil {
			return e.unavailable(err)
		}
		e.metrics.Inc(MetricSessionRevoked)
	}

	e.metrics.Inc(MetricRefreshReuseDetected)
	e.emitAudit(ctx, auditEventRefreshReuse, false, userID, sessionID, ErrUnauthorized, func() map[string]string {
		if offender == nil {
			return nil
		}
		return map[string]string{"family_id": offender.FamilyID}
	})

	return ErrUnauthorized
}

func (e *Engine) rejectSession(ctx context.Context, userID, sessionID string, reason session.Reason) error {
	switch reason {
	case session.ReasonRevoked:
		e.metrics.Inc(MetricSessionRevoked)
	case session.ReasonIPMismatch:
		e.metrics.Inc(MetricSessionIPMismatch)
	case session.ReasonDeviceMismatch:
		e.metrics.Inc(MetricSessionUAChanged)
	default:
		e.metrics.Inc(MetricSessionExpired)
	}

	invalidErr := &SessionInvalidError{Reason: reason}
	e.emitAudit(ctx, auditEventSessionRejected, false, userID, sessionID, invalidErr, func() map[string]string {
		return map[string]string{"reason": string(reason)}
	})

	return invalidErr
}

func (e *Engine) noteUserAgentChange(ctx context.Context, v session.Validation, userID, sessionID string) {
	if !v.UserAgentChanged {
		return
	}
	e.metrics.Inc(MetricSessionUAChanged)
	e.emitAudit(ctx, auditEventDeviceAnomaly, true, userID, sessionID, nil, nil)
}

// touchSession resets the inactivity clock after a successful
// validation. The session can expire between Validate and Touch; that
// race reports the same expiry the next request would see.
func (e *Engine) touchSession(ctx context.Context, userID, sessionID string) error {
	err := e.sessions.Touch(ctx, sessionID)
	if err == nil {
		return nil
	}
	if errors.Is(err, session.ErrNotFound) {
		return e.rejectSession(ctx, userID, sessionID, session.ReasonExpired)
	}
	return e.unavailable(err)
}

func (e *Engine) issueAccessToken(principal *Principal, sessionID string) (string, error) {
	claims := token.Claims{
		Email:       principal.Email,
		Role:        principal.Role,
		DisplayName: principal.DisplayName,
		SessionID:   sessionID,
	}
	claims.Subject = principal.ID
	claims.ID = uuid.NewString()

	return e.codec.Issue(claims, token.TypeAccess, e.config.Token.AccessTTL)
}

func (e *Engine) unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/estatedesk/authcore/internal/audit"
)

// AuditEventType names a security-relevant occurrence in the trail.
type AuditEventType = audit.EventType

const (
	auditEventLoginSuccess        AuditEventType = "login_success"
	auditEventLoginFailure        AuditEventType = "login_failure"
	auditEventLoginLocked         AuditEventType = "login_locked"
	auditEventRefreshSuccess      AuditEventType = "refresh_success"
	auditEventRefreshInvalid      AuditEventType = "refresh_invalid"
	auditEventRefreshReuse        AuditEventType = "refresh_reuse_detected"
	auditEventLogoutSession       AuditEventType = "logout_session"
	auditEventLogoutAll           AuditEventType = "logout_all"
	auditEventRateLimitTriggered  AuditEventType = "rate_limit_triggered"
	auditEventClientBlocked       AuditEventType = "client_blocked"
	auditEventSessionRejected     AuditEventType = "session_rejected"
	auditEventDeviceAnomaly       AuditEventType = "device_anomaly_detected"
	auditEventAuthenticateFailure AuditEventType = "authenticate_failure"
)

// AuditErrorCode is the stable error vocabulary used in audit events.
type AuditErrorCode = audit.ErrorCode

const (
	auditErrUnauthorized       AuditErrorCode = "unauthorized"
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrRefreshReuse       AuditErrorCode = "refresh_reuse"
	auditErrTokenExpired       AuditErrorCode = "token_expired"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrSessionInvalid     AuditErrorCode = "session_invalid"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType AuditEventType,
	success bool,
	userID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = code
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrSessionInvalid):
		return auditErrSessionInvalid
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrServiceUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}

package authflow

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventAccountCreated         = "account_created"
	auditEventSignInSuccess          = "signin_success"
	auditEventSignInFailure          = "signin_failure"
	auditEventSignInLocked           = "signin_locked"
	auditEventSocialSignIn           = "social_signin"
	auditEventMFARequired            = "mfa_required"
	auditEventMFASuccess             = "mfa_success"
	auditEventMFAFailure             = "mfa_failure"
	auditEventStateTokenReplay       = "state_token_replay"
	auditEventEmailChallengeSent     = "email_challenge_sent"
	auditEventRefreshSuccess         = "refresh_success"
	auditEventRefreshInvalid         = "refresh_invalid"
	auditEventRefreshReuseDetected   = "refresh_reuse_detected"
	auditEventFamilyRevoked          = "family_revoked"
	auditEventTokenInvalidated       = "token_invalidated"
	auditEventLogout                 = "logout"
	auditEventLogoutAll              = "logout_all"
	auditEventPasswordChange         = "password_change"
	auditEventMFAEnrollStarted       = "mfa_enroll_started"
	auditEventMFAEnabled             = "mfa_enabled"
	auditEventMFADisabled            = "mfa_disabled"
	auditEventRecoveryGenerated      = "recovery_codes_generated"
	auditEventRecoveryCodeUsed       = "recovery_code_used"
	auditEventRecoveryCodeFailed     = "recovery_code_failed"
	auditEventRecoveryCodesDestroyed = "recovery_codes_destroyed"
)

// AuditErrorCode is the stable error label written into audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrAccountExists      AuditErrorCode = "duplicate"
	auditErrInvalidEmail       AuditErrorCode = "invalid_email"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrTokenExpired       AuditErrorCode = "token_expired"
	auditErrTokenRevoked       AuditErrorCode = "token_revoked"
	auditErrTokenInvalidated   AuditErrorCode = "token_invalidated"
	auditErrRefreshReuse       AuditErrorCode = "refresh_reuse"
	auditErrMFAInvalid         AuditErrorCode = "mfa_invalid"
	auditErrRecoveryUsed       AuditErrorCode = "recovery_code_used"
	auditErrAttemptsExceeded   AuditErrorCode = "attempts_exceeded"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrStateInvalid       AuditErrorCode = "state_invalid"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrPasswordReuse      AuditErrorCode = "password_reuse"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	familyID string,
	factor Factor,
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
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		FamilyID:  familyID,
		Factor:    string(factor),
		IP:        ClientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
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
	case errors.Is(err, ErrAccountExists):
		return auditErrAccountExists
	case errors.Is(err, ErrInvalidEmail):
		return auditErrInvalidEmail
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenRevoked):
		return auditErrTokenRevoked
	case errors.Is(err, ErrTokenInvalidated):
		return auditErrTokenInvalidated
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrRefreshInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrRecoveryCodeUsed):
		return auditErrRecoveryUsed
	case errors.Is(err, ErrInvalidMFACode):
		return auditErrMFAInvalid
	case errors.Is(err, ErrTooManyAttempts):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrChallengeRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrSignInStateInvalid):
		return auditErrStateInvalid
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPasswordReuse):
		return auditErrPasswordReuse
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}

// metadata helpers keep call sites short.
func kv(pairs ...string) func() map[string]string {
	return func() map[string]string {
		m := make(map[string]string, len(pairs)/2)
		for i := 0; i+1 < len(pairs); i += 2 {
			m[pairs[i]] = pairs[i+1]
		}
		return m
	}
}

func unixString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

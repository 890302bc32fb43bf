package authflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized is the caller-facing error for every token failure.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials does not distinguish an unknown email from a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountLocked is matched by *AccountLockedError.
	ErrAccountLocked = errors.New("account locked")
	ErrAccountExists = errors.New("account already exists")
	ErrInvalidEmail  = errors.New("invalid email address")

	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenInvalidated means the token predates a token version bump.
	ErrTokenInvalidated = errors.New("token invalidated")
	ErrRefreshInvalid   = errors.New("invalid refresh token")
	// ErrRefreshReuse is returned after the family of a replayed refresh token was revoked.
	ErrRefreshReuse = errors.New("refresh token reuse detected")

	ErrInvalidMFACode       = errors.New("invalid mfa code")
	ErrRecoveryCodeNotFound = fmt.Errorf("%w: recovery code not found", ErrInvalidMFACode)
	ErrRecoveryCodeUsed     = fmt.Errorf("%w: recovery code already used", ErrInvalidMFACode)
	ErrTooManyAttempts      = errors.New("too many attempts")
	ErrChallengeRateLimited = errors.New("challenge requested too recently")

	ErrSignInStateInvalid      = errors.New("sign-in state invalid or expired")
	ErrMFAFactorUnavailable    = errors.New("mfa factor not available for this sign-in")
	ErrMFAAlreadyEnabled       = errors.New("mfa method already enabled")
	ErrMFANotEnabled           = errors.New("mfa method not enabled")
	ErrMFAEnrollmentNotStarted = errors.New("mfa enrollment not started")

	ErrPasswordPolicy      = errors.New("password policy violation")
	ErrPasswordReuse       = errors.New("new password must be different from current password")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	ErrEmailDelivery       = errors.New("email delivery failed")

	// ErrStoreUnavailable hides backend failures; detail goes to the logger.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrEngineNotReady   = errors.New("engine not initialized")
	ErrInternal         = errors.New("internal error")
)

// AccountLockedError carries the lockout expiry.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return "account locked until " + e.Until.UTC().Format(time.RFC3339)
}

// Is matches ErrAccountLocked.
func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// RetryAfter returns the remaining lockout at now, never negative.
func (e *AccountLockedError) RetryAfter(now time.Time) time.Duration {
	if d := e.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// PublicError maps an engine error to the least specific error a caller
// should see. Token and rotation failures collapse into ErrUnauthorized and
// backend failures into ErrInternal. Errors a legitimate user can act on
// pass through.
func PublicError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRefreshReuse),
		errors.Is(err, ErrRefreshInvalid),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrTokenRevoked),
		errors.Is(err, ErrTokenInvalidated),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrUnauthorized):
		return ErrUnauthorized
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrEngineNotReady),
		errors.Is(err, ErrEmailDelivery),
		errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrInternal):
		return ErrInternal
	case errors.Is(err, ErrRecoveryCodeNotFound),
		errors.Is(err, ErrRecoveryCodeUsed):
		return ErrInvalidMFACode
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrAccountLocked),
		errors.Is(err, ErrAccountExists),
		errors.Is(err, ErrInvalidEmail),
		errors.Is(err, ErrInvalidMFACode),
		errors.Is(err, ErrTooManyAttempts),
		errors.Is(err, ErrChallengeRateLimited),
		errors.Is(err, ErrSignInStateInvalid),
		errors.Is(err, ErrMFAFactorUnavailable),
		errors.Is(err, ErrMFAAlreadyEnabled),
		errors.Is(err, ErrMFANotEnabled),
		errors.Is(err, ErrMFAEnrollmentNotStarted),
		errors.Is(err, ErrPasswordPolicy),
		errors.Is(err, ErrPasswordReuse):
		return err
	default:
		return ErrInternal
	}
}

package authflow

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/store"
)

// EnableMFA starts enrollment of factor after re-checking the password.
// For TOTP the returned enrollment carries the secret and an otpauth URI;
// for email a code is sent to the account address. The method stays
// disabled until ConfirmMFA accepts a fresh code.
func (e *Engine) EnableMFA(ctx context.Context, userID string, factor Factor, pw string) (*MFAEnrollment, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	enr, ok := e.enroller(factor)
	if !ok {
		return nil, ErrMFAFactorUnavailable
	}
	user, err := e.reauthenticate(ctx, userID, pw)
	if err != nil {
		return nil, err
	}
	if user.MethodEnabled(enr.storeMethod()) {
		return nil, ErrMFAAlreadyEnabled
	}

	out, err := enr.begin(ctx, user)
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, auditEventMFAEnrollStarted, true, user.ID, "", factor, nil, nil)
	return out, nil
}

// ConfirmMFA finishes enrollment with a code produced by the new factor.
// When this is the user's first method a recovery-code batch is generated
// and returned; it is not retrievable later.
func (e *Engine) ConfirmMFA(ctx context.Context, userID string, factor Factor, code string) (*MFAConfirmation, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	enr, ok := e.enroller(factor)
	if !ok {
		return nil, ErrMFAFactorUnavailable
	}
	user, err := e.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MethodEnabled(enr.storeMethod()) {
		return nil, ErrMFAAlreadyEnabled
	}

	if err := enr.confirm(ctx, user, code); err != nil {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAEnabled, false, user.ID, "", factor, err, nil)
		return nil, err
	}

	_, first, err := e.store.EnableMFA(ctx, user.ID, enr.storeMethod(), e.now())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNoPendingSecret):
			return nil, ErrMFAEnrollmentNotStarted
		case errors.Is(err, store.ErrConflict):
			return nil, ErrMFAAlreadyEnabled
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrInvalidCredentials
		}
		return nil, e.logStoreErr("enable_mfa", err)
	}

	out := &MFAConfirmation{Factor: factor}
	if first {
		// The method is already enabled; failing here would leave the caller
		// unable to retry the confirmation.
		codes, err := e.generateRecoveryCodes(ctx, user.ID)
		if err != nil {
			e.logger.Error("authflow: recovery codes not generated for first mfa method",
				zap.String("user_id", user.ID), zap.Error(err))
			out.RecoveryCodesPending = true
		} else {
			out.RecoveryCodes = codes
		}
	}

	e.metricInc(MetricMFAEnabled)
	e.emitAudit(ctx, auditEventMFAEnabled, true, user.ID, "", factor, nil, kv("first", strconv.FormatBool(first)))
	return out, nil
}

// DisableMFA turns factor off after re-checking the password and bumps the
// token version. Disabling the last method destroys every recovery code.
func (e *Engine) DisableMFA(ctx context.Context, userID string, factor Factor, pw string) error {
	if err := e.ready(); err != nil {
		return err
	}
	enr, ok := e.enroller(factor)
	if !ok {
		return ErrMFAFactorUnavailable
	}
	user, err := e.reauthenticate(ctx, userID, pw)
	if err != nil {
		return err
	}

	_, last, err := e.store.DisableMFA(ctx, user.ID, enr.storeMethod(), e.now())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return ErrMFANotEnabled
		case errors.Is(err, store.ErrNotFound):
			return ErrInvalidCredentials
		}
		return e.logStoreErr("disable_mfa", err)
	}

	if last {
		n, err := e.store.DeleteRecoveryCodes(ctx, user.ID)
		if err != nil {
			return e.logStoreErr("delete_recovery_codes", err)
		}
		e.emitAudit(ctx, auditEventRecoveryCodesDestroyed, true, user.ID, "", FactorRecovery, nil, kv("count", strconv.Itoa(n)))
	}

	e.metricInc(MetricMFADisabled)
	e.emitAudit(ctx, auditEventMFADisabled, true, user.ID, "", factor, nil, kv("last", strconv.FormatBool(last)))
	return nil
}

// reauthenticate loads the user and checks pw. Wrong passwords count
// towards the same lockout as SignIn.
func (e *Engine) reauthenticate(ctx context.Context, userID, pw string) (store.User, error) {
	user, err := e.getUser(ctx, userID)
	if err != nil {
		return store.User{}, err
	}
	now := e.now()
	if user.LockedAt(now) {
		return store.User{}, &AccountLockedError{Until: user.LockedUntil}
	}
	ok, err := e.checkPassword(user, pw)
	if err != nil {
		return store.User{}, err
	}
	if !ok {
		if user.HasPassword() {
			if err := e.recordPasswordFailure(ctx, user, now); err != nil {
				return store.User{}, err
			}
		}
		return store.User{}, ErrInvalidCredentials
	}
	if err := e.resetPasswordFailures(ctx, user, now); err != nil {
		return store.User{}, err
	}
	return user, nil
}

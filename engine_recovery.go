package authflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	internalflows "github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/limiters"
	"github.com/MrEthical07/authflow/store"
)

// RegenerateRecoveryCodes replaces the user's batch after re-checking the
// password. The returned codes are shown once and never stored in plaintext.
func (e *Engine) RegenerateRecoveryCodes(ctx context.Context, userID, pw string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	user, err := e.reauthenticate(ctx, userID, pw)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled() {
		return nil, ErrMFANotEnabled
	}
	return e.generateRecoveryCodes(ctx, user.ID)
}

// RecoveryCodeStatus counts the user's current batch.
func (e *Engine) RecoveryCodeStatus(ctx context.Context, userID string) (*RecoveryCodeStatus, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	codes, err := e.store.ListRecoveryCodes(ctx, userID)
	if err != nil {
		return nil, e.logStoreErr("list_recovery_codes", err)
	}

	now := e.now()
	status := &RecoveryCodeStatus{Total: len(codes)}
	for _, c := range codes {
		switch {
		case c.Used:
			status.Used++
		case !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt):
			status.Expired++
		default:
			status.Remaining++
		}
	}
	return status, nil
}

// VerifyRecoveryCode consumes one recovery code outside of sign-in, for
// example to confirm a sensitive action.
func (e *Engine) VerifyRecoveryCode(ctx context.Context, userID, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.verifyRecoveryCode(ctx, userID, code)
}

func (e *Engine) verifyRecoveryCode(ctx context.Context, userID, code string) error {
	err := internalflows.RunVerifyRecoveryCode(ctx, userID, code, e.flows.Recovery)
	if errors.Is(err, ErrTooManyAttempts) {
		e.metricInc(MetricRecoveryCodeRateLimited)
	}
	return err
}

func (e *Engine) generateRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	codes, err := internalflows.RunGenerateRecoveryCodes(ctx, userID, e.flows.Recovery)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricRecoveryCodeRegenerated)
	e.emitAudit(ctx, auditEventRecoveryGenerated, true, userID, "", FactorRecovery, nil, nil)
	return codes, nil
}

func (e *Engine) recoveryFlowDeps() internalflows.RecoveryCodeDeps {
	cfg := e.config.Recovery
	return internalflows.RecoveryCodeDeps{
		Count:       cfg.Count,
		Groups:      cfg.Groups,
		GroupLength: cfg.GroupLength,
		TTL:         cfg.TTL,
		Now:         e.now,
		Replace: func(ctx context.Context, userID string, codes []store.RecoveryCode) error {
			if err := e.store.ReplaceRecoveryCodes(ctx, userID, codes); err != nil {
				return e.logStoreErr("replace_recovery_codes", err)
			}
			return nil
		},
		Consume: func(ctx context.Context, userID string, digest store.Digest, now time.Time) (store.RecoveryOutcome, error) {
			out, err := e.store.ConsumeRecoveryCode(ctx, userID, digest, now)
			if err != nil {
				return out, e.logStoreErr("consume_recovery_code", err)
			}
			return out, nil
		},
		CheckLimiter:         e.recoveryLimiter.Check,
		RecordLimiterFailure: e.recoveryLimiter.RecordFailure,
		ResetLimiter:         e.recoveryLimiter.Reset,
		IsRateLimited: func(err error) bool {
			limited := errors.Is(err, limiters.ErrRecoveryRateLimited)
			if !limited {
				e.logger.Error("authflow: recovery limiter failed", zap.Error(err))
			}
			return limited
		},
		OnUsed: func(ctx context.Context, userID string) {
			e.metricInc(MetricRecoveryCodeUsed)
			e.emitAudit(ctx, auditEventRecoveryCodeUsed, true, userID, "", FactorRecovery, nil, nil)
		},
		OnFailed: func(ctx context.Context, userID string, err error) {
			e.metricInc(MetricRecoveryCodeFailed)
			e.emitAudit(ctx, auditEventRecoveryCodeFailed, false, userID, "", FactorRecovery, err, nil)
		},
		Errors: internalflows.RecoveryCodeErrors{
			Unavailable: ErrStoreUnavailable,
			Invalid:     ErrRecoveryCodeNotFound,
			NotFound:    ErrRecoveryCodeNotFound,
			Used:        ErrRecoveryCodeUsed,
			RateLimited: ErrTooManyAttempts,
		},
	}
}

package authflow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	internalflows "github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/store"
)

// Authenticate verifies an access token and returns its principal.
//
// Failures are ErrTokenInvalid (bad signature or claims, unknown subject),
// ErrTokenExpired, ErrTokenRevoked (blacklisted) and ErrTokenInvalidated
// (the user's token version moved on). The last case blacklists the token;
// no other path writes.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricAuthenticateLatency, time.Since(start)) }()
	}

	res := internalflows.RunAuthenticate(ctx, accessToken, e.flows.Authenticate)
	switch res.Failure {
	case internalflows.AuthenticateFailureNone:
		e.metricInc(MetricAuthenticateSuccess)
		return &Principal{
			UserID:       res.User.ID,
			Email:        res.User.Email,
			JTI:          res.Claims.ID,
			TokenVersion: res.User.TokenVersion,
			ExpiresAt:    res.Claims.ExpiresAt.Time,
			MFAEnabled:   res.User.MFAEnabled(),
		}, nil
	case internalflows.AuthenticateFailureStore:
		e.metricInc(MetricAuthenticateFailure)
		return nil, e.logStoreErr("authenticate", res.Err)
	case internalflows.AuthenticateFailureVersionMismatch:
		e.metricInc(MetricAuthenticateFailure)
		e.metricInc(MetricTokenInvalidated)
		if res.Err != nil {
			e.logger.Warn("authflow: blacklist of invalidated token failed", zap.String("user_id", res.User.ID), zap.Error(res.Err))
		} else {
			e.metricInc(MetricBlacklistWrite)
		}
		e.emitAudit(ctx, auditEventTokenInvalidated, false, res.User.ID, "", "", ErrTokenInvalidated, kv(
			"token_version", strconv.FormatInt(res.Claims.Version, 10),
			"current_version", strconv.FormatInt(res.User.TokenVersion, 10),
		))
		return nil, ErrTokenInvalidated
	case internalflows.AuthenticateFailureExpired:
		e.metricInc(MetricAuthenticateFailure)
		return nil, ErrTokenExpired
	case internalflows.AuthenticateFailureRevoked:
		e.metricInc(MetricAuthenticateFailure)
		return nil, ErrTokenRevoked
	default:
		e.metricInc(MetricAuthenticateFailure)
		return nil, ErrTokenInvalid
	}
}

// Refresh exchanges a refresh token for a new pair. The superseded access
// token is blacklisted.
//
// Presenting a refresh token that was already rotated revokes its whole
// family, including the pair its first rotation produced, and returns
// ErrRefreshReuse. Every other refusal returns ErrRefreshInvalid.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	res := internalflows.RunRefresh(ctx, refreshToken, e.flows.Refresh)
	switch res.Failure {
	case internalflows.RefreshFailureNone:
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, auditEventRefreshSuccess, true, res.UserID, res.FamilyID, "", nil, kv(
			"generation", strconv.Itoa(res.Generation),
		))
		return &TokenPair{
			JTI:              res.JTI,
			FamilyID:         res.FamilyID,
			Generation:       res.Generation,
			AccessToken:      res.Pair.Access,
			AccessExpiresAt:  res.Pair.AccessExpiresAt,
			RefreshToken:     res.Pair.Refresh,
			RefreshExpiresAt: res.Pair.RefreshExpiresAt,
		}, nil

	case internalflows.RefreshFailureReuse:
		e.logger.Warn("authflow: refresh token reuse detected",
			zap.String("user_id", res.UserID),
			zap.String("family_id", res.FamilyID),
			zap.Int("generation", res.Generation),
			zap.String("jti", res.JTI),
		)
		if res.Err != nil {
			e.logger.Error("authflow: family revocation after reuse failed", zap.String("family_id", res.FamilyID), zap.Error(res.Err))
		} else {
			e.metricInc(MetricFamilyRevoked)
		}
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricRefreshReuseDetected)
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, res.UserID, res.FamilyID, "", ErrRefreshReuse, kv(
			"generation", strconv.Itoa(res.Generation),
		))
		return nil, ErrRefreshReuse

	case internalflows.RefreshFailureStore:
		e.metricInc(MetricRefreshFailure)
		return nil, e.logStoreErr("rotate_token", res.Err)

	case internalflows.RefreshFailureMint:
		e.metricInc(MetricRefreshFailure)
		e.logger.Error("authflow: mint token pair failed", zap.String("user_id", res.UserID), zap.Error(res.Err))
		return nil, ErrInternal

	case internalflows.RefreshFailureCeiling:
		e.metricInc(MetricRefreshCeilingReached)
	}

	e.metricInc(MetricRefreshFailure)
	e.emitAudit(ctx, auditEventRefreshInvalid, false, res.UserID, res.FamilyID, "", ErrRefreshInvalid, kv(
		"reason", refreshFailureReason(res.Failure),
	))
	return nil, ErrRefreshInvalid
}

func refreshFailureReason(kind internalflows.RefreshFailureKind) string {
	switch kind {
	case internalflows.RefreshFailureDecode:
		return "decode"
	case internalflows.RefreshFailureExpired, internalflows.RefreshFailureRecordExpired:
		return "expired"
	case internalflows.RefreshFailureUserNotFound:
		return "user_not_found"
	case internalflows.RefreshFailureVersionMismatch:
		return "version_mismatch"
	case internalflows.RefreshFailureNotFound:
		return "record_not_found"
	case internalflows.RefreshFailureRevoked:
		return "revoked"
	case internalflows.RefreshFailureCeiling:
		return "generation_ceiling"
	default:
		return "unknown"
	}
}

// IsValidForRotation reports whether the token record jti may still be
// rotated. Finding that it already has a child is treated as reuse: the
// family is revoked before false is returned.
func (e *Engine) IsValidForRotation(ctx context.Context, jti string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	rec, err := e.store.GetTokenRecord(ctx, jti)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, e.logStoreErr("get_token_record", err)
	}

	hasChild, err := e.store.HasChild(ctx, jti)
	if err != nil {
		return false, e.logStoreErr("has_child", err)
	}
	if hasChild {
		e.logger.Warn("authflow: rotation check found reused token",
			zap.String("user_id", rec.UserID),
			zap.String("family_id", rec.FamilyID),
			zap.Int("generation", rec.Generation),
		)
		if err := e.revokeFamily(ctx, rec.FamilyID, store.ReasonFamilyRevoked); err != nil {
			return false, err
		}
		e.metricInc(MetricRefreshReuseDetected)
		e.metricInc(MetricFamilyRevoked)
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, rec.UserID, rec.FamilyID, "", ErrRefreshReuse, nil)
		return false, nil
	}

	switch {
	case rec.Revoked:
		return false, nil
	case rec.Generation >= e.config.Tokens.MaxGeneration:
		return false, nil
	case !e.now().Before(rec.RefreshExpiresAt):
		return false, nil
	}
	return true, nil
}

// RevokeTokenFamily revokes every record of familyID and blacklists their
// live tokens.
func (e *Engine) RevokeTokenFamily(ctx context.Context, familyID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.revokeFamily(ctx, familyID, store.ReasonFamilyRevoked); err != nil {
		return err
	}
	e.metricInc(MetricFamilyRevoked)
	e.emitAudit(ctx, auditEventFamilyRevoked, true, "", familyID, "", nil, nil)
	return nil
}

// Logout blacklists accessToken. With revokeFamily the refresh family the
// token belongs to is revoked as well. Logging out twice is not an error.
func (e *Engine) Logout(ctx context.Context, accessToken string, revokeFamily bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	res := internalflows.RunLogout(ctx, accessToken, revokeFamily, e.flows.Logout)
	if res.Invalid {
		if errors.Is(res.Err, jwt.ErrExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	if res.Err != nil {
		return e.logStoreErr("logout", res.Err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricBlacklistWrite)
	e.emitAudit(ctx, auditEventLogout, true, res.UserID, res.FamilyID, "", nil, kv(
		"revoke_family", strconv.FormatBool(revokeFamily),
	))
	return nil
}

// LogoutAll signs the user out everywhere: the token version is bumped,
// so every outstanding access token fails Authenticate, and every refresh
// family is revoked.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if _, err := e.store.BumpTokenVersion(ctx, userID, e.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return e.logStoreErr("bump_token_version", err)
	}
	if err := e.revokeUserTokens(ctx, userID, store.ReasonLogout); err != nil {
		return err
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", "", nil, nil)
	return nil
}

// ChangePassword replaces the password after checking the current one. The
// token version is bumped and every family revoked, so all sessions,
// including the caller's, must sign in again.
func (e *Engine) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if _, err := e.reauthenticate(ctx, userID, current); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			e.metricInc(MetricPasswordChangeInvalidOld)
		}
		e.emitAudit(ctx, auditEventPasswordChange, false, userID, "", "", err, nil)
		return err
	}
	if current == next {
		e.emitAudit(ctx, auditEventPasswordChange, false, userID, "", "", ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	hash, err := e.hashPassword(next)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordChange, false, userID, "", "", err, nil)
		return err
	}
	if _, err := e.store.UpdatePasswordHash(ctx, userID, hash, e.now()); err != nil {
		return e.logStoreErr("update_password_hash", err)
	}
	if err := e.revokeUserTokens(ctx, userID, store.ReasonPasswordChanged); err != nil {
		return err
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChange, true, userID, "", "", nil, nil)
	return nil
}

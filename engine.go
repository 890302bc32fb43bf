package authflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	internalaudit "github.com/MrEthical07/authflow/internal/audit"
	internalflows "github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/limiters"
	"github.com/MrEthical07/authflow/internal/secretbox"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/password"
	"github.com/MrEthical07/authflow/store"
)

// Engine drives sign-in, MFA and the token lifecycle on top of a store.Store.
//
// Engine instances are built once by Builder and are safe for concurrent use.
// Every piece of state needed to resume a flow lives in the store or in a
// signed state token.
type Engine struct {
	config          Config
	store           store.Store
	tokens          *jwt.Manager
	hasher          password.Hasher
	totp            *totpManager
	secrets         *secretbox.Box
	mailer          Mailer
	social          SocialVerifier
	recoveryLimiter *limiters.RecoveryLimiter
	audit           *internalaudit.Dispatcher
	metrics         *Metrics
	logger          *zap.Logger
	now             func() time.Time
	newID           func() string
	flows           internalflows.Deps
	methods         map[Factor]mfaMethod
}

// Close flushes and stops the audit dispatcher. The store is owned by the
// caller and stays open.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

// AuditDropped returns the number of audit events that never reached the
// sink, either for a full buffer or a cancelled context.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditDroppedByType breaks AuditDropped down by event type. Reuse detection,
// family revocation and the other account-wide events are never dropped for
// a full buffer.
func (e *Engine) AuditDroppedByType() map[string]uint64 {
	if e == nil {
		return map[string]uint64{}
	}
	return e.audit.DroppedByType()
}

// MetricsSnapshot returns a copy of every counter.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Purge removes expired blacklist entries, token records, challenges and
// attempt counters. It is storage hygiene only; expired rows are already
// ignored by every read path.
func (e *Engine) Purge(ctx context.Context) (store.PurgeStats, error) {
	if err := e.ready(); err != nil {
		return store.PurgeStats{}, err
	}
	stats, err := e.store.Purge(ctx, e.now())
	if err != nil {
		return store.PurgeStats{}, e.logStoreErr("purge", err)
	}
	e.logger.Info("authflow: purge finished",
		zap.Int("blacklist", stats.Blacklist),
		zap.Int("token_records", stats.TokenRecords),
		zap.Int("challenges", stats.Challenges),
		zap.Int("attempts", stats.Attempts),
	)
	return stats, nil
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.tokens == nil || e.hasher == nil {
		return ErrEngineNotReady
	}
	return nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// logStoreErr logs a backend failure with detail and returns the generic
// error callers see.
func (e *Engine) logStoreErr(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	e.logger.Error("authflow: store operation failed", zap.String("op", op), zap.Error(err))
	return ErrStoreUnavailable
}

func (e *Engine) getUser(ctx context.Context, userID string) (store.User, error) {
	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, e.logStoreErr("get_user", err)
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// dummyVerify spends the cost of one password verification so a missing
// account answers as slowly as a wrong password.
func (e *Engine) dummyVerify(pw string) {
	if d, ok := e.hasher.(interface{ VerifyDummy(string) }); ok {
		d.VerifyDummy(pw)
	}
}

// checkPassword reports whether pw matches the user's hash. Password-less
// users never match.
func (e *Engine) checkPassword(user store.User, pw string) (bool, error) {
	if !user.HasPassword() {
		e.dummyVerify(pw)
		return false, nil
	}
	ok, err := e.hasher.Verify(pw, user.PasswordHash)
	if err != nil {
		if errors.Is(err, password.ErrTooLong) {
			return false, nil
		}
		e.logger.Error("authflow: password verification failed", zap.String("user_id", user.ID), zap.Error(err))
		return false, ErrInternal
	}
	return ok, nil
}

func (e *Engine) hashPassword(pw string) (string, error) {
	hash, err := e.hasher.Hash(pw)
	if err != nil {
		if errors.Is(err, password.ErrTooShort) || errors.Is(err, password.ErrTooLong) {
			return "", ErrPasswordPolicy
		}
		e.logger.Error("authflow: password hashing failed", zap.Error(err))
		return "", ErrInternal
	}
	return hash, nil
}

// issue mints a pair for user and records it as generation 0 of a new family.
func (e *Engine) issue(ctx context.Context, user store.User) (*TokenPair, error) {
	jti := e.newID()
	familyID := e.newID()

	pair, err := e.tokens.MintPair(user.ID, jti, user.TokenVersion, e.config.Tokens.AccessTTL, e.config.Tokens.RefreshTTL)
	if err != nil {
		e.logger.Error("authflow: mint token pair failed", zap.String("user_id", user.ID), zap.Error(err))
		return nil, ErrInternal
	}

	rec := store.TokenRecord{
		JTI:              jti,
		FamilyID:         familyID,
		UserID:           user.ID,
		Generation:       0,
		AccessDigest:     store.DigestToken(pair.Access),
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshDigest:    store.DigestToken(pair.Refresh),
		RefreshExpiresAt: pair.RefreshExpiresAt,
		CreatedAt:        e.now(),
	}
	if err := e.store.CreateTokenRecord(ctx, rec); err != nil {
		return nil, e.logStoreErr("create_token_record", err)
	}

	return &TokenPair{
		JTI:              jti,
		FamilyID:         familyID,
		Generation:       0,
		AccessToken:      pair.Access,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshToken:     pair.Refresh,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}, nil
}

// blacklistRecords writes entries for every still-live token of recs.
func (e *Engine) blacklistRecords(ctx context.Context, recs []store.TokenRecord, reason string) error {
	now := e.now()
	for _, rec := range recs {
		live := [...]struct {
			digest store.Digest
			exp    time.Time
		}{
			{rec.AccessDigest, rec.AccessExpiresAt},
			{rec.RefreshDigest, rec.RefreshExpiresAt},
		}
		for _, tok := range live {
			if tok.digest.IsZero() || !now.Before(tok.exp) {
				continue
			}
			entry := store.BlacklistEntry{Digest: tok.digest, Reason: reason, ExpiresAt: tok.exp}
			if _, err := e.store.AddToBlacklist(ctx, entry, now); err != nil {
				return e.logStoreErr("blacklist", err)
			}
			e.metricInc(MetricBlacklistWrite)
		}
	}
	return nil
}

// revokeFamily marks every member of familyID revoked and blacklists their
// live tokens.
func (e *Engine) revokeFamily(ctx context.Context, familyID, reason string) error {
	recs, err := e.store.RevokeFamily(ctx, familyID)
	if err != nil {
		return e.logStoreErr("revoke_family", err)
	}
	return e.blacklistRecords(ctx, recs, reason)
}

func (e *Engine) revokeUserTokens(ctx context.Context, userID, reason string) error {
	recs, err := e.store.RevokeUserTokens(ctx, userID)
	if err != nil {
		return e.logStoreErr("revoke_user_tokens", err)
	}
	return e.blacklistRecords(ctx, recs, reason)
}

func (e *Engine) buildFlowDeps() internalflows.Deps {
	cfg := e.config
	return internalflows.Deps{
		Refresh: internalflows.RefreshDeps{
			Now:          e.now,
			ParseRefresh: e.tokens.ParseRefresh,
			GetUser:      e.store.GetUserByID,
			NewJTI:       e.newID,
			MintPair: func(userID, jti string, version int64) (jwt.Pair, error) {
				return e.tokens.MintPair(userID, jti, version, cfg.Tokens.AccessTTL, cfg.Tokens.RefreshTTL)
			},
			Rotate: e.store.RotateTokenRecord,
			BlacklistSelf: func(ctx context.Context, rec store.TokenRecord) error {
				rec.RefreshDigest = store.Digest{}
				return e.blacklistRecords(ctx, []store.TokenRecord{rec}, store.ReasonRotated)
			},
			RevokeFamily: func(ctx context.Context, familyID string) error {
				return e.revokeFamily(ctx, familyID, store.ReasonFamilyRevoked)
			},
			MaxGeneration: cfg.Tokens.MaxGeneration,
			Warn: func(msg string, keysAndValues ...any) {
				e.logger.Sugar().Warnw(msg, keysAndValues...)
			},
		},
		Authenticate: internalflows.AuthenticateDeps{
			Now:           e.now,
			ParseAccess:   e.tokens.ParseAccess,
			IsBlacklisted: e.store.IsBlacklisted,
			GetUser:       e.store.GetUserByID,
			Blacklist:     e.store.AddToBlacklist,
		},
		Logout: internalflows.LogoutDeps{
			Now:            e.now,
			ParseAccess:    e.tokens.ParseAccess,
			Blacklist:      e.store.AddToBlacklist,
			GetTokenRecord: e.store.GetTokenRecord,
			RevokeFamily: func(ctx context.Context, familyID string) error {
				return e.revokeFamily(ctx, familyID, store.ReasonLogout)
			},
		},
		Recovery: e.recoveryFlowDeps(),
	}
}

package authflow

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/store"
)

// Register creates a password account and returns its id. The email is
// trimmed and lower-cased before it is stored.
func (e *Engine) Register(ctx context.Context, email, pw string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	addr := normalizeEmail(email)
	if _, err := mail.ParseAddress(addr); err != nil || strings.ContainsAny(addr, " <>") {
		return "", ErrInvalidEmail
	}

	hash, err := e.hashPassword(pw)
	if err != nil {
		return "", err
	}

	user, err := e.store.CreateUser(ctx, store.NewUser{
		ID:           e.newID(),
		Email:        addr,
		PasswordHash: hash,
		CreatedAt:    e.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.metricInc(MetricAccountDuplicate)
			e.emitAudit(ctx, auditEventAccountCreated, false, "", "", "", ErrAccountExists, nil)
			return "", ErrAccountExists
		}
		return "", e.logStoreErr("create_user", err)
	}

	e.metricInc(MetricAccountCreated)
	e.emitAudit(ctx, auditEventAccountCreated, true, user.ID, "", "", nil, nil)
	return user.ID, nil
}

// SignIn checks an email and password. With no MFA method enabled the
// result is Complete and carries tokens; otherwise it carries a state token
// and the factors the caller may submit to VerifyFactor.
//
// An unknown email and a wrong password both return ErrInvalidCredentials.
// A locked account returns *AccountLockedError whether or not the password
// is correct.
func (e *Engine) SignIn(ctx context.Context, email, pw string) (*SignInResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.now()

	user, err := e.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, e.logStoreErr("get_user_by_email", err)
		}
		e.dummyVerify(pw)
		return nil, e.signInFailed(ctx, "", ErrInvalidCredentials)
	}

	if user.LockedAt(now) {
		return nil, e.signInLocked(ctx, user)
	}

	ok, err := e.checkPassword(user, pw)
	if err != nil {
		return nil, err
	}
	if !ok {
		if !user.HasPassword() {
			return nil, e.signInFailed(ctx, user.ID, ErrInvalidCredentials)
		}
		if err := e.recordPasswordFailure(ctx, user, now); err != nil {
			return nil, err
		}
		return nil, e.signInFailed(ctx, user.ID, ErrInvalidCredentials)
	}

	if err := e.resetPasswordFailures(ctx, user, now); err != nil {
		return nil, err
	}
	return e.completePrimary(ctx, user, "password")
}

// recordPasswordFailure counts a wrong password against the lockout policy.
// Sign-in and every password re-check share the counter.
func (e *Engine) recordPasswordFailure(ctx context.Context, user store.User, now time.Time) error {
	updated, err := e.store.RecordSignInFailure(ctx, user.ID, store.LockoutPolicy{
		Threshold: e.config.SignIn.LockoutThreshold,
		Duration:  e.config.SignIn.LockoutDuration,
	}, now)
	if err != nil {
		return e.logStoreErr("record_signin_failure", err)
	}
	if updated.LockedAt(now) {
		e.metricInc(MetricAccountLocked)
		e.logger.Info("authflow: account locked",
			zap.String("user_id", user.ID),
			zap.Time("locked_until", updated.LockedUntil),
		)
		e.emitAudit(ctx, auditEventSignInLocked, false, user.ID, "", "", ErrAccountLocked, kv("locked_until", unixString(updated.LockedUntil)))
	}
	return nil
}

func (e *Engine) resetPasswordFailures(ctx context.Context, user store.User, now time.Time) error {
	if user.FailedSignIns == 0 {
		return nil
	}
	if err := e.store.ResetSignInFailures(ctx, user.ID, now); err != nil {
		return e.logStoreErr("reset_signin_failures", err)
	}
	return nil
}

// SignInWithProvider treats a verified social identity as a successful
// primary credential check. The identity must carry a verified email that
// matches an account, unless SignIn.AutoRegisterSocial creates one.
func (e *Engine) SignInWithProvider(ctx context.Context, provider, providerToken string) (*SignInResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.social == nil {
		return nil, ErrProviderUnavailable
	}

	identity, err := e.social.VerifyProviderToken(ctx, provider, providerToken)
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) {
			e.logger.Warn("authflow: identity provider unavailable", zap.String("provider", provider), zap.Error(err))
			return nil, ErrProviderUnavailable
		}
		return nil, e.signInFailed(ctx, "", ErrInvalidCredentials)
	}
	addr := normalizeEmail(identity.Email)
	if !identity.EmailVerified || addr == "" {
		return nil, e.signInFailed(ctx, "", ErrInvalidCredentials)
	}

	user, err := e.store.GetUserByEmail(ctx, addr)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !e.config.SignIn.AutoRegisterSocial {
			return nil, e.signInFailed(ctx, "", ErrInvalidCredentials)
		}
		user, err = e.store.CreateUser(ctx, store.NewUser{
			ID:            e.newID(),
			Email:         addr,
			EmailVerified: true,
			CreatedAt:     e.now(),
		})
		created := err == nil
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with a concurrent first sign-in.
			user, err = e.store.GetUserByEmail(ctx, addr)
		}
		if err != nil {
			return nil, e.logStoreErr("create_social_user", err)
		}
		if created {
			e.metricInc(MetricAccountCreated)
			e.emitAudit(ctx, auditEventAccountCreated, true, user.ID, "", "", nil, kv("provider", identity.Provider))
		}
	case err != nil:
		return nil, e.logStoreErr("get_user_by_email", err)
	}

	if user.LockedAt(e.now()) {
		return nil, e.signInLocked(ctx, user)
	}

	e.metricInc(MetricSocialSignIn)
	e.emitAudit(ctx, auditEventSocialSignIn, true, user.ID, "", "", nil, kv("provider", provider))
	return e.completePrimary(ctx, user, "provider:"+provider)
}

// ChallengeFactor asks the factor behind stateToken to prepare a code. Only
// email sends anything; TOTP and recovery codes need no server action. The
// state token is not consumed.
func (e *Engine) ChallengeFactor(ctx context.Context, stateToken string, factor Factor) error {
	if err := e.ready(); err != nil {
		return err
	}
	state, user, err := e.loadSignInState(ctx, stateToken)
	if err != nil {
		return err
	}
	if !state.allows(factor) {
		return ErrMFAFactorUnavailable
	}
	method, ok := e.methods[factor]
	if !ok {
		return ErrMFAFactorUnavailable
	}
	return method.challenge(ctx, user)
}

// VerifyFactor submits a code for one factor of an in-flight sign-in. The
// state token is consumed only when the code is accepted; a second call with
// the same state token fails with ErrSignInStateInvalid.
//
// A recovery code completes the sign-in on its own. Otherwise the sign-in
// completes once MFA.RequiredFactors distinct factors (capped by the number
// captured) are satisfied, and until then a new FactorSatisfied state token
// is returned.
func (e *Engine) VerifyFactor(ctx context.Context, stateToken string, factor Factor, code string) (*SignInResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	state, user, err := e.loadSignInState(ctx, stateToken)
	if err != nil {
		return nil, err
	}
	if !state.allows(factor) {
		return nil, ErrMFAFactorUnavailable
	}
	method, ok := e.methods[factor]
	if !ok {
		return nil, ErrMFAFactorUnavailable
	}

	if err := method.verify(ctx, user, code); err != nil {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, user.ID, "", factor, err, nil)
		return nil, err
	}

	added, err := e.store.AddToBlacklist(ctx, store.BlacklistEntry{
		Digest:    state.digest,
		Reason:    store.ReasonStateConsumed,
		ExpiresAt: state.expiresAt,
	}, e.now())
	if err != nil {
		return nil, e.logStoreErr("consume_state_token", err)
	}
	if !added {
		e.metricInc(MetricStateTokenReplay)
		e.emitAudit(ctx, auditEventStateTokenReplay, false, user.ID, "", factor, ErrSignInStateInvalid, nil)
		return nil, ErrSignInStateInvalid
	}

	if factor == FactorRecovery {
		return e.finishSignIn(ctx, user, factor)
	}

	satisfied := append(append([]Factor(nil), state.satisfied...), factor)
	required := e.config.MFA.RequiredFactors
	if required > len(state.captured) {
		required = len(state.captured)
	}
	if len(satisfied) >= required {
		return e.finishSignIn(ctx, user, factor)
	}

	e.emitAudit(ctx, auditEventMFASuccess, true, user.ID, "", factor, nil, kv("stage", StageFactorSatisfied.String()))
	return e.mintSignInState(user, StageFactorSatisfied, state.captured, satisfied)
}

// completePrimary is the transition out of Unauthenticated.
func (e *Engine) completePrimary(ctx context.Context, user store.User, via string) (*SignInResult, error) {
	factors := enabledFactors(user)
	if len(factors) == 0 {
		pair, err := e.issue(ctx, user)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricSignInSuccess)
		e.emitAudit(ctx, auditEventSignInSuccess, true, user.ID, pair.FamilyID, "", nil, kv("method", via))
		return &SignInResult{UserID: user.ID, Stage: StageComplete, Tokens: pair}, nil
	}

	res, err := e.mintSignInState(user, StagePrimaryVerified, factors, nil)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricMFARequired)
	e.emitAudit(ctx, auditEventMFARequired, true, user.ID, "", "", nil, kv("method", via))
	return res, nil
}

func (e *Engine) finishSignIn(ctx context.Context, user store.User, factor Factor) (*SignInResult, error) {
	pair, err := e.issue(ctx, user)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricMFASuccess)
	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, user.ID, pair.FamilyID, factor, nil, kv("stage", StageComplete.String()))
	return &SignInResult{UserID: user.ID, Stage: StageComplete, Tokens: pair}, nil
}

func (e *Engine) signInFailed(ctx context.Context, userID string, err error) error {
	e.metricInc(MetricSignInFailure)
	e.emitAudit(ctx, auditEventSignInFailure, false, userID, "", "", err, nil)
	return err
}

func (e *Engine) signInLocked(ctx context.Context, user store.User) error {
	lockErr := &AccountLockedError{Until: user.LockedUntil}
	e.metricInc(MetricSignInLocked)
	e.emitAudit(ctx, auditEventSignInLocked, false, user.ID, "", "", lockErr, kv("locked_until", unixString(user.LockedUntil)))
	return lockErr
}

/*
====================================
SIGN-IN STATE TOKEN
====================================
*/

// signInState is a verified, not yet consumed state token.
type signInState struct {
	stage     SignInStage
	captured  []Factor
	satisfied []Factor
	digest    store.Digest
	expiresAt time.Time
}

// allows reports whether factor may be submitted. The captured set is never
// recomputed from the current user row.
func (s signInState) allows(factor Factor) bool {
	if len(s.captured) == 0 {
		return false
	}
	if factor == FactorRecovery {
		return true
	}
	return containsFactor(s.captured, factor) && !containsFactor(s.satisfied, factor)
}

func (e *Engine) mintSignInState(user store.User, stage SignInStage, captured, satisfied []Factor) (*SignInResult, error) {
	claims := jwt.StateClaims{
		Stage:     uint8(stage),
		Factors:   factorStrings(captured),
		Satisfied: factorStrings(satisfied),
		Version:   user.TokenVersion,
	}
	claims.Subject = user.ID
	claims.ID = e.newID()

	token, exp, err := e.tokens.MintState(claims, e.config.Tokens.StateTTL)
	if err != nil {
		e.logger.Error("authflow: mint state token failed", zap.String("user_id", user.ID), zap.Error(err))
		return nil, ErrInternal
	}

	offered := make([]Factor, 0, len(captured)+1)
	for _, f := range captured {
		if !containsFactor(satisfied, f) {
			offered = append(offered, f)
		}
	}
	offered = append(offered, FactorRecovery)

	return &SignInResult{
		UserID:         user.ID,
		Stage:          stage,
		StateToken:     token,
		StateExpiresAt: exp,
		Factors:        offered,
	}, nil
}

// loadSignInState verifies the state token, that it was not consumed, and
// that the user's token version has not moved since it was minted.
func (e *Engine) loadSignInState(ctx context.Context, token string) (signInState, store.User, error) {
	claims, err := e.tokens.ParseState(token)
	if err != nil {
		return signInState{}, store.User{}, ErrSignInStateInvalid
	}
	stage := SignInStage(claims.Stage)
	if stage != StagePrimaryVerified && stage != StageFactorSatisfied {
		return signInState{}, store.User{}, ErrSignInStateInvalid
	}

	user, err := e.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return signInState{}, store.User{}, ErrSignInStateInvalid
		}
		return signInState{}, store.User{}, e.logStoreErr("get_user", err)
	}
	if user.TokenVersion != claims.Version {
		return signInState{}, store.User{}, ErrSignInStateInvalid
	}

	digest := store.DigestToken(token)
	consumed, err := e.store.IsBlacklisted(ctx, digest, e.now())
	if err != nil {
		return signInState{}, store.User{}, e.logStoreErr("is_blacklisted", err)
	}
	if consumed {
		e.metricInc(MetricStateTokenReplay)
		return signInState{}, store.User{}, ErrSignInStateInvalid
	}

	return signInState{
		stage:     stage,
		captured:  parseFactors(claims.Factors),
		satisfied: parseFactors(claims.Satisfied),
		digest:    digest,
		expiresAt: claims.ExpiresAt.Time,
	}, user, nil
}

func containsFactor(set []Factor, f Factor) bool {
	for _, s := range set {
		if s == f {
			return true
		}
	}
	return false
}

func factorStrings(fs []Factor) []string {
	if len(fs) == 0 {
		return nil
	}
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}

// parseFactors keeps only enrollable factors; anything else in a token is ignored.
func parseFactors(ss []string) []Factor {
	out := make([]Factor, 0, len(ss))
	for _, s := range ss {
		switch f := Factor(s); f {
		case FactorTOTP, FactorEmail:
			if !containsFactor(out, f) {
				out = append(out, f)
			}
		}
	}
	return out
}

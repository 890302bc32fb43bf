package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/internal"
	"github.com/MrEthical07/authflow/store"
)

const (
	challengePurposeSignIn = "signin"
	challengePurposeEnroll = "enroll"
)

// mfaMethod is one second factor. The orchestrator dispatches on Factor and
// never inspects the concrete type.
type mfaMethod interface {
	factor() Factor
	// challenge prepares a code for sign-in. Methods whose codes exist
	// without server action return nil.
	challenge(ctx context.Context, user store.User) error
	verify(ctx context.Context, user store.User, code string) error
}

// mfaEnroller is a method that can be turned on and off per user.
type mfaEnroller interface {
	mfaMethod
	storeMethod() store.Method
	begin(ctx context.Context, user store.User) (*MFAEnrollment, error)
	confirm(ctx context.Context, user store.User, code string) error
}

func newMFAMethods(e *Engine) map[Factor]mfaMethod {
	return map[Factor]mfaMethod{
		FactorTOTP:     totpMethod{e: e},
		FactorEmail:    emailMethod{e: e},
		FactorRecovery: recoveryMethod{e: e},
	}
}

func (e *Engine) enroller(f Factor) (mfaEnroller, bool) {
	m, ok := e.methods[f]
	if !ok {
		return nil, false
	}
	enr, ok := m.(mfaEnroller)
	return enr, ok
}

// enabledFactors lists the enrollable factors active on user in a fixed order.
func enabledFactors(user store.User) []Factor {
	var out []Factor
	if user.TOTPEnabled {
		out = append(out, FactorTOTP)
	}
	if user.EmailMFAEnabled {
		out = append(out, FactorEmail)
	}
	return out
}

/*
====================================
TOTP
====================================
*/

type totpMethod struct{ e *Engine }

func (totpMethod) factor() Factor                              { return FactorTOTP }
func (totpMethod) storeMethod() store.Method                   { return store.MethodTOTP }
func (totpMethod) challenge(context.Context, store.User) error { return nil }

func (m totpMethod) verify(ctx context.Context, user store.User, code string) error {
	if !user.TOTPEnabled {
		return ErrMFAFactorUnavailable
	}
	return m.check(ctx, user, code)
}

func (m totpMethod) begin(ctx context.Context, user store.User) (*MFAEnrollment, error) {
	e := m.e
	raw, b32, err := e.totp.generateSecret()
	if err != nil {
		e.logger.Error("authflow: totp secret generation failed", zap.Error(err))
		return nil, ErrInternal
	}
	sealed, err := e.secrets.Seal(raw, []byte(user.ID))
	if err != nil {
		e.logger.Error("authflow: totp secret sealing failed", zap.Error(err))
		return nil, ErrInternal
	}
	if err := e.store.SetPendingTOTPSecret(ctx, user.ID, sealed, e.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrMFAAlreadyEnabled
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, e.logStoreErr("set_pending_totp_secret", err)
	}
	return &MFAEnrollment{
		Factor:          FactorTOTP,
		Secret:          b32,
		ProvisioningURI: e.totp.provisionURI(b32, user.Email),
	}, nil
}

func (m totpMethod) confirm(ctx context.Context, user store.User, code string) error {
	if len(user.TOTPSecret) == 0 {
		return ErrMFAEnrollmentNotStarted
	}
	return m.check(ctx, user, code)
}

// check verifies code and advances the stored counter so the same step is
// never accepted twice.
func (m totpMethod) check(ctx context.Context, user store.User, code string) error {
	e := m.e
	secret, err := e.secrets.Open(user.TOTPSecret, []byte(user.ID))
	if err != nil {
		e.logger.Error("authflow: totp secret unreadable", zap.String("user_id", user.ID), zap.Error(err))
		return ErrInternal
	}
	counter, ok := e.totp.verify(secret, code, e.now())
	if !ok {
		return ErrInvalidMFACode
	}
	advanced, err := e.store.AdvanceTOTPCounter(ctx, user.ID, counter)
	if err != nil {
		return e.logStoreErr("advance_totp_counter", err)
	}
	if !advanced {
		e.metricInc(MetricTOTPReplay)
		return ErrInvalidMFACode
	}
	return nil
}

/*
====================================
EMAIL
====================================
*/

type emailMethod struct{ e *Engine }

func (emailMethod) factor() Factor            { return FactorEmail }
func (emailMethod) storeMethod() store.Method { return store.MethodEmail }

func (m emailMethod) challenge(ctx context.Context, user store.User) error {
	return m.e.sendEmailChallenge(ctx, user, challengePurposeSignIn)
}

func (m emailMethod) verify(ctx context.Context, user store.User, code string) error {
	if !user.EmailMFAEnabled {
		return ErrMFAFactorUnavailable
	}
	return m.e.consumeEmailChallenge(ctx, user, challengePurposeSignIn, code)
}

func (m emailMethod) begin(ctx context.Context, user store.User) (*MFAEnrollment, error) {
	if err := m.e.sendEmailChallenge(ctx, user, challengePurposeEnroll); err != nil {
		return nil, err
	}
	return &MFAEnrollment{Factor: FactorEmail, ChallengeSentTo: user.Email}, nil
}

func (m emailMethod) confirm(ctx context.Context, user store.User, code string) error {
	return m.e.consumeEmailChallenge(ctx, user, challengePurposeEnroll, code)
}

func emailCodeDigest(userID, purpose, code string) store.Digest {
	return store.DigestToken(userID + "\x00" + purpose + "\x00" + code)
}

// sendEmailChallenge stores a fresh code for (user, purpose) and mails it.
// A resend inside the cooldown leaves the live challenge untouched.
func (e *Engine) sendEmailChallenge(ctx context.Context, user store.User, purpose string) error {
	if e.mailer == nil {
		return ErrMFAFactorUnavailable
	}
	cfg := e.config.EmailChallenge

	code, err := internal.NewOTP(cfg.CodeDigits)
	if err != nil {
		e.logger.Error("authflow: email code generation failed", zap.Error(err))
		return ErrInternal
	}

	now := e.now()
	ch := store.EmailChallenge{
		UserID:          user.ID,
		Purpose:         purpose,
		CodeDigest:      emailCodeDigest(user.ID, purpose, code),
		ExpiresAt:       now.Add(cfg.TTL),
		LastRequestedAt: now,
	}
	if err := e.store.PutChallenge(ctx, ch, cfg.ResendCooldown, now); err != nil {
		if errors.Is(err, store.ErrCooldown) {
			e.metricInc(MetricEmailChallengeRateLimited)
			return ErrChallengeRateLimited
		}
		return e.logStoreErr("put_challenge", err)
	}

	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(cfg.TTL.Minutes()))
	if err := e.mailer.Send(ctx, user.Email, cfg.Subject, body); err != nil {
		e.logger.Warn("authflow: email delivery failed",
			zap.String("user_id", user.ID),
			zap.String("purpose", purpose),
			zap.Error(err),
		)
		if derr := e.store.DeleteChallenge(ctx, user.ID, purpose); derr != nil {
			e.logger.Warn("authflow: undelivered challenge not removed", zap.String("user_id", user.ID), zap.Error(derr))
		}
		return ErrEmailDelivery
	}

	e.metricInc(MetricEmailChallengeSent)
	e.emitAudit(ctx, auditEventEmailChallengeSent, true, user.ID, "", FactorEmail, nil, kv("purpose", purpose))
	return nil
}

func (e *Engine) consumeEmailChallenge(ctx context.Context, user store.User, purpose, code string) error {
	out, err := e.store.ConsumeChallenge(ctx, store.ConsumeRequest{
		UserID:      user.ID,
		Purpose:     purpose,
		CodeDigest:  emailCodeDigest(user.ID, purpose, strings.TrimSpace(code)),
		MaxAttempts: e.config.EmailChallenge.MaxAttempts,
		Now:         e.now(),
	})
	if err != nil {
		return e.logStoreErr("consume_challenge", err)
	}
	switch out {
	case store.ChallengeVerified:
		return nil
	case store.ChallengeAttemptsExceeded:
		e.metricInc(MetricEmailChallengeAttemptsExceeded)
		return ErrTooManyAttempts
	default:
		return ErrInvalidMFACode
	}
}

/*
====================================
RECOVERY CODES
====================================
*/

type recoveryMethod struct{ e *Engine }

func (recoveryMethod) factor() Factor                              { return FactorRecovery }
func (recoveryMethod) challenge(context.Context, store.User) error { return nil }

func (m recoveryMethod) verify(ctx context.Context, user store.User, code string) error {
	return m.e.verifyRecoveryCode(ctx, user.ID, code)
}

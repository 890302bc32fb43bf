package authflow

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	internalaudit "github.com/MrEthical07/authflow/internal/audit"
)

// Factor names a second factor offered during sign-in.
type Factor string

const (
	FactorTOTP  Factor = "totp"
	FactorEmail Factor = "email"
	// FactorRecovery is accepted whenever any factor is required, and
	// satisfies the whole requirement on its own.
	FactorRecovery Factor = "recovery"
)

// SignInStage is the stage recorded in a sign-in state token.
type SignInStage uint8

const (
	StageComplete        SignInStage = 0
	StagePrimaryVerified SignInStage = 1
	StageFactorSatisfied SignInStage = 2
)

func (s SignInStage) String() string {
	switch s {
	case StageComplete:
		return "complete"
	case StagePrimaryVerified:
		return "primary_verified"
	case StageFactorSatisfied:
		return "factor_satisfied"
	default:
		return "unknown"
	}
}

// TokenPair is an access/refresh pair sharing one JTI.
type TokenPair struct {
	JTI              string
	FamilyID         string
	Generation       int
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// SignInResult is either Complete with Tokens set, or carries a state token
// and the factors the caller may submit next.
type SignInResult struct {
	UserID         string
	Stage          SignInStage
	Tokens         *TokenPair
	StateToken     string
	StateExpiresAt time.Time
	Factors        []Factor
}

// Complete reports whether tokens were issued.
func (r *SignInResult) Complete() bool {
	return r != nil && r.Stage == StageComplete && r.Tokens != nil
}

// Principal is the authenticated subject of an access token.
type Principal struct {
	UserID       string
	Email        string
	JTI          string
	TokenVersion int64
	ExpiresAt    time.Time
	MFAEnabled   bool
}

// MFAEnrollment is returned by EnableMFA. Secret and ProvisioningURI are set
// for TOTP; for email a code was sent to ChallengeSentTo.
type MFAEnrollment struct {
	Factor          Factor
	Secret          string
	ProvisioningURI string
	ChallengeSentTo string
}

// MFAConfirmation is returned by ConfirmMFA. RecoveryCodes is only set when
// the confirmed method is the user's first, and is shown exactly once.
type MFAConfirmation struct {
	Factor        Factor
	RecoveryCodes []string
	// RecoveryCodesPending is set when the first method was enabled but its
	// recovery batch could not be stored. Call RegenerateRecoveryCodes.
	RecoveryCodesPending bool
}

type RecoveryCodeStatus struct {
	Total     int
	Remaining int
	Used      int
	Expired   int
}

// Mailer is the email delivery collaborator.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// MailerFunc adapts a function to Mailer.
type MailerFunc func(ctx context.Context, to, subject, body string) error

func (f MailerFunc) Send(ctx context.Context, to, subject, body string) error {
	return f(ctx, to, subject, body)
}

// SocialIdentity is the verified result of a provider token.
type SocialIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
}

// SocialVerifier checks a provider token. Return ErrProviderUnavailable for
// transport failures; any other error is treated as invalid credentials.
type SocialVerifier interface {
	VerifyProviderToken(ctx context.Context, provider, token string) (SocialIdentity, error)
}

// AuditEvent is the structured audit record emitted by the Engine.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

type NoOpSink = internalaudit.NoOpSink

type ChannelSink = internalaudit.ChannelSink

type JSONWriterSink = internalaudit.JSONWriterSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink writes one JSON object per line to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

type ZapSink = internalaudit.ZapSink

// MultiSink delivers each event to every listed sink in order.
type MultiSink = internalaudit.MultiSink

// NewZapSink logs audit events through a child of logger named "audit".
func NewZapSink(logger *zap.Logger) *ZapSink {
	return internalaudit.NewZapSink(logger)
}

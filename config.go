package authflow

import (
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/password"
)

// Config is the full engine configuration. Build a value with
// DefaultConfig, adjust it, then pass it to Builder.WithConfig.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	JWT            JWTConfig
	Tokens         TokensConfig
	SignIn         SignInConfig
	TOTP           TOTPConfig
	EmailChallenge EmailChallengeConfig
	Recovery       RecoveryConfig
	MFA            MFAConfig
	Password       PasswordConfig
	Audit          AuditConfig
	Metrics        MetricsConfig
	Store          StoreConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig selects the signing key material and the standard-claim policy.
type JWTConfig struct {
	Issuer        string
	Audience      string
	SigningMethod string // "ed25519" (default) or "hs256"
	KeyID         string
	PrivateKey    []byte
	PublicKey     []byte
	// VerifyKeys are accepted for verification only, typically the previous
	// signing key during a rotation.
	VerifyKeys   []VerifyKey
	Leeway       time.Duration
	MaxFutureIAT time.Duration
}

// VerifyKey is a verification-only key.
type VerifyKey struct {
	ID  string
	Key []byte
}

/*
====================================
TOKEN LIFETIMES
====================================
*/

type TokensConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// MaxGeneration bounds the rotation chain of one family.
	MaxGeneration int
	// StateTTL is the lifetime of a sign-in state token.
	StateTTL time.Duration
}

/*
====================================
SIGN-IN CONFIG
====================================
*/

type SignInConfig struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	// AutoRegisterSocial creates a password-less user on the first social
	// sign-in with an unknown email.
	AutoRegisterSocial bool
}

/*
====================================
MFA CONFIG
====================================
*/

// TOTPConfig configures RFC 6238 codes.
type TOTPConfig struct {
	Issuer    string
	Period    int
	Digits    int
	Algorithm string // SHA1, SHA256 or SHA512
	Skew      int
	// EncryptionKey seals stored secrets. 32 bytes, or nil to store them raw.
	EncryptionKey []byte
}

type EmailChallengeConfig struct {
	CodeDigits     int
	TTL            time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
	Subject        string
}

type RecoveryConfig struct {
	Count       int
	Groups      int
	GroupLength int
	// TTL of zero means codes never expire.
	TTL           time.Duration
	MaxAttempts   int
	AttemptWindow time.Duration
}

type MFAConfig struct {
	// RequiredFactors is the number of distinct factors that complete a
	// sign-in. It is capped by the number of factors the user has enabled.
	RequiredFactors int
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id parameters.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

/*
====================================
OBSERVABILITY
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// StoreConfig only applies when the Builder creates the Redis store itself.
type StoreConfig struct {
	RedisPrefix string
}

// DefaultConfig returns the defaults. Key material is left empty.
func DefaultConfig() Config {
	pw := password.DefaultConfig()
	return Config{
		JWT: JWTConfig{
			Issuer:        "authflow",
			SigningMethod: string(jwt.MethodEd25519),
			KeyID:         "k1",
			MaxFutureIAT:  10 * time.Minute,
		},
		Tokens: TokensConfig{
			AccessTTL:     time.Hour,
			RefreshTTL:    30 * 24 * time.Hour,
			MaxGeneration: 100,
			StateTTL:      10 * time.Minute,
		},
		SignIn: SignInConfig{
			LockoutThreshold: 5,
			LockoutDuration:  15 * time.Minute,
		},
		TOTP: TOTPConfig{
			Issuer:    "authflow",
			Period:    30,
			Digits:    6,
			Algorithm: "SHA1",
			Skew:      1,
		},
		EmailChallenge: EmailChallengeConfig{
			CodeDigits:     6,
			TTL:            10 * time.Minute,
			MaxAttempts:    5,
			ResendCooldown: 60 * time.Second,
			Subject:        "Your verification code",
		},
		Recovery: RecoveryConfig{
			Count:         10,
			Groups:        4,
			GroupLength:   4,
			MaxAttempts:   5,
			AttemptWindow: 15 * time.Minute,
		},
		MFA: MFAConfig{
			RequiredFactors: 1,
		},
		Password: PasswordConfig{
			Memory:      pw.Memory,
			Time:        pw.Time,
			Parallelism: pw.Parallelism,
			SaltLength:  pw.SaltLength,
			KeyLength:   pw.KeyLength,
			MinLength:   password.DefaultMinPasswordBytes,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Store: StoreConfig{
			RedisPrefix: "af",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if len(cfg.JWT.VerifyKeys) > 0 {
		out.JWT.VerifyKeys = make([]VerifyKey, len(cfg.JWT.VerifyKeys))
		for i, k := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[i] = VerifyKey{ID: k.ID, Key: cloneBytes(k.Key)}
		}
	}
	out.TOTP.EncryptionKey = cloneBytes(cfg.TOTP.EncryptionKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate describes the validate operation and its observable behavior.
//
// Validate returns the first violated constraint. It does not check key
// material beyond presence; jwt.NewKeySet does that at Build.
func (c *Config) Validate() error {
	switch jwt.SigningMethod(c.JWT.SigningMethod) {
	case jwt.MethodEd25519:
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case jwt.MethodHS256:
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("hs256 requires PrivateKey")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if strings.TrimSpace(c.JWT.KeyID) == "" {
		return errors.New("JWT KeyID is required")
	}
	if c.JWT.Audience != "" && strings.TrimSpace(c.JWT.Audience) == "" {
		return errors.New("JWT Audience must not be blank")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}
	if c.JWT.MaxFutureIAT < 0 {
		return errors.New("JWT MaxFutureIAT must be >= 0")
	}

	if c.Tokens.AccessTTL <= 0 {
		return errors.New("Tokens AccessTTL must be > 0")
	}
	if c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		return errors.New("Tokens RefreshTTL must be longer than AccessTTL")
	}
	if c.Tokens.MaxGeneration <= 0 {
		return errors.New("Tokens MaxGeneration must be > 0")
	}
	if c.Tokens.StateTTL <= 0 || c.Tokens.StateTTL > time.Hour {
		return errors.New("Tokens StateTTL must be between 0 and 1h")
	}

	if c.SignIn.LockoutThreshold < 0 {
		return errors.New("SignIn LockoutThreshold must be >= 0")
	}
	if c.SignIn.LockoutThreshold > 0 && c.SignIn.LockoutDuration <= 0 {
		return errors.New("SignIn LockoutDuration must be > 0 when lockout is enabled")
	}

	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("TOTP Issuer is required")
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period < 15 {
		return errors.New("TOTP Period must be >= 15 seconds")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 2 {
		return errors.New("TOTP Skew must be between 0 and 2")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256, or SHA512")
	}
	if c.TOTP.EncryptionKey != nil && len(c.TOTP.EncryptionKey) != 32 {
		return errors.New("TOTP EncryptionKey must be 32 bytes")
	}

	if c.EmailChallenge.CodeDigits < 6 || c.EmailChallenge.CodeDigits > 10 {
		return errors.New("EmailChallenge CodeDigits must be between 6 and 10")
	}
	if c.EmailChallenge.TTL <= 0 {
		return errors.New("EmailChallenge TTL must be > 0")
	}
	if c.EmailChallenge.MaxAttempts <= 0 {
		return errors.New("EmailChallenge MaxAttempts must be > 0")
	}
	if c.EmailChallenge.ResendCooldown < 0 || c.EmailChallenge.ResendCooldown >= c.EmailChallenge.TTL {
		return errors.New("EmailChallenge ResendCooldown must be >= 0 and shorter than TTL")
	}

	if c.Recovery.Count <= 0 || c.Recovery.Count > 32 {
		return errors.New("Recovery Count must be between 1 and 32")
	}
	if c.Recovery.Groups <= 0 || c.Recovery.GroupLength <= 0 {
		return errors.New("Recovery Groups and GroupLength must be > 0")
	}
	if c.Recovery.Groups*c.Recovery.GroupLength < 10 {
		return errors.New("Recovery codes must be at least 10 characters")
	}
	if c.Recovery.TTL < 0 {
		return errors.New("Recovery TTL must be >= 0")
	}
	if c.Recovery.MaxAttempts > 0 && c.Recovery.AttemptWindow <= 0 {
		return errors.New("Recovery AttemptWindow must be > 0 when MaxAttempts is set")
	}

	if c.MFA.RequiredFactors < 1 || c.MFA.RequiredFactors > 2 {
		return errors.New("MFA RequiredFactors must be 1 or 2")
	}

	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 8 {
		return errors.New("Password MinLength must be >= 8")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	return nil
}

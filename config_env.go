package authflow

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// configEnv holds raw environment values. Fields are pre-filled from the
// base config so unset variables keep their current value.
type configEnv struct {
	JWTIssuer        string        `env:"AUTHFLOW_JWT_ISSUER"`
	JWTAudience      string        `env:"AUTHFLOW_JWT_AUDIENCE"`
	JWTSigningMethod string        `env:"AUTHFLOW_JWT_SIGNING_METHOD"`
	JWTKeyID         string        `env:"AUTHFLOW_JWT_KEY_ID"`
	JWTPrivateKey    string        `env:"AUTHFLOW_JWT_PRIVATE_KEY_FILE,file"`
	JWTPublicKey     string        `env:"AUTHFLOW_JWT_PUBLIC_KEY_FILE,file"`
	JWTLeeway        time.Duration `env:"AUTHFLOW_JWT_LEEWAY"`

	AccessTTL     time.Duration `env:"AUTHFLOW_ACCESS_TTL"`
	RefreshTTL    time.Duration `env:"AUTHFLOW_REFRESH_TTL"`
	MaxGeneration int           `env:"AUTHFLOW_MAX_GENERATION"`
	StateTTL      time.Duration `env:"AUTHFLOW_STATE_TTL"`

	LockoutThreshold   int           `env:"AUTHFLOW_LOCKOUT_THRESHOLD"`
	LockoutDuration    time.Duration `env:"AUTHFLOW_LOCKOUT_DURATION"`
	AutoRegisterSocial bool          `env:"AUTHFLOW_AUTO_REGISTER_SOCIAL"`

	TOTPIssuer        string `env:"AUTHFLOW_TOTP_ISSUER"`
	TOTPDigits        int    `env:"AUTHFLOW_TOTP_DIGITS"`
	TOTPSkew          int    `env:"AUTHFLOW_TOTP_SKEW"`
	TOTPEncryptionKey string `env:"AUTHFLOW_TOTP_ENCRYPTION_KEY"`

	EmailCodeDigits     int           `env:"AUTHFLOW_EMAIL_CODE_DIGITS"`
	EmailTTL            time.Duration `env:"AUTHFLOW_EMAIL_TTL"`
	EmailMaxAttempts    int           `env:"AUTHFLOW_EMAIL_MAX_ATTEMPTS"`
	EmailResendCooldown time.Duration `env:"AUTHFLOW_EMAIL_RESEND_COOLDOWN"`

	RecoveryCount       int           `env:"AUTHFLOW_RECOVERY_COUNT"`
	RecoveryTTL         time.Duration `env:"AUTHFLOW_RECOVERY_TTL"`
	RecoveryMaxAttempts int           `env:"AUTHFLOW_RECOVERY_MAX_ATTEMPTS"`

	RequiredFactors int `env:"AUTHFLOW_MFA_REQUIRED_FACTORS"`

	AuditEnabled   bool   `env:"AUTHFLOW_AUDIT_ENABLED"`
	MetricsEnabled bool   `env:"AUTHFLOW_METRICS_ENABLED"`
	RedisPrefix    string `env:"AUTHFLOW_REDIS_PREFIX"`
}

// ConfigFromEnv returns DefaultConfig overlaid with AUTHFLOW_* variables.
func ConfigFromEnv() (Config, error) {
	return OverlayEnv(DefaultConfig())
}

// OverlayEnv applies AUTHFLOW_* variables on top of base. Key files are read
// from the paths in AUTHFLOW_JWT_PRIVATE_KEY_FILE and
// AUTHFLOW_JWT_PUBLIC_KEY_FILE; the TOTP encryption key is hex.
func OverlayEnv(base Config) (Config, error) {
	cfg := cloneConfig(base)
	raw := configEnv{
		JWTIssuer:           cfg.JWT.Issuer,
		JWTAudience:         cfg.JWT.Audience,
		JWTSigningMethod:    cfg.JWT.SigningMethod,
		JWTKeyID:            cfg.JWT.KeyID,
		JWTLeeway:           cfg.JWT.Leeway,
		AccessTTL:           cfg.Tokens.AccessTTL,
		RefreshTTL:          cfg.Tokens.RefreshTTL,
		MaxGeneration:       cfg.Tokens.MaxGeneration,
		StateTTL:            cfg.Tokens.StateTTL,
		LockoutThreshold:    cfg.SignIn.LockoutThreshold,
		LockoutDuration:     cfg.SignIn.LockoutDuration,
		AutoRegisterSocial:  cfg.SignIn.AutoRegisterSocial,
		TOTPIssuer:          cfg.TOTP.Issuer,
		TOTPDigits:          cfg.TOTP.Digits,
		TOTPSkew:            cfg.TOTP.Skew,
		EmailCodeDigits:     cfg.EmailChallenge.CodeDigits,
		EmailTTL:            cfg.EmailChallenge.TTL,
		EmailMaxAttempts:    cfg.EmailChallenge.MaxAttempts,
		EmailResendCooldown: cfg.EmailChallenge.ResendCooldown,
		RecoveryCount:       cfg.Recovery.Count,
		RecoveryTTL:         cfg.Recovery.TTL,
		RecoveryMaxAttempts: cfg.Recovery.MaxAttempts,
		RequiredFactors:     cfg.MFA.RequiredFactors,
		AuditEnabled:        cfg.Audit.Enabled,
		MetricsEnabled:      cfg.Metrics.Enabled,
		RedisPrefix:         cfg.Store.RedisPrefix,
	}
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.JWT.Issuer = raw.JWTIssuer
	cfg.JWT.Audience = raw.JWTAudience
	cfg.JWT.SigningMethod = raw.JWTSigningMethod
	cfg.JWT.KeyID = raw.JWTKeyID
	cfg.JWT.Leeway = raw.JWTLeeway
	if raw.JWTPrivateKey != "" {
		cfg.JWT.PrivateKey = []byte(raw.JWTPrivateKey)
	}
	if raw.JWTPublicKey != "" {
		cfg.JWT.PublicKey = []byte(raw.JWTPublicKey)
	}
	cfg.Tokens.AccessTTL = raw.AccessTTL
	cfg.Tokens.RefreshTTL = raw.RefreshTTL
	cfg.Tokens.MaxGeneration = raw.MaxGeneration
	cfg.Tokens.StateTTL = raw.StateTTL
	cfg.SignIn.LockoutThreshold = raw.LockoutThreshold
	cfg.SignIn.LockoutDuration = raw.LockoutDuration
	cfg.SignIn.AutoRegisterSocial = raw.AutoRegisterSocial
	cfg.TOTP.Issuer = raw.TOTPIssuer
	cfg.TOTP.Digits = raw.TOTPDigits
	cfg.TOTP.Skew = raw.TOTPSkew
	if raw.TOTPEncryptionKey != "" {
		key, err := hex.DecodeString(raw.TOTPEncryptionKey)
		if err != nil {
			return Config{}, fmt.Errorf("parse env: AUTHFLOW_TOTP_ENCRYPTION_KEY: %w", err)
		}
		cfg.TOTP.EncryptionKey = key
	}
	cfg.EmailChallenge.CodeDigits = raw.EmailCodeDigits
	cfg.EmailChallenge.TTL = raw.EmailTTL
	cfg.EmailChallenge.MaxAttempts = raw.EmailMaxAttempts
	cfg.EmailChallenge.ResendCooldown = raw.EmailResendCooldown
	cfg.Recovery.Count = raw.RecoveryCount
	cfg.Recovery.TTL = raw.RecoveryTTL
	cfg.Recovery.MaxAttempts = raw.RecoveryMaxAttempts
	cfg.MFA.RequiredFactors = raw.RequiredFactors
	cfg.Audit.Enabled = raw.AuditEnabled
	cfg.Metrics.Enabled = raw.MetricsEnabled
	cfg.Store.RedisPrefix = raw.RedisPrefix
	return cfg, nil
}

package authflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/jwt"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{"defaults with keys", func(*Config) {}, true},
		{"jwt leeway valid", func(c *Config) { c.JWT.Leeway = 45 * time.Second }, true},
		{"jwt leeway invalid", func(c *Config) { c.JWT.Leeway = 3 * time.Minute }, false},
		{"jwt audience blank", func(c *Config) { c.JWT.Audience = "   " }, false},
		{"jwt max future iat negative", func(c *Config) { c.JWT.MaxFutureIAT = -time.Second }, false},
		{"jwt signing invalid", func(c *Config) { c.JWT.SigningMethod = "rs256" }, false},
		{"jwt missing public key", func(c *Config) { c.JWT.PublicKey = nil }, false},
		{"jwt hs256 needs only secret", func(c *Config) {
			c.JWT.SigningMethod = string(jwt.MethodHS256)
			c.JWT.PrivateKey = []byte(strings.Repeat("s", 32))
			c.JWT.PublicKey = nil
		}, true},
		{"jwt blank kid", func(c *Config) { c.JWT.KeyID = " " }, false},
		{"refresh not longer than access", func(c *Config) { c.Tokens.RefreshTTL = c.Tokens.AccessTTL }, false},
		{"generation ceiling zero", func(c *Config) { c.Tokens.MaxGeneration = 0 }, false},
		{"state ttl too long", func(c *Config) { c.Tokens.StateTTL = 2 * time.Hour }, false},
		{"lockout disabled", func(c *Config) { c.SignIn.LockoutThreshold = 0; c.SignIn.LockoutDuration = 0 }, true},
		{"lockout without duration", func(c *Config) { c.SignIn.LockoutDuration = 0 }, false},
		{"totp algorithm valid", func(c *Config) { c.TOTP.Algorithm = "SHA512" }, true},
		{"totp algorithm invalid", func(c *Config) { c.TOTP.Algorithm = "MD5" }, false},
		{"totp digits invalid", func(c *Config) { c.TOTP.Digits = 7 }, false},
		{"totp skew too wide", func(c *Config) { c.TOTP.Skew = 3 }, false},
		{"totp key wrong size", func(c *Config) { c.TOTP.EncryptionKey = []byte("short") }, false},
		{"email cooldown not below ttl", func(c *Config) { c.EmailChallenge.ResendCooldown = c.EmailChallenge.TTL }, false},
		{"email attempts zero", func(c *Config) { c.EmailChallenge.MaxAttempts = 0 }, false},
		{"recovery code too short", func(c *Config) { c.Recovery.Groups = 2 }, false},
		{"recovery count too large", func(c *Config) { c.Recovery.Count = 64 }, false},
		{"required factors two", func(c *Config) { c.MFA.RequiredFactors = 2 }, true},
		{"required factors three", func(c *Config) { c.MFA.RequiredFactors = 3 }, false},
		{"password memory too low", func(c *Config) { c.Password.Memory = 1024 }, false},
		{"password min length too low", func(c *Config) { c.Password.MinLength = 4 }, false},
		{"audit without buffer", func(c *Config) { c.Audit.Enabled = true; c.Audit.BufferSize = 0 }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tc.wantValid && err == nil {
				t.Fatal("expected invalid config, got nil")
			}
		})
	}
}

func TestDefaultConfigNeedsKeys(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config without key material must not validate")
	}
	if cfg.Tokens.MaxGeneration != 100 {
		t.Fatalf("expected generation ceiling 100, got %d", cfg.Tokens.MaxGeneration)
	}
}

func TestBuilderRejectsInvalidConfigAndReuse(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected Build to fail without keys")
	}

	cfg := testConfig(t)
	if _, err := New().WithConfig(cfg).Build(); err == nil {
		t.Fatal("expected Build to fail without a store")
	}

	b := newTestEnvWithBuilder(t)
	if _, err := b.Build(); err == nil {
		t.Fatal("expected second Build to fail")
	}
}

func newTestEnvWithBuilder(t *testing.T) *Builder {
	t.Helper()
	var kept *Builder
	newTestEnvWith(t, func(b *Builder) { kept = b })
	return kept
}

func TestWithConfigCopiesKeyMaterial(t *testing.T) {
	cfg := testConfig(t)
	b := New().WithConfig(cfg)
	cfg.JWT.PrivateKey[0] ^= 0xff
	if b.config.JWT.PrivateKey[0] == cfg.JWT.PrivateKey[0] {
		t.Fatal("builder shares key bytes with the caller")
	}
}

func TestOverlayEnv(t *testing.T) {
	key, err := jwt.GenerateEd25519("k2")
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	dir := t.TempDir()
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")
	if err := os.WriteFile(privPath, key.Private, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pubPath, key.Public, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AUTHFLOW_JWT_KEY_ID", "k2")
	t.Setenv("AUTHFLOW_JWT_PRIVATE_KEY_FILE", privPath)
	t.Setenv("AUTHFLOW_JWT_PUBLIC_KEY_FILE", pubPath)
	t.Setenv("AUTHFLOW_ACCESS_TTL", "15m")
	t.Setenv("AUTHFLOW_MAX_GENERATION", "50")
	t.Setenv("AUTHFLOW_LOCKOUT_THRESHOLD", "3")
	t.Setenv("AUTHFLOW_TOTP_ENCRYPTION_KEY", strings.Repeat("ab", 32))
	t.Setenv("AUTHFLOW_MFA_REQUIRED_FACTORS", "2")
	t.Setenv("AUTHFLOW_REDIS_PREFIX", "svc")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.JWT.KeyID != "k2" || string(cfg.JWT.PrivateKey) != string(key.Private) {
		t.Fatalf("jwt keys not loaded: kid=%s", cfg.JWT.KeyID)
	}
	if cfg.Tokens.AccessTTL != 15*time.Minute || cfg.Tokens.MaxGeneration != 50 {
		t.Fatalf("tokens not overlaid: %+v", cfg.Tokens)
	}
	if cfg.SignIn.LockoutThreshold != 3 || cfg.MFA.RequiredFactors != 2 || cfg.Store.RedisPrefix != "svc" {
		t.Fatalf("unexpected overlay: %+v %+v %+v", cfg.SignIn, cfg.MFA, cfg.Store)
	}
	if len(cfg.TOTP.EncryptionKey) != 32 || cfg.TOTP.EncryptionKey[0] != 0xab {
		t.Fatalf("encryption key not decoded: %x", cfg.TOTP.EncryptionKey)
	}
	// Unset variables keep the defaults.
	if cfg.Tokens.RefreshTTL != DefaultConfig().Tokens.RefreshTTL {
		t.Fatalf("unset variable changed: %v", cfg.Tokens.RefreshTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("overlaid config invalid: %v", err)
	}
}

func TestOverlayEnvErrors(t *testing.T) {
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("AUTHFLOW_ACCESS_TTL", "soon")
		if _, err := ConfigFromEnv(); err == nil {
			t.Fatal("expected parse error")
		}
	})
	t.Run("bad hex key", func(t *testing.T) {
		t.Setenv("AUTHFLOW_TOTP_ENCRYPTION_KEY", "zz")
		if _, err := ConfigFromEnv(); err == nil {
			t.Fatal("expected parse error")
		}
	})
	t.Run("missing key file", func(t *testing.T) {
		t.Setenv("AUTHFLOW_JWT_PRIVATE_KEY_FILE", filepath.Join(t.TempDir(), "missing.pem"))
		if _, err := ConfigFromEnv(); err == nil {
			t.Fatal("expected file error")
		}
	})
}

func TestPublicError(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{nil, nil},
		{ErrRefreshReuse, ErrUnauthorized},
		{ErrTokenInvalidated, ErrUnauthorized},
		{ErrTokenExpired, ErrUnauthorized},
		{ErrStoreUnavailable, ErrInternal},
		{ErrEmailDelivery, ErrInternal},
		{ErrRecoveryCodeUsed, ErrInvalidMFACode},
		{ErrInvalidCredentials, ErrInvalidCredentials},
		{ErrChallengeRateLimited, ErrChallengeRateLimited},
		{ErrSignInStateInvalid, ErrSignInStateInvalid},
		{os.ErrClosed, ErrInternal},
	}
	for _, tt := range tests {
		if got := PublicError(tt.in); got != tt.want {
			t.Fatalf("PublicError(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

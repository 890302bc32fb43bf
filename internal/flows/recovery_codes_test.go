package flows

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/store"
)

var (
	errTestUnavailable = errors.New("unavailable")
	errTestInvalid     = errors.New("invalid")
	errTestNotFound    = errors.New("not found")
	errTestUsed        = errors.New("used")
	errTestLimited     = errors.New("limited")
)

type memRecovery struct {
	codes map[store.Digest]*store.RecoveryCode
}

func (m *memRecovery) replace(_ context.Context, _ string, codes []store.RecoveryCode) error {
	m.codes = make(map[store.Digest]*store.RecoveryCode, len(codes))
	for i := range codes {
		c := codes[i]
		m.codes[c.CodeDigest] = &c
	}
	return nil
}

func (m *memRecovery) consume(_ context.Context, _ string, d store.Digest, now time.Time) (store.RecoveryOutcome, error) {
	c, ok := m.codes[d]
	switch {
	case !ok:
		return store.RecoveryNotFound, nil
	case c.Used:
		return store.RecoveryAlreadyUsed, nil
	case !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt):
		return store.RecoveryExpired, nil
	}
	c.Used = true
	c.UsedAt = now
	return store.RecoveryConsumed, nil
}

func recoveryDeps(m *memRecovery) RecoveryCodeDeps {
	return RecoveryCodeDeps{
		Count:       10,
		Groups:      4,
		GroupLength: 4,
		Now:         func() time.Time { return time.Unix(1_700_000_000, 0) },
		Replace:     m.replace,
		Consume:     m.consume,
		Errors: RecoveryCodeErrors{
			Unavailable: errTestUnavailable,
			Invalid:     errTestInvalid,
			NotFound:    errTestNotFound,
			Used:        errTestUsed,
			RateLimited: errTestLimited,
		},
	}
}

func TestGenerateRecoveryCodesFormat(t *testing.T) {
	m := &memRecovery{}
	codes, err := RunGenerateRecoveryCodes(context.Background(), "u1", recoveryDeps(m))
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(codes) != 10 || len(m.codes) != 10 {
		t.Fatalf("expected 10 codes stored, got %d/%d", len(codes), len(m.codes))
	}
	for _, c := range codes {
		parts := strings.Split(c, "-")
		if len(parts) != 4 {
			t.Fatalf("expected four groups in %q", c)
		}
		for _, p := range parts {
			if len(p) != 4 {
				t.Fatalf("expected group length 4 in %q", c)
			}
			for _, r := range p {
				if !strings.ContainsRune(RecoveryCodeAlphabet, r) {
					t.Fatalf("unexpected character %q in %q", r, c)
				}
			}
		}
	}
}

func TestVerifyRecoveryCodesSingleUse(t *testing.T) {
	m := &memRecovery{}
	deps := recoveryDeps(m)
	codes, err := RunGenerateRecoveryCodes(context.Background(), "u1", deps)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	for _, c := range codes {
		if err := RunVerifyRecoveryCode(context.Background(), "u1", strings.ToLower(c), deps); err != nil {
			t.Fatalf("verify %q failed: %v", c, err)
		}
	}
	for _, c := range codes {
		if err := RunVerifyRecoveryCode(context.Background(), "u1", c, deps); !errors.Is(err, errTestUsed) {
			t.Fatalf("expected used for %q, got %v", c, err)
		}
	}
}

func TestVerifyRecoveryCodeBoundToUser(t *testing.T) {
	m := &memRecovery{}
	deps := recoveryDeps(m)
	codes, _ := RunGenerateRecoveryCodes(context.Background(), "u1", deps)
	if err := RunVerifyRecoveryCode(context.Background(), "u2", codes[0], deps); !errors.Is(err, errTestNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
}

func TestVerifyRecoveryCodeExpiredReportsNotFound(t *testing.T) {
	m := &memRecovery{}
	deps := recoveryDeps(m)
	deps.TTL = time.Hour
	codes, _ := RunGenerateRecoveryCodes(context.Background(), "u1", deps)
	deps.Now = func() time.Time { return time.Unix(1_700_000_000, 0).Add(2 * time.Hour) }
	if err := RunVerifyRecoveryCode(context.Background(), "u1", codes[0], deps); !errors.Is(err, errTestNotFound) {
		t.Fatalf("expected not found for expired code, got %v", err)
	}
}

func TestVerifyRecoveryCodeLimiter(t *testing.T) {
	m := &memRecovery{}
	deps := recoveryDeps(m)
	failures := 0
	resets := 0
	deps.RecordLimiterFailure = func(context.Context, string) error {
		failures++
		if failures >= 2 {
			return errTestLimited
		}
		return nil
	}
	deps.ResetLimiter = func(context.Context, string) error { resets++; return nil }
	deps.IsRateLimited = func(err error) bool { return errors.Is(err, errTestLimited) }

	codes, _ := RunGenerateRecoveryCodes(context.Background(), "u1", deps)
	if err := RunVerifyRecoveryCode(context.Background(), "u1", "", deps); !errors.Is(err, errTestInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	if err := RunVerifyRecoveryCode(context.Background(), "u1", "ZZZZ-ZZZZ-ZZZZ-ZZZZ", deps); !errors.Is(err, errTestLimited) {
		t.Fatalf("expected limited, got %v", err)
	}
	if err := RunVerifyRecoveryCode(context.Background(), "u1", codes[0], deps); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if resets != 1 {
		t.Fatalf("expected limiter reset on success")
	}
}

func TestFormatAndCanonicalizeRecoveryCode(t *testing.T) {
	if got := FormatRecoveryCode("ABCDEFGHJKLMNPQR", 4); got != "ABCD-EFGH-JKLM-NPQR" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := FormatRecoveryCode("ABC", 4); got != "ABC" {
		t.Fatalf("short codes stay ungrouped, got %q", got)
	}
	if got := CanonicalizeRecoveryCode(" abcd-efgh jklm-npqr "); got != "ABCDEFGHJKLMNPQR" {
		t.Fatalf("unexpected canonical %q", got)
	}
	if RecoveryCodeHash("u1", "X") == RecoveryCodeHash("u2", "X") {
		t.Fatalf("hash must be bound to user")
	}
}

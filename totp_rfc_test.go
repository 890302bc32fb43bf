package authflow

import (
	"strings"
	"testing"
	"time"
)

type totpVector struct {
	ts   int64
	code string
}

func runTOTPVectors(t *testing.T, algorithm string, secret []byte, cases []totpVector) {
	t.Helper()
	m, err := newTOTPManager(TOTPConfig{
		Issuer:    "authflow",
		Digits:    8,
		Period:    30,
		Algorithm: algorithm,
		Skew:      0,
	})
	if err != nil {
		t.Fatalf("newTOTPManager: %v", err)
	}
	for _, tc := range cases {
		counter, ok := m.verify(secret, tc.code, time.Unix(tc.ts, 0))
		if !ok {
			t.Fatalf("%s vector failed at t=%d", algorithm, tc.ts)
		}
		if counter != tc.ts/30 {
			t.Fatalf("%s vector at t=%d matched counter %d", algorithm, tc.ts, counter)
		}
	}
}

func TestTOTPVerifyRFCVectorsSHA1(t *testing.T) {
	runTOTPVectors(t, "SHA1", []byte("12345678901234567890"), []totpVector{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	})
}

func TestTOTPVerifyRFCVectorsSHA256(t *testing.T) {
	runTOTPVectors(t, "SHA256", []byte("12345678901234567890123456789012"), []totpVector{
		{59, "46119246"},
		{1111111109, "68084774"},
		{1111111111, "67062674"},
		{1234567890, "91819424"},
		{2000000000, "90698825"},
		{20000000000, "77737706"},
	})
}

func TestTOTPVerifyRFCVectorsSHA512(t *testing.T) {
	runTOTPVectors(t, "SHA512", []byte("1234567890123456789012345678901234567890123456789012345678901234"), []totpVector{
		{59, "90693936"},
		{1111111109, "25091201"},
		{1111111111, "99943326"},
		{1234567890, "93441116"},
		{2000000000, "38618901"},
		{20000000000, "47863826"},
	})
}

func TestTOTPDriftWindowAcceptsAdjacentStep(t *testing.T) {
	m, _ := newTOTPManager(TOTPConfig{Issuer: "authflow", Digits: 6, Period: 30, Algorithm: "SHA1", Skew: 1})
	secret := []byte("12345678901234567890")
	now := time.Unix(1234567890, 0)
	prev := now.Unix()/30 - 1

	counter, ok := m.verify(secret, m.code(secret, prev), now)
	if !ok || counter != prev {
		t.Fatalf("expected previous step accepted, ok=%v counter=%d", ok, counter)
	}
	if _, ok := m.verify(secret, m.code(secret, prev-1), now); ok {
		t.Fatalf("code two steps old must be rejected")
	}
}

func TestTOTPWrongDigitsRejected(t *testing.T) {
	m, _ := newTOTPManager(TOTPConfig{Issuer: "authflow", Digits: 6, Period: 30, Algorithm: "SHA1", Skew: 1})
	secret := []byte("12345678901234567890")
	if _, ok := m.verify(secret, "12345678", time.Now()); ok {
		t.Fatal("expected wrong-length code to be rejected")
	}
	if _, ok := m.verify(secret, "12a456", time.Now()); ok {
		t.Fatal("expected non-numeric code to be rejected")
	}
	if _, ok := m.verify(nil, "123456", time.Now()); ok {
		t.Fatal("expected empty secret to be rejected")
	}
}

func TestTOTPProvisionURIAndHelper(t *testing.T) {
	cfg := TOTPConfig{Issuer: "Acme", Digits: 6, Period: 30, Algorithm: "SHA1", Skew: 1}
	m, _ := newTOTPManager(cfg)
	raw, b32, err := m.generateSecret()
	if err != nil || len(raw) != totpSecretBytes {
		t.Fatalf("generateSecret: %v", err)
	}
	uri := m.provisionURI(b32, "a@example.com")
	if !strings.HasPrefix(uri, "otpauth://totp/Acme:a@example.com?") || !strings.Contains(uri, "secret="+b32) {
		t.Fatalf("unexpected uri %q", uri)
	}

	now := time.Unix(1_700_000_000, 0)
	code, err := TOTPCode(cfg, b32, now)
	if err != nil {
		t.Fatalf("TOTPCode: %v", err)
	}
	if _, ok := m.verify(raw, code, now); !ok {
		t.Fatalf("helper code must verify")
	}
}

func TestTOTPUnsupportedAlgorithm(t *testing.T) {
	if _, err := newTOTPManager(TOTPConfig{Digits: 6, Period: 30, Algorithm: "MD5"}); err == nil {
		t.Fatalf("expected error for MD5")
	}
}

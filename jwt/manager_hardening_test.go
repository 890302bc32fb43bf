package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

func newTestManager(t *testing.T, clock *fakeClock) (*Manager, ed25519.PrivateKey) {
	t.Helper()
	_, priv := newEdKeys(t)
	ks, err := NewKeySet(MethodEd25519, Key{ID: "k1", Private: priv})
	if err != nil {
		t.Fatalf("key set: %v", err)
	}
	m, err := NewManager(ks, Config{Issuer: "authflow", Audience: "api", Now: clock.Now})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, priv
}

func TestMintPairSharesJTIAndVersion(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m, _ := newTestManager(t, clock)

	p, err := m.MintPair("u1", "jti-1", 7, time.Hour, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	access, err := m.ParseAccess(p.Access)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	refresh, err := m.ParseRefresh(p.Refresh)
	if err != nil {
		t.Fatalf("parse refresh: %v", err)
	}
	if access.ID != "jti-1" || refresh.ID != "jti-1" {
		t.Fatalf("expected shared jti, got %q and %q", access.ID, refresh.ID)
	}
	if access.Version != 7 || refresh.Version != 7 {
		t.Fatalf("expected version 7, got %d and %d", access.Version, refresh.Version)
	}
	if access.Subject != "u1" {
		t.Fatalf("unexpected subject %q", access.Subject)
	}
	if !p.AccessExpiresAt.Equal(clock.now.Add(time.Hour)) {
		t.Fatalf("unexpected access expiry %v", p.AccessExpiresAt)
	}
}

func TestParseRejectsWrongTokenType(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m, _ := newTestManager(t, clock)

	p, err := m.MintPair("u1", "jti-1", 1, time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := m.ParseAccess(p.Refresh); !errors.Is(err, ErrWrongType) {
		t.Fatalf("expected refresh token to be rejected as access, got %v", err)
	}
	if _, err := m.ParseRefresh(p.Access); !errors.Is(err, ErrWrongType) {
		t.Fatalf("expected access token to be rejected as refresh, got %v", err)
	}
	if _, err := m.ParseState(p.Access); !errors.Is(err, ErrWrongType) {
		t.Fatalf("expected access token to be rejected as state, got %v", err)
	}
}

func TestParseAccessExpiryFollowsClock(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m, _ := newTestManager(t, clock)

	p, err := m.MintPair("u1", "jti-1", 1, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := m.ParseAccess(p.Access); err != nil {
		t.Fatalf("expected fresh token to parse: %v", err)
	}

	clock.now = clock.now.Add(2 * time.Minute)
	if _, err := m.ParseAccess(p.Access); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := m.ParseRefresh(p.Refresh); err != nil {
		t.Fatalf("refresh should outlive access: %v", err)
	}
}

func TestParseAccessRejectsWrongAlgorithm(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, _ := newTestManager(t, clock)

	claims := Claims{Type: TypeAccess, RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u1",
		ID:        "j",
		Issuer:    "authflow",
		Audience:  gjwt.ClaimStrings{"api"},
		IssuedAt:  gjwt.NewNumericDate(clock.now),
		ExpiresAt: gjwt.NewNumericDate(clock.now.Add(time.Minute)),
	}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims)
	tok.Header["kid"] = "k1"
	token, err := tok.SignedString([]byte("secret-secret-secret-secret-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := m.ParseAccess(token); err == nil {
		t.Fatal("expected wrong algorithm to be rejected")
	}
}

func TestParseAccessIssuerAndAudience(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, priv := newTestManager(t, clock)

	sign := func(iss, aud string) string {
		claims := Claims{Type: TypeAccess, RegisteredClaims: gjwt.RegisteredClaims{
			Subject:   "u1",
			ID:        "j",
			Issuer:    iss,
			Audience:  gjwt.ClaimStrings{aud},
			IssuedAt:  gjwt.NewNumericDate(clock.now),
			ExpiresAt: gjwt.NewNumericDate(clock.now.Add(time.Minute)),
		}}
		tok := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
		tok.Header["kid"] = "k1"
		s, err := tok.SignedString(priv)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	if _, err := m.ParseAccess(sign("authflow", "api")); err != nil {
		t.Fatalf("expected valid token to parse: %v", err)
	}
	if _, err := m.ParseAccess(sign("other", "api")); err == nil {
		t.Fatal("expected wrong issuer to fail")
	}
	if _, err := m.ParseAccess(sign("authflow", "other-api")); err == nil {
		t.Fatal("expected wrong audience to fail")
	}
}

func TestParseAccessUnknownKidFails(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	_, priv1 := newEdKeys(t)
	pub2, priv2 := newEdKeys(t)

	ks, err := NewKeySet(MethodEd25519, Key{ID: "k1", Private: priv1}, Key{ID: "k0", Public: pub2})
	if err != nil {
		t.Fatalf("key set: %v", err)
	}
	m, err := NewManager(ks, Config{Now: clock.Now})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	retiredKS, err := NewKeySet(MethodEd25519, Key{ID: "k0", Private: priv2})
	if err != nil {
		t.Fatalf("retired key set: %v", err)
	}
	retired, err := NewManager(retiredKS, Config{Now: clock.Now})
	if err != nil {
		t.Fatalf("retired manager: %v", err)
	}
	old, err := retired.MintPair("u1", "j", 1, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := m.ParseAccess(old.Access); err != nil {
		t.Fatalf("expected verify-only kid to verify: %v", err)
	}

	claims := Claims{Type: TypeAccess, RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u1",
		ID:        "j",
		IssuedAt:  gjwt.NewNumericDate(clock.now),
		ExpiresAt: gjwt.NewNumericDate(clock.now.Add(time.Minute)),
	}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "k9"
	token, _ := tok.SignedString(priv1)
	if _, err := m.ParseAccess(token); err == nil {
		t.Fatal("expected unknown kid failure")
	}

	noKid := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
	token, _ = noKid.SignedString(priv1)
	if _, err := m.ParseAccess(token); err == nil {
		t.Fatal("expected missing kid failure")
	}
}

func TestStateTokenRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m, _ := newTestManager(t, clock)

	token, exp, err := m.MintState(StateClaims{
		Stage:   1,
		Factors: []string{"totp", "email"},
		Version: 3,
		RegisteredClaims: gjwt.RegisteredClaims{
			Subject: "u1",
			ID:      "state-1",
		},
	}, 10*time.Minute)
	if err != nil {
		t.Fatalf("mint state: %v", err)
	}
	if !exp.Equal(clock.now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}

	claims, err := m.ParseState(token)
	if err != nil {
		t.Fatalf("parse state: %v", err)
	}
	if claims.Stage != 1 || claims.Version != 3 || claims.ID != "state-1" || len(claims.Factors) != 2 {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := m.ParseAccess(token); !errors.Is(err, ErrWrongType) {
		t.Fatalf("state token must not authenticate, got %v", err)
	}

	clock.now = clock.now.Add(11 * time.Minute)
	if _, err := m.ParseState(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired state token, got %v", err)
	}
}

func TestNewKeySetValidation(t *testing.T) {
	if _, err := NewKeySet(MethodHS256, Key{ID: "k", Private: []byte("short")}); err == nil {
		t.Fatal("expected short hmac key to fail")
	}
	if _, err := NewKeySet(MethodHS256, Key{Private: make([]byte, 32)}); err == nil {
		t.Fatal("expected missing kid to fail")
	}
	if _, err := NewKeySet("rs256", Key{ID: "k", Private: make([]byte, 32)}); err == nil {
		t.Fatal("expected unsupported method to fail")
	}
	if _, err := NewKeySet(MethodHS256, Key{ID: "k", Private: make([]byte, 32)}, Key{ID: "k", Private: make([]byte, 32)}); err == nil {
		t.Fatal("expected duplicate kid to fail")
	}
}

func TestGenerateEd25519PEMRoundTrip(t *testing.T) {
	k, err := GenerateEd25519("2026-10")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ks, err := NewKeySet(MethodEd25519, k)
	if err != nil {
		t.Fatalf("key set from pem: %v", err)
	}
	if ks.ActiveKID() != "2026-10" {
		t.Fatalf("unexpected kid %q", ks.ActiveKID())
	}
}

func TestHS256Manager(t *testing.T) {
	ks, err := NewKeySet(MethodHS256, Key{ID: "h1", Private: []byte("0123456789abcdef0123456789abcdef")})
	if err != nil {
		t.Fatalf("key set: %v", err)
	}
	m, err := NewManager(ks, Config{})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	p, err := m.MintPair("u1", "j1", 1, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := m.ParseAccess(p.Access); err != nil {
		t.Fatalf("parse: %v", err)
	}
}

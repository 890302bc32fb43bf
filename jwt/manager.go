package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType is the value of the typ claim.
type TokenType string

const (
	TypeAccess      TokenType = "access"
	TypeRefresh     TokenType = "refresh"
	TypeSignInState TokenType = "signin_state"
)

var (
	// ErrExpired is returned when exp has passed (after leeway).
	ErrExpired = jwt.ErrTokenExpired
	// ErrWrongType is returned when typ does not match the parse call.
	ErrWrongType = errors.New("jwt: unexpected token type")
	// ErrFutureIssuedAt is returned when iat is further ahead than MaxFutureIAT.
	ErrFutureIssuedAt = errors.New("jwt: token iat too far in the future")
)

// Config defines the standard-claim policy of a Manager.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	Issuer       string
	Audience     string
	Leeway       time.Duration
	MaxFutureIAT time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Manager mints and verifies tokens against one KeySet.
type Manager struct {
	keys   *KeySet
	config Config
	parser *jwt.Parser
}

// Claims are carried by access and refresh tokens. Both tokens of a pair
// share ID (jti) and Version.
type Claims struct {
	Type    TokenType `json:"typ"`
	Version int64     `json:"ver"`
	jwt.RegisteredClaims
}

// StateClaims are carried by the sign-in state token.
type StateClaims struct {
	Type      TokenType `json:"typ"`
	Stage     uint8     `json:"stg"`
	Factors   []string  `json:"fac"`
	Satisfied []string  `json:"sat,omitempty"`
	Version   int64     `json:"ver"`
	jwt.RegisteredClaims
}

// Pair is a freshly minted access/refresh pair.
type Pair struct {
	JTI              string
	Access           string
	AccessExpiresAt  time.Time
	Refresh          string
	RefreshExpiresAt time.Time
}

// NewManager describes the newmanager operation and its observable behavior.
//
// NewManager may return an error when input validation, dependency calls, or security checks fail.
func NewManager(keys *KeySet, cfg Config) (*Manager, error) {
	if keys == nil {
		return nil, errors.New("jwt: key set is required")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("jwt: invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("jwt: invalid MaxFutureIAT configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{keys.jwtMethod().Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		options = append(options, jwt.WithAudience(cfg.Audience))
	}

	return &Manager{keys: keys, config: cfg, parser: jwt.NewParser(options...)}, nil
}

// KeySet returns the keys the manager signs and verifies with.
func (m *Manager) KeySet() *KeySet { return m.keys }

// MintPair signs an access and a refresh token for subject, both carrying
// jti and version.
func (m *Manager) MintPair(subject, jti string, version int64, accessTTL, refreshTTL time.Duration) (Pair, error) {
	now := m.config.Now()
	p := Pair{
		JTI:              jti,
		AccessExpiresAt:  now.Add(accessTTL).Truncate(time.Second),
		RefreshExpiresAt: now.Add(refreshTTL).Truncate(time.Second),
	}

	var err error
	p.Access, err = m.sign(&Claims{
		Type:             TypeAccess,
		Version:          version,
		RegisteredClaims: m.registered(subject, jti, now, p.AccessExpiresAt),
	})
	if err != nil {
		return Pair{}, err
	}
	p.Refresh, err = m.sign(&Claims{
		Type:             TypeRefresh,
		Version:          version,
		RegisteredClaims: m.registered(subject, jti, now, p.RefreshExpiresAt),
	})
	if err != nil {
		return Pair{}, err
	}
	return p, nil
}

// ParseAccess verifies an access token.
func (m *Manager) ParseAccess(token string) (*Claims, error) {
	return m.parseClaims(token, TypeAccess)
}

// ParseRefresh verifies a refresh token.
func (m *Manager) ParseRefresh(token string) (*Claims, error) {
	return m.parseClaims(token, TypeRefresh)
}

// MintState signs a sign-in state token. Type, issuer, audience and the
// time claims are filled in.
func (m *Manager) MintState(claims StateClaims, ttl time.Duration) (string, time.Time, error) {
	now := m.config.Now()
	exp := now.Add(ttl).Truncate(time.Second)
	claims.Type = TypeSignInState
	claims.RegisteredClaims = m.registered(claims.Subject, claims.ID, now, exp)
	token, err := m.sign(&claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// ParseState verifies a sign-in state token.
func (m *Manager) ParseState(token string) (*StateClaims, error) {
	claims := &StateClaims{}
	if _, err := m.parser.ParseWithClaims(token, claims, m.keys.keyFunc); err != nil {
		return nil, err
	}
	if claims.Type != TypeSignInState {
		return nil, ErrWrongType
	}
	if err := m.checkFutureIAT(claims.IssuedAt); err != nil {
		return nil, err
	}
	return claims, nil
}

func (m *Manager) parseClaims(token string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	parsed, err := m.parser.ParseWithClaims(token, claims, m.keys.keyFunc)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != want {
		return nil, ErrWrongType
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if err := m.checkFutureIAT(claims.IssuedAt); err != nil {
		return nil, err
	}
	return claims, nil
}

func (m *Manager) checkFutureIAT(iat *jwt.NumericDate) error {
	if iat == nil {
		return nil
	}
	if iat.Time.After(m.config.Now().Add(m.config.MaxFutureIAT)) {
		return ErrFutureIssuedAt
	}
	return nil
}

func (m *Manager) registered(subject, jti string, now, exp time.Time) jwt.RegisteredClaims {
	rc := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        jti,
		Issuer:    m.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	if m.config.Audience != "" {
		rc.Audience = jwt.ClaimStrings{m.config.Audience}
	}
	return rc
}

func (m *Manager) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(m.keys.jwtMethod(), claims)
	token.Header["kid"] = m.keys.active
	return token.SignedString(m.keys.sign)
}

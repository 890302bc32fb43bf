package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the JWT algorithm of a KeySet.
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA over Ed25519.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with HMAC-SHA256. The secret doubles as the verify key.
	MethodHS256 SigningMethod = "hs256"
)

const minHMACKeyLen = 32

// Key is one entry of a KeySet. Private may be empty for verify-only keys.
// Key bytes may be raw or PEM encoded.
type Key struct {
	ID      string
	Private []byte
	Public  []byte
}

// KeySet is an immutable collection of keys sharing one signing method. The
// active key signs; every key verifies tokens carrying its kid.
type KeySet struct {
	method SigningMethod
	active string
	sign   interface{}
	verify map[string]interface{}
}

// NewKeySet validates the keys and freezes them. active must carry a private
// key; verifyOnly keys let tokens signed by retired keys keep verifying.
func NewKeySet(method SigningMethod, active Key, verifyOnly ...Key) (*KeySet, error) {
	ks := &KeySet{
		method: method,
		active: strings.TrimSpace(active.ID),
		verify: make(map[string]interface{}, len(verifyOnly)+1),
	}
	if ks.active == "" {
		return nil, errors.New("jwt: active key requires a kid")
	}

	switch method {
	case MethodHS256:
		if len(active.Private) < minHMACKeyLen {
			return nil, fmt.Errorf("jwt: hs256 key must be at least %d bytes", minHMACKeyLen)
		}
		secret := append([]byte(nil), active.Private...)
		ks.sign = secret
		ks.verify[ks.active] = secret
	case MethodEd25519:
		priv, err := parseEdPrivateKey(active.Private)
		if err != nil {
			return nil, err
		}
		ks.sign = priv
		pub := priv.Public().(ed25519.PublicKey)
		if len(active.Public) > 0 {
			if pub, err = parseEdPublicKey(active.Public); err != nil {
				return nil, err
			}
		}
		ks.verify[ks.active] = pub
	default:
		return nil, errors.New("jwt: unsupported signing method")
	}

	for _, k := range verifyOnly {
		kid := strings.TrimSpace(k.ID)
		if kid == "" {
			return nil, errors.New("jwt: verify key contains empty kid")
		}
		if _, dup := ks.verify[kid]; dup {
			return nil, fmt.Errorf("jwt: duplicate kid %q", kid)
		}
		switch method {
		case MethodHS256:
			if len(k.Private) < minHMACKeyLen {
				return nil, fmt.Errorf("jwt: hs256 verify key %q is too short", kid)
			}
			ks.verify[kid] = append([]byte(nil), k.Private...)
		case MethodEd25519:
			pub, err := parseEdPublicKey(k.Public)
			if err != nil {
				return nil, fmt.Errorf("jwt: invalid ed25519 verify key for kid %q: %w", kid, err)
			}
			ks.verify[kid] = pub
		}
	}
	return ks, nil
}

// ActiveKID returns the kid stamped on newly minted tokens.
func (k *KeySet) ActiveKID() string { return k.active }

// Method returns the signing method shared by every key.
func (k *KeySet) Method() SigningMethod { return k.method }

func (k *KeySet) jwtMethod() jwt.SigningMethod {
	if k.method == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (k *KeySet) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != k.jwtMethod().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid")
	}
	key, ok := k.verify[kid]
	if !ok {
		return nil, errors.New("unknown kid")
	}
	return key, nil
}

// GenerateEd25519 creates a fresh key pair and returns it PEM encoded.
func GenerateEd25519(kid string) (Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Key{}, err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return Key{}, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return Key{}, err
	}
	return Key{
		ID:      kid,
		Private: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		Public:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
	}, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("jwt: invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("jwt: invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("jwt: invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("jwt: invalid ed25519 public key type")
	}
	return edKey, nil
}

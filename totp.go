package authflow

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/authflow/internal"
)

const totpSecretBytes = 20

var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// totpManager computes RFC 6238 codes. Replay protection is the caller's
// job: verify returns the matched counter so it can be advanced in the store.
type totpManager struct {
	config TOTPConfig
	hash   func() hash.Hash
	mod    int
}

func newTOTPManager(cfg TOTPConfig) (*totpManager, error) {
	hf, err := hmacFunc(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if cfg.Period <= 0 || cfg.Digits <= 0 {
		return nil, errors.New("invalid totp period or digits")
	}
	mod := 1
	for i := 0; i < cfg.Digits; i++ {
		mod *= 10
	}
	return &totpManager{config: cfg, hash: hf, mod: mod}, nil
}

// generateSecret returns the raw secret and its base32 form for the
// authenticator app.
func (m *totpManager) generateSecret() ([]byte, string, error) {
	raw, err := internal.NewSecret(totpSecretBytes)
	if err != nil {
		return nil, "", err
	}
	return raw, totpEncoding.EncodeToString(raw), nil
}

func (m *totpManager) provisionURI(secretBase32, account string) string {
	issuer := m.config.Issuer
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", issuer)
	v.Set("period", strconv.Itoa(m.config.Period))
	v.Set("digits", strconv.Itoa(m.config.Digits))
	v.Set("algorithm", strings.ToUpper(m.config.Algorithm))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// verify checks code against the steps within Skew of now and returns the
// matched counter.
func (m *totpManager) verify(secret []byte, code string, now time.Time) (int64, bool) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != m.config.Digits || !isNumericString(trimmed) || len(secret) == 0 {
		return 0, false
	}

	base := now.Unix() / int64(m.config.Period)
	for step := -m.config.Skew; step <= m.config.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(m.code(secret, counter)), []byte(trimmed)) == 1 {
			return counter, true
		}
	}
	return 0, false
}

// code is the HOTP value (RFC 4226) for counter.
func (m *totpManager) code(secret []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(m.hash, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	return fmt.Sprintf("%0*d", m.config.Digits, bin%m.mod)
}

// codeAt returns the code for the step containing t.
func (m *totpManager) codeAt(secret []byte, t time.Time) string {
	return m.code(secret, t.Unix()/int64(m.config.Period))
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported totp algorithm")
	}
}

func isNumericString(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// TOTPCode returns the current code for a base32 secret as returned in
// MFAEnrollment.Secret. It is meant for tests and tooling, not for verifying.
func TOTPCode(cfg TOTPConfig, secretBase32 string, at time.Time) (string, error) {
	m, err := newTOTPManager(cfg)
	if err != nil {
		return "", err
	}
	secret, err := totpEncoding.DecodeString(strings.ToUpper(strings.TrimSpace(secretBase32)))
	if err != nil {
		return "", err
	}
	return m.codeAt(secret, at), nil
}

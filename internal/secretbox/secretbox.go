// Package secretbox seals TOTP shared secrets before they reach the store.
package secretbox

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrKeySize    = errors.New("secretbox: key must be 32 bytes")
	ErrCiphertext = errors.New("secretbox: ciphertext is malformed or was tampered with")
)

// Box encrypts with XChaCha20-Poly1305. The additional data binds a
// ciphertext to its owner so rows cannot be swapped between users.
type Box struct {
	key []byte
}

// New returns a Box for a 32-byte key. A nil key yields a pass-through Box,
// which stores secrets unencrypted.
func New(key []byte) (*Box, error) {
	if key == nil {
		return &Box{}, nil
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	return &Box{key: append([]byte(nil), key...)}, nil
}

// Enabled reports whether sealing actually encrypts.
func (b *Box) Enabled() bool {
	return b != nil && len(b.key) > 0
}

// Seal returns nonce||ciphertext.
func (b *Box) Seal(plaintext, ad []byte) ([]byte, error) {
	if !b.Enabled() {
		return append([]byte(nil), plaintext...), nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

func (b *Box) Open(sealed, ad []byte) ([]byte, error) {
	if !b.Enabled() {
		return append([]byte(nil), sealed...), nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertext
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, ErrCiphertext
	}
	return out, nil
}

package secretbox

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func TestSealOpen(t *testing.T) {
	b, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	secret := []byte("12345678901234567890")
	sealed, err := b.Seal(secret, []byte("u1"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, secret) {
		t.Fatalf("plaintext visible in sealed output")
	}
	got, err := b.Open(sealed, []byte("u1"))
	if err != nil || !bytes.Equal(got, secret) {
		t.Fatalf("Open: %v %q", err, got)
	}
}

func TestOpenRejectsWrongOwnerAndTamper(t *testing.T) {
	b, _ := New(testKey())
	sealed, _ := b.Seal([]byte("secret"), []byte("u1"))

	if _, err := b.Open(sealed, []byte("u2")); !errors.Is(err, ErrCiphertext) {
		t.Fatalf("expected ErrCiphertext for swapped owner, got %v", err)
	}
	sealed[len(sealed)-1] ^= 1
	if _, err := b.Open(sealed, []byte("u1")); !errors.Is(err, ErrCiphertext) {
		t.Fatalf("expected ErrCiphertext for tampered data, got %v", err)
	}
	if _, err := b.Open([]byte{1, 2}, []byte("u1")); !errors.Is(err, ErrCiphertext) {
		t.Fatalf("expected ErrCiphertext for short input")
	}
}

func TestNonceIsRandom(t *testing.T) {
	b, _ := New(testKey())
	a, _ := b.Seal([]byte("x"), nil)
	c, _ := b.Seal([]byte("x"), nil)
	if bytes.Equal(a, c) {
		t.Fatalf("two seals of the same plaintext must differ")
	}
}

func TestPassThroughAndKeySize(t *testing.T) {
	b, err := New(nil)
	if err != nil || b.Enabled() {
		t.Fatalf("nil key should give a disabled box")
	}
	out, _ := b.Seal([]byte("raw"), nil)
	if string(out) != "raw" {
		t.Fatalf("pass-through expected")
	}
	if _, err := New([]byte("short")); !errors.Is(err, ErrKeySize) {
		t.Fatalf("expected ErrKeySize, got %v", err)
	}
}

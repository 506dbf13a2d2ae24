package crypto_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wspush/wspush/internal/crypto"
)

func mustKey(t *testing.T, secret string) crypto.Key {
	t.Helper()
	k, err := crypto.DeriveKey(secret)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := mustKey(t, "application-salt")
	plaintext := []byte(`{"sessionId":"abc"}`)

	sealed, err := crypto.Seal(plaintext, key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed data contains the plaintext")
	}

	got, err := crypto.Open(sealed, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Open = %q, want %q", got, plaintext)
	}
}

func TestSealUsesFreshNonces(t *testing.T) {
	key := mustKey(t, "salt")
	a, _ := crypto.Seal([]byte("same"), key)
	b, _ := crypto.Seal([]byte("same"), key)
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext are identical")
	}
}

func TestSealWithNonceDeterministic(t *testing.T) {
	key := mustKey(t, "salt")
	var nonce [crypto.NonceSize]byte
	for i := range nonce {
		nonce[i] = byte(i)
	}
	a := crypto.SealWithNonce([]byte("vector"), key, &nonce)
	b := crypto.SealWithNonce([]byte("vector"), key, &nonce)
	if !bytes.Equal(a, b) {
		t.Fatal("SealWithNonce is not deterministic")
	}
	if !bytes.Equal(a[:crypto.NonceSize], nonce[:]) {
		t.Fatal("nonce is not prepended")
	}
}

func TestOpenFailures(t *testing.T) {
	key := mustKey(t, "salt")
	sealed, _ := crypto.Seal([]byte("payload"), key)

	if _, err := crypto.Open(sealed[:10], key); !errors.Is(err, crypto.ErrSealedTooShort) {
		t.Errorf("short: err = %v", err)
	}

	if _, err := crypto.Open(sealed, mustKey(t, "other-salt")); !errors.Is(err, crypto.ErrAuthentication) {
		t.Errorf("wrong key: err = %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xFF
	if _, err := crypto.Open(tampered, key); !errors.Is(err, crypto.ErrAuthentication) {
		t.Errorf("tampered: err = %v", err)
	}
}

func TestDeriveKeyEmpty(t *testing.T) {
	if _, err := crypto.DeriveKey(""); !errors.Is(err, crypto.ErrEmptySecret) {
		t.Fatalf("err = %v", err)
	}
}

// Package crypto seals and opens identity tokens with NaCl secretbox under a
// key derived from the shared application secret.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the length of the nonce prepended to sealed data.
const NonceSize = 24

var (
	// ErrEmptySecret is returned when deriving a key from an empty secret.
	ErrEmptySecret = errors.New("empty secret")
	// ErrSealedTooShort is returned when sealed data cannot hold a nonce and tag.
	ErrSealedTooShort = errors.New("sealed data too short")
	// ErrAuthentication is returned when sealed data fails to authenticate.
	ErrAuthentication = errors.New("decryption failed: authentication error")
)

// Key is a secretbox key.
type Key [32]byte

// DeriveKey hashes the shared secret (the web application's salt) into a key.
func DeriveKey(secret string) (Key, error) {
	if secret == "" {
		return Key{}, ErrEmptySecret
	}
	return Key(sha256.Sum256([]byte(secret))), nil
}

// Seal encrypts plaintext with a random nonce. The nonce is prepended to the
// ciphertext in the returned slice.
func Seal(plaintext []byte, key Key) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate random nonce: %w", err)
	}
	return SealWithNonce(plaintext, key, &nonce), nil
}

// SealWithNonce encrypts plaintext with a caller-chosen nonce. It exists for
// deterministic tests; production callers use Seal.
func SealWithNonce(plaintext []byte, key Key, nonce *[NonceSize]byte) []byte {
	k := [32]byte(key)
	return secretbox.Seal(nonce[:], plaintext, nonce, &k)
}

// Open decrypts data produced by Seal.
func Open(sealed []byte, key Key) ([]byte, error) {
	if len(sealed) < NonceSize+secretbox.Overhead {
		return nil, ErrSealedTooShort
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	k := [32]byte(key)
	plaintext, ok := secretbox.Open(nil, sealed[NonceSize:], &nonce, &k)
	if !ok {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

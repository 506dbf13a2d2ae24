// Package identity issues and opens the encrypted bootstrap token a client
// forwards as its first message. The token binds a connection to a session,
// an optional user and the route fingerprint of the page that opened it.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/wspush/wspush/internal/crypto"
	"github.com/wspush/wspush/internal/route"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 10 * time.Second

var (
	// ErrMalformed is returned for tokens that cannot be decoded, decrypted or
	// that lack a required claim.
	ErrMalformed = errors.New("malformed identity payload")
	// ErrExpired is returned for tokens whose expiry is not in the future.
	ErrExpired = errors.New("identity payload expired")
)

// Claims is the decrypted identity payload. UserID is nil for anonymous
// visitors.
type Claims struct {
	SessionID string    `json:"sessionId"`
	UserID    *int64    `json:"userId"`
	RouteMd5  string    `json:"routeMd5"`
	Expires   time.Time `json:"expires"`
}

// HasUser reports whether the claims carry the given user id.
func (c Claims) HasUser(id int64) bool {
	return c.UserID != nil && *c.UserID == id
}

// Validate checks that every required claim is present and unexpired at now.
func (c Claims) Validate(now time.Time) error {
	if c.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrMalformed)
	}
	if _, ok := route.Parse(c.RouteMd5); !ok {
		return fmt.Errorf("%w: invalid routeMd5 %q", ErrMalformed, c.RouteMd5)
	}
	if c.Expires.IsZero() {
		return fmt.Errorf("%w: missing expires", ErrMalformed)
	}
	if !now.Before(c.Expires) {
		return fmt.Errorf("%w at %s", ErrExpired, c.Expires.Format(time.RFC3339))
	}
	return nil
}

// Issue seals claims into a URL-encoded token.
func Issue(c Claims, key crypto.Key) (string, error) {
	plaintext, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	sealed, err := crypto.Seal(plaintext, key)
	if err != nil {
		return "", err
	}
	return url.QueryEscape(base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a token produced by Issue and validates its claims at now.
func Open(token string, key crypto.Key, now time.Time) (Claims, error) {
	unescaped, err := url.QueryUnescape(token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	sealed, err := base64.StdEncoding.DecodeString(unescaped)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	plaintext, err := crypto.Open(sealed, key)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var c Claims
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := c.Validate(now); err != nil {
		return Claims{}, err
	}
	return c, nil
}

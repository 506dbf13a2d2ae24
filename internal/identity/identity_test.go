package identity_test

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/wspush/wspush/internal/crypto"
	"github.com/wspush/wspush/internal/identity"
	"github.com/wspush/wspush/internal/route"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testKey(t *testing.T) crypto.Key {
	t.Helper()
	k, err := crypto.DeriveKey("test-salt")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	return k
}

func validClaims() identity.Claims {
	uid := int64(42)
	return identity.Claims{
		SessionID: "sess-1",
		UserID:    &uid,
		RouteMd5:  route.Fingerprint(route.Route{Controller: "Pages", Action: "home"}, true, true),
		Expires:   now.Add(identity.DefaultTTL),
	}
}

func TestIssueOpenRoundTrip(t *testing.T) {
	key := testKey(t)
	token, err := identity.Issue(validClaims(), key)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token != url.QueryEscape(mustUnescape(t, token)) {
		t.Fatalf("token is not URL-encoded: %q", token)
	}

	got, err := identity.Open(token, key, now)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := validClaims()
	if got.SessionID != want.SessionID || got.RouteMd5 != want.RouteMd5 || !got.HasUser(42) {
		t.Fatalf("Open = %+v", got)
	}
	if !got.Expires.Equal(want.Expires) {
		t.Fatalf("Expires = %v, want %v", got.Expires, want.Expires)
	}
}

func TestOpenExpired(t *testing.T) {
	key := testKey(t)
	c := validClaims()
	c.Expires = now.Add(-time.Second)
	token, err := identity.Issue(c, key)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := identity.Open(token, key, now); !errors.Is(err, identity.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if _, err := identity.Open(token, key, now.Add(-2*time.Second)); err != nil {
		t.Fatalf("token rejected before expiry: %v", err)
	}
}

func TestOpenMalformed(t *testing.T) {
	key := testKey(t)

	anonymous := validClaims()
	anonymous.UserID = nil
	noSession := validClaims()
	noSession.SessionID = ""
	badRoute := validClaims()
	badRoute.RouteMd5 = "not-a-fingerprint"
	noExpiry := validClaims()
	noExpiry.Expires = time.Time{}

	anonToken, _ := identity.Issue(anonymous, key)
	if c, err := identity.Open(anonToken, key, now); err != nil || c.UserID != nil {
		t.Fatalf("anonymous claims: %+v %v", c, err)
	}

	otherKey, _ := crypto.DeriveKey("other-salt")
	wrongKey, _ := identity.Issue(validClaims(), otherKey)

	tests := map[string]string{
		"not base64":  "%%%",
		"garbage":     "bm90IGEgdG9rZW4=",
		"wrong key":   wrongKey,
		"no session":  mustIssue(t, noSession, key),
		"bad route":   mustIssue(t, badRoute, key),
		"no expiry":   mustIssue(t, noExpiry, key),
		"empty token": "",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := identity.Open(token, key, now); !errors.Is(err, identity.ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func mustIssue(t *testing.T, c identity.Claims, key crypto.Key) string {
	t.Helper()
	token, err := identity.Issue(c, key)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func mustUnescape(t *testing.T, s string) string {
	t.Helper()
	u, err := url.QueryUnescape(s)
	if err != nil {
		t.Fatalf("QueryUnescape: %v", err)
	}
	return u
}

// Command wspush-token reads identity claims as JSON from stdin, seals them
// with the WSPUSH_SECRET and writes the token and the client URL as JSON to
// stdout.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wspush/wspush/internal/config"
	"github.com/wspush/wspush/internal/crypto"
	"github.com/wspush/wspush/internal/identity"
	"github.com/wspush/wspush/internal/route"
)

type input struct {
	SessionID   string      `json:"sessionId"`
	UserID      *int64      `json:"userId"`
	Route       route.Route `json:"route"`
	IgnorePass  bool        `json:"ignorePass"`
	IgnoreQuery bool        `json:"ignoreQuery"`
	TTLSeconds  int         `json:"ttlSeconds"`
}

type output struct {
	Token    string `json:"token"`
	URL      string `json:"url"`
	RouteMd5 string `json:"routeMd5"`
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg, os.Stdin, os.Stdout, time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, stdin io.Reader, stdout io.Writer, now time.Time) error {
	var in input
	if err := json.NewDecoder(stdin).Decode(&in); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}
	if in.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}

	key, err := crypto.DeriveKey(cfg.Secret)
	if err != nil {
		return fmt.Errorf("WSPUSH_SECRET: %w", err)
	}

	ttl := identity.DefaultTTL
	if in.TTLSeconds > 0 {
		ttl = time.Duration(in.TTLSeconds) * time.Second
	}
	claims := identity.Claims{
		SessionID: in.SessionID,
		UserID:    in.UserID,
		RouteMd5:  route.Fingerprint(in.Route, in.IgnorePass, in.IgnoreQuery),
		Expires:   now.Add(ttl).UTC(),
	}
	token, err := identity.Issue(claims, key)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	out := output{Token: token, URL: cfg.ClientURL(), RouteMd5: claims.RouteMd5}
	if err := json.NewEncoder(stdout).Encode(out); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

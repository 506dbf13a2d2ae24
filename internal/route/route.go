// Package route computes and compares route fingerprints: composite hashes of
// a web route that tag a client's identity and select push targets.
//
// A fingerprint has three dot-separated parts, base.pass.query. The base part
// hashes controller, action, prefix and plugin. The pass and query parts hash
// the passed arguments and the query string, or read "none" when the caller
// chose to ignore that dimension.
package route

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// None marks an ignored fingerprint part.
const None = "none"

// Route describes a web route.
type Route struct {
	Controller string            `json:"controller"`
	Action     string            `json:"action"`
	Plugin     string            `json:"plugin,omitempty"`
	Prefix     string            `json:"prefix,omitempty"`
	Pass       []string          `json:"pass,omitempty"`
	Query      map[string]string `json:"query,omitempty"`
}

// Fingerprint returns the composite hash of r.
func Fingerprint(r Route, ignorePass, ignoreQuery bool) string {
	base := md5Hex(fmt.Sprintf("controller::%s|action::%s|prefix::%s|plugin::%s",
		r.Controller, r.Action, orNone(r.Prefix), orNone(r.Plugin)))

	pass := None
	if !ignorePass {
		pass = md5Hex(strings.Join(r.Pass, "###"))
	}

	query := None
	if !ignoreQuery {
		query = queryHash(r.Query)
	}
	return base + "." + pass + "." + query
}

// Parts is a parsed fingerprint.
type Parts struct {
	Base  string
	Pass  string
	Query string
}

// Parse splits a fingerprint into its parts. It reports false unless s has
// exactly three non-empty parts.
func Parse(s string) (Parts, bool) {
	p := strings.Split(s, ".")
	if len(p) != 3 || p[0] == "" || p[1] == "" || p[2] == "" {
		return Parts{}, false
	}
	return Parts{Base: p[0], Pass: p[1], Query: p[2]}, true
}

// Match reports whether two fingerprints select the same route. Base parts
// must be equal; pass and query parts must be equal unless either side is
// None. Malformed fingerprints never match.
func Match(a, b string) bool {
	pa, ok := Parse(a)
	if !ok {
		return false
	}
	pb, ok := Parse(b)
	if !ok {
		return false
	}
	return pa.Base == pb.Base && partMatch(pa.Pass, pb.Pass) && partMatch(pa.Query, pb.Query)
}

// MatchAny reports whether fp matches at least one of patterns.
func MatchAny(fp string, patterns []string) bool {
	for _, p := range patterns {
		if Match(fp, p) {
			return true
		}
	}
	return false
}

func partMatch(a, b string) bool {
	return a == b || a == None || b == None
}

func queryHash(q map[string]string) string {
	if q == nil {
		q = map[string]string{}
	}
	// encoding/json writes map keys sorted.
	b, _ := json.Marshal(q)
	return md5Hex(string(b))
}

func orNone(s string) string {
	if s == "" {
		return None
	}
	return s
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

package handshake

import "strings"

// OriginPolicy holds the origin allow-list. A nil or disabled policy accepts
// every request.
type OriginPolicy struct {
	enabled bool
	allowed map[string]struct{}
}

// NewOriginPolicy builds a policy. Entries are normalized the same way as
// request origins; entries that normalize to nothing are ignored.
func NewOriginPolicy(enabled bool, allowed []string) *OriginPolicy {
	p := &OriginPolicy{enabled: enabled, allowed: make(map[string]struct{}, len(allowed))}
	for _, origin := range allowed {
		if d := NormalizeOrigin(origin); d != "" {
			p.allowed[d] = struct{}{}
		}
	}
	return p
}

// Enabled reports whether origins are checked at all.
func (p *OriginPolicy) Enabled() bool {
	return p != nil && p.enabled
}

// Allowed reports whether origin matches an allow-listed domain.
func (p *OriginPolicy) Allowed(origin string) bool {
	if !p.Enabled() {
		return true
	}
	d := NormalizeOrigin(origin)
	if d == "" {
		return false
	}
	_, ok := p.allowed[d]
	return ok
}

// Domains returns the normalized allow-list.
func (p *OriginPolicy) Domains() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.allowed))
	for d := range p.allowed {
		out = append(out, d)
	}
	return out
}

// NormalizeOrigin reduces an origin or configured domain to its comparable
// form: scheme, "www." prefix and any path removed, lower-cased.
func NormalizeOrigin(origin string) string {
	d := strings.ToLower(strings.TrimSpace(origin))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return d
}

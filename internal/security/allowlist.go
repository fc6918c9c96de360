// Package security implements the outgoing-host allowlist: the sole
// authority for whether an outbound HTTP request initiated by a guest
// component may proceed.
package security

import "strings"

// Allowlist is an immutable set of host patterns. A new Allowlist is
// built on config load/reload and swapped in atomically by callers;
// Allowlist itself holds no lock because it never mutates after
// construction.
type Allowlist struct {
	patterns []string
}

// New builds an Allowlist from patterns. An empty or nil list denies
// every host.
func New(patterns []string) *Allowlist {
	normalized := make([]string, len(patterns))
	for i, p := range patterns {
		normalized[i] = strings.ToLower(p)
	}
	return &Allowlist{patterns: normalized}
}

// Allowed reports whether host may be contacted under this allowlist.
//
// Matching is case-insensitive in both host and pattern (DNS names are
// case-insensitive). Three pattern kinds: "*" matches any host; a
// leading "*." pattern matches the bare suffix and any subdomain of it;
// anything else requires exact equality.
func (a *Allowlist) Allowed(host string) bool {
	if a == nil || len(a.patterns) == 0 {
		return false
	}
	host = strings.ToLower(stripPort(host))
	for _, p := range a.patterns {
		if matchPattern(p, host) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

// stripPort removes a trailing ":port" from a host header value, so
// "evil.test:8443" is matched against the same patterns as "evil.test".
func stripPort(host string) string {
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		// Guard against bare IPv6 literals like "::1" being truncated:
		// an unbracketed host with more than one colon carries no port.
		if strings.Count(host, ":") > 1 && !strings.HasPrefix(host, "[") {
			return host
		}
		// Otherwise only strip when what follows looks like a numeric port.
		if isDigits(host[idx+1:]) {
			return host[:idx]
		}
	}
	return host
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

package security

import "testing"

func TestAllowlist(t *testing.T) {
	cases := []struct {
		name     string
		patterns []string
		host     string
		want     bool
	}{
		{"wildcard allows anything", []string{"*"}, "evil.test", true},
		{"empty denies all", nil, "example.com", false},
		{"exact match", []string{"example.com"}, "example.com", true},
		{"exact mismatch", []string{"example.com"}, "evil.test", false},
		{"subdomain wildcard matches bare", []string{"*.example.com"}, "example.com", true},
		{"subdomain wildcard matches sub", []string{"*.example.com"}, "api.example.com", true},
		{"subdomain wildcard rejects unrelated", []string{"*.example.com"}, "example.com.evil.test", false},
		{"case insensitive host", []string{"Example.COM"}, "example.com", true},
		{"case insensitive pattern", []string{"example.com"}, "EXAMPLE.COM", true},
		{"port stripped", []string{"example.com"}, "example.com:8443", true},
		{"ipv6 literal untouched", []string{"::1"}, "::1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			al := New(tc.patterns)
			if got := al.Allowed(tc.host); got != tc.want {
				t.Errorf("Allowed(%q) with patterns %v = %v, want %v", tc.host, tc.patterns, got, tc.want)
			}
		})
	}
}

func TestAllowlistNilReceiver(t *testing.T) {
	var al *Allowlist
	if al.Allowed("anything") {
		t.Error("nil allowlist must deny everything")
	}
}

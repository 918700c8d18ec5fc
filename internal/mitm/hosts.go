package mitm

import (
	"net"
	"strings"
)

// HostOnly strips the port from hostport, if any.
func HostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// MatchHost reports whether host matches pattern. Patterns are exact host
// names or "*.suffix", which matches any subdomain of suffix but not suffix
// itself. Comparison is case-insensitive.
func MatchHost(pattern, host string) bool {
	p := strings.ToLower(strings.TrimSpace(pattern))
	h := strings.ToLower(strings.TrimSpace(host))
	if p == "" || h == "" {
		return false
	}
	if strings.HasPrefix(p, "*.") {
		return strings.HasSuffix(h, p[1:])
	}
	return p == h
}

// shouldIntercept reports whether TLS to host should be intercepted. An empty
// pattern list intercepts everything.
func shouldIntercept(patterns []string, host string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchHost(p, host) {
			return true
		}
	}
	return false
}

package urlutil

import (
	"net/url"
	"strings"
)

// ExtractHost extracts and lowercases the host from a URL string.
// Returns empty string if URL is invalid or has no host.
func ExtractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}

// ExtractHostname extracts the hostname from a host string, removing the port if present.
// Input is a host string (NOT a full URL), e.g., "example.com:8080" or "example.com".
// Handles IPv6 addresses correctly - does not strip the port portion of an IPv6 literal.
func ExtractHostname(host string) string {
	// Handle bracketed IPv6 addresses: [::1]:8080 or [::1]
	if strings.HasPrefix(host, "[") {
		if bracketIdx := strings.Index(host, "]"); bracketIdx != -1 {
			return host[:bracketIdx+1]
		}
		return host
	}
	// For non-bracketed hosts, only strip port if there's exactly one colon.
	// This handles example.com:8080 -> example.com but preserves bare
	// IPv6 like ::1.
	if idx := strings.LastIndex(host, ":"); idx != -1 && strings.Count(host, ":") == 1 {
		return host[:idx]
	}
	return host
}

// HostKey returns the lowercased hostname (no port) of a URL. It is the key
// used by the rate limiter, circuit breakers, and robots cache, so all
// per-host state agrees on what "host" means. Ports are deliberately dropped:
// a site serving on :8080 shares its politeness budget with :443.
func HostKey(rawURL string) string {
	return ExtractHostname(ExtractHost(rawURL))
}

// IsSameOrigin returns true if hosts are the same domain or one is a subdomain of the other.
// Strips ports before comparison. Both hosts should already be lowercased.
func IsSameOrigin(baseHost, requestHost string) bool {
	if baseHost == "" || requestHost == "" {
		return false
	}

	base := ExtractHostname(baseHost)
	req := ExtractHostname(requestHost)

	if base == req {
		return true
	}
	// Subdomain in either direction counts as the same origin for
	// discovery purposes: links from www.example.com to example.com and
	// back stay in scope.
	if strings.HasSuffix(req, "."+base) {
		return true
	}
	if strings.HasSuffix(base, "."+req) {
		return true
	}
	return false
}

// Package urlutil provides URL normalization, hashing, and host helpers
// shared by the queue, discovery, and politeness layers. Every URL entering
// the system passes through Normalize exactly once so that dedupe, rate
// limiting, and evidence lookups all key off the same canonical form.
package urlutil

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// trackingParams are query parameters stripped during normalization because
// they vary per visitor without changing the page content. Stripping them
// keeps the dedupe index from treating shared links as distinct pages.
var trackingParams = map[string]bool{
	"fbclid":      true,
	"gclid":       true,
	"msclkid":     true,
	"mc_cid":      true,
	"mc_eid":      true,
	"yclid":       true,
	"_ga":         true,
	"igshid":      true,
	"spm":         true,
	"wt_mc":       true,
	"_hsenc":      true,
	"_hsmi":       true,
	"vero_id":     true,
	"oly_enc_id":  true,
	"oly_anon_id": true,
}

func isTrackingParam(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	return trackingParams[lower]
}

// Normalize converts a URL to canonical form: https scheme assumed when
// missing, lowercase scheme and host, default ports removed, path cleaned,
// trailing slash dropped (except root), query sorted with tracking params
// stripped, fragment removed.
func Normalize(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("invalid URL: empty")
	}

	// Handle URLs without scheme by prepending https://
	if !strings.Contains(rawURL, "://") && !strings.HasPrefix(rawURL, "//") {
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid URL: unsupported scheme '%s'", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("invalid URL: missing host")
	}
	// Host should contain at least one dot (for domain.tld) OR be localhost.
	// Use Hostname() to strip port for validation.
	hostname := u.Hostname()
	if !strings.Contains(hostname, ".") && hostname != "localhost" {
		return "", fmt.Errorf("invalid URL: invalid host '%s'", u.Host)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ".")

	// Remove default ports
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u.Path = normalizePath(u.Path)

	u.RawQuery = normalizeQuery(u.RawQuery)
	u.Fragment = ""

	return u.String(), nil
}

// Hash returns the XXHash64 of a normalized URL as a fixed-width hex string.
func Hash(normalizedURL string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalizedURL))
}

// PathQuery returns the path plus raw query of a URL string, the portion
// URL rules match against. Returns "/" for unparseable input.
func PathQuery(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	pq := u.Path
	if pq == "" {
		pq = "/"
	}
	if u.RawQuery != "" {
		pq += "?" + u.RawQuery
	}
	return pq
}

func normalizePath(path string) string {
	// Remove duplicate slashes
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}

	// Resolve relative segments
	parts := strings.Split(path, "/")
	var resolved []string

	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 && resolved[len(resolved)-1] != ".." {
				resolved = resolved[:len(resolved)-1]
			}
		default:
			resolved = append(resolved, part)
		}
	}

	// Trailing slash is dropped so /news and /news/ dedupe to one entry.
	return "/" + strings.Join(resolved, "/")
}

// normalizeQuery sorts query parameters and removes tracking params so that
// URLs differing only in parameter order or visitor tags are treated as one.
func normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery // Return original if parsing fails
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		if isTrackingParam(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		for _, value := range values[key] {
			if value == "" {
				parts = append(parts, url.QueryEscape(key))
			} else {
				parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
			}
		}
	}

	return strings.Join(parts, "&")
}

// Package pattern implements the matching syntax used by crawl
// configuration for URL exclusion rules and content signal overrides.
//
// Supported forms:
//
//   - Exact (no prefix): case-insensitive exact match.
//     Example: "/about" matches "/about", "/ABOUT"
//
//   - Wildcard (*): case-insensitive, * matches any run of characters
//     including path separators.
//     Example: "/tag/*" matches "/tag/politics", "/tag/uk/2024"
//
//   - Regexp (~): case-sensitive regular expression.
//     Example: "~^/s/[0-9]+$" matches "/s/123" but not "/S/123"
//
//   - Regexp (~*): case-insensitive regular expression.
//     Example: "~*\\?(print|share)=" matches "?Print=1"
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind defines how a pattern string is interpreted.
type Kind int

const (
	KindWildcard Kind = iota
	KindRegexp
	KindExact
)

// Pattern is a compiled matcher ready for repeated use.
type Pattern struct {
	Original        string // pattern string as written in config
	Kind            Kind
	CaseInsensitive bool // for ~* prefix

	clean    string // pattern with prefix stripped
	compiled *regexp.Regexp
}

// Compile parses and pre-compiles a pattern. Call once at config load;
// Match is then allocation-free.
func Compile(raw string) (*Pattern, error) {
	if raw == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	p := &Pattern{Original: raw}

	switch {
	case strings.HasPrefix(raw, "~*"):
		p.Kind = KindRegexp
		p.CaseInsensitive = true
		p.clean = raw[2:]
	case strings.HasPrefix(raw, "~"):
		p.Kind = KindRegexp
		p.clean = raw[1:]
	case strings.Contains(raw, "*"):
		p.Kind = KindWildcard
		p.clean = raw
	default:
		p.Kind = KindExact
		p.clean = raw
	}

	if p.Kind == KindRegexp {
		expr := p.clean
		if p.CaseInsensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern '%s': %w", raw, err)
		}
		p.compiled = re
	}

	return p, nil
}

// Match tests whether input matches the pattern.
func (p *Pattern) Match(input string) bool {
	if p == nil {
		return false
	}

	switch p.Kind {
	case KindRegexp:
		if p.compiled == nil {
			return false
		}
		return p.compiled.MatchString(input)

	case KindWildcard:
		return MatchWildcard(strings.ToLower(input), strings.ToLower(p.clean))

	case KindExact:
		return strings.EqualFold(input, p.clean)

	default:
		return false
	}
}

// Set is an ordered list of compiled patterns, matched first-hit.
type Set struct {
	patterns []*Pattern
}

// CompileSet compiles a list of pattern strings. Any invalid pattern fails
// the whole set so config errors surface at startup.
func CompileSet(raw []string) (*Set, error) {
	s := &Set{patterns: make([]*Pattern, 0, len(raw))}
	for _, r := range raw {
		p, err := Compile(r)
		if err != nil {
			return nil, err
		}
		s.patterns = append(s.patterns, p)
	}
	return s, nil
}

// MatchAny returns the first pattern that matches input, or nil.
func (s *Set) MatchAny(input string) *Pattern {
	if s == nil {
		return nil
	}
	for _, p := range s.patterns {
		if p.Match(input) {
			return p
		}
	}
	return nil
}

// Len returns the number of patterns in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}

// MatchWildcard performs wildcard matching on raw strings. The wildcard *
// matches any sequence of characters including none; multiple wildcards are
// supported and * crosses path segment boundaries.
func MatchWildcard(text, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return text == pattern
	}

	parts := strings.Split(pattern, "*")

	if !strings.HasPrefix(text, parts[0]) {
		return false
	}
	text = text[len(parts[0]):]

	if !strings.HasSuffix(text, parts[len(parts)-1]) {
		return false
	}
	text = text[:len(text)-len(parts[len(parts)-1])]

	for i := 1; i < len(parts)-1; i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(text, parts[i])
		if idx == -1 {
			return false
		}
		text = text[idx+len(parts[i]):]
	}

	return true
}

package types

import (
	"fmt"

	"github.com/newsatlas/crawler/pkg/pattern"
)

// URLRuleAction defines what the crawler does with URLs matching a rule.
type URLRuleAction string

// Action constants
const (
	// ActionSkip rejects the URL at queue admission.
	ActionSkip URLRuleAction = "skip"
	// ActionHeadless forces the headless fetch path for matching URLs.
	ActionHeadless URLRuleAction = "headless"
	// ActionBoost adds a fixed priority boost at enqueue time.
	ActionBoost URLRuleAction = "boost"
)

// IsValid checks if the action is a known value.
func (a URLRuleAction) IsValid() bool {
	return a == ActionSkip || a == ActionHeadless || a == ActionBoost
}

// URLRule defines crawl behavior for URLs matching specific patterns.
// Patterns are evaluated against the URL path plus query string.
type URLRule struct {
	Match  interface{}   `yaml:"match" json:"match"` // string or []string
	Action URLRuleAction `yaml:"action" json:"action"`

	// Boost is the priority delta applied when Action is "boost".
	Boost float64 `yaml:"boost,omitempty" json:"boost,omitempty"`

	// matchPatterns is the normalized pattern list, populated during
	// UnmarshalYAML for zero-allocation access.
	matchPatterns []string

	// compiled holds pre-compiled patterns, index-aligned with matchPatterns.
	compiled []*pattern.Pattern
}

// UnmarshalYAML implements custom YAML unmarshaling to pre-compile match patterns.
func (r *URLRule) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type urlRuleAlias URLRule

	alias := (*urlRuleAlias)(r)
	if err := unmarshal(alias); err != nil {
		return err
	}

	if !r.Action.IsValid() {
		return fmt.Errorf("invalid url rule action %q (want skip, headless or boost)", r.Action)
	}

	return r.CompilePatterns()
}

// CompilePatterns normalizes Match and pre-compiles its patterns. Called
// automatically from YAML unmarshaling; call directly for rules built in code.
func (r *URLRule) CompilePatterns() error {
	r.matchPatterns = r.normalizeMatch()
	if len(r.matchPatterns) == 0 {
		return fmt.Errorf("url rule has no match patterns")
	}

	r.compiled = make([]*pattern.Pattern, len(r.matchPatterns))
	for i, pat := range r.matchPatterns {
		compiled, err := pattern.Compile(pat)
		if err != nil {
			return fmt.Errorf("failed to compile url rule pattern '%s': %w", pat, err)
		}
		r.compiled[i] = compiled
	}
	return nil
}

// normalizeMatch converts the Match field to a []string.
func (r *URLRule) normalizeMatch() []string {
	switch v := r.Match.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		patterns := make([]string, 0, len(v))
		for _, p := range v {
			if str, ok := p.(string); ok && str != "" {
				patterns = append(patterns, str)
			}
		}
		return patterns
	case []string:
		patterns := make([]string, 0, len(v))
		for _, p := range v {
			if p != "" {
				patterns = append(patterns, p)
			}
		}
		return patterns
	default:
		return nil
	}
}

// MatchPatterns returns the normalized pattern strings.
func (r *URLRule) MatchPatterns() []string {
	return r.matchPatterns
}

// Matches reports whether any of the rule's patterns match the given
// path-plus-query string.
func (r *URLRule) Matches(pathQuery string) bool {
	for _, p := range r.compiled {
		if p.Match(pathQuery) {
			return true
		}
	}
	return false
}

// URLRules is an ordered rule list, evaluated first-hit.
type URLRules []URLRule

// FirstMatch returns the first rule matching pathQuery, or nil.
func (rs URLRules) FirstMatch(pathQuery string) *URLRule {
	for i := range rs {
		if rs[i].Matches(pathQuery) {
			return &rs[i]
		}
	}
	return nil
}

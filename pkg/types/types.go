package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Classification is the page class produced by the classification cascade
// and by the pre-fetch predictor.
type Classification string

// Classification constants
const (
	ClassArticle Classification = "article"
	ClassHub     Classification = "hub"
	ClassNav     Classification = "nav"
	ClassOther   Classification = "other"
	ClassUnknown Classification = "unknown"
)

// Valid reports whether c is one of the known classification values.
func (c Classification) Valid() bool {
	switch c {
	case ClassArticle, ClassHub, ClassNav, ClassOther, ClassUnknown:
		return true
	}
	return false
}

// FetchSource identifies how page content was obtained.
type FetchSource string

// FetchSource constants
const (
	SourceNetwork  FetchSource = "network"
	SourceHeadless FetchSource = "headless"
	SourceCache    FetchSource = "cache"
)

// FailureClass categorizes a content-validation failure.
// Hard failures stop the domain; soft failures escalate to the headless path.
type FailureClass string

// FailureClass constants
const (
	FailureNone FailureClass = "none"
	FailureSoft FailureClass = "soft"
	FailureHard FailureClass = "hard"
)

// PageKind identifies the archive role of a hub URL.
type PageKind string

// PageKind constants
const (
	PageKindCountryHub PageKind = "country-hub"
	PageKindPlaceHub   PageKind = "place-hub"
	PageKindTopicHub   PageKind = "topic-hub"
	PageKindCityHub    PageKind = "city-hub"
)

// MappingStatus is the lifecycle state of a place-page mapping.
// Lifecycle: candidate -> pending -> verified.
type MappingStatus string

// MappingStatus constants
const (
	MappingCandidate MappingStatus = "candidate"
	MappingPending   MappingStatus = "pending"
	MappingVerified  MappingStatus = "verified"
)

// Presence records whether a verified mapping actually exists on the site.
type Presence string

// Presence constants
const (
	PresencePresent Presence = "present"
	PresenceAbsent  Presence = "absent"
)

// PredictionSource identifies which predictor strategy produced a
// pre-fetch classification.
type PredictionSource string

// PredictionSource constants
const (
	PredictLearnedPattern PredictionSource = "learned_pattern"
	PredictSimilarURL     PredictionSource = "similar_url"
	PredictDomainProfile  PredictionSource = "domain_profile"
	PredictURLSignals     PredictionSource = "url_signals"
)

// QueueState is the lease state of a queue entry.
type QueueState string

// QueueState constants
const (
	QueueQueued  QueueState = "QUEUED"
	QueueLeased  QueueState = "LEASED"
	QueueDone    QueueState = "DONE"
	QueueSkipped QueueState = "SKIPPED"
)

// DomainTier describes why a host is routed through the headless fetcher.
type DomainTier string

// DomainTier constants
const (
	// TierNone means the host fetches over plain HTTP.
	TierNone DomainTier = ""
	// TierPending means auto-learn fired but approval is manual.
	TierPending DomainTier = "pending"
	// TierLearned means the host was auto-promoted after repeated resets.
	TierLearned DomainTier = "learned"
	// TierManual means an operator pinned the host to headless.
	TierManual DomainTier = "manual"
)

var tierRank = map[DomainTier]int{
	TierNone:    0,
	TierPending: 1,
	TierLearned: 2,
	TierManual:  3,
}

// Rank returns the ordinal of the tier for threshold comparisons.
func (t DomainTier) Rank() int {
	return tierRank[t]
}

// AtLeast reports whether t ranks at or above other.
func (t DomainTier) AtLeast(other DomainTier) bool {
	return t.Rank() >= other.Rank()
}

// BreakerState is the circuit breaker state for a host.
type BreakerState int32

// BreakerState constants
const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String implements fmt.Stringer for BreakerState.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// PlaceKind is the gazetteer granularity of a place.
type PlaceKind string

// PlaceKind constants
const (
	PlaceCountry PlaceKind = "country"
	PlaceAdm1    PlaceKind = "adm1"
	PlaceAdm2    PlaceKind = "adm2"
	PlaceCity    PlaceKind = "city"
)

// Compression algorithm constants
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

// Compression file extension constants
const (
	ExtSnappy = ".snappy"
	ExtLZ4    = ".lz4"
)

// CompressionMinSize is the minimum body size in bytes for compression to be
// applied. Smaller bodies are stored uncompressed.
const CompressionMinSize = 1024

// Proxy selection strategy constants
const (
	ProxyStrategyRoundRobin = "round-robin"
	ProxyStrategyPriority   = "priority"
	ProxyStrategyRandom     = "random"
	ProxyStrategyLeastUsed  = "least-used"
)

// StageResult is the output of one classification stage.
type StageResult struct {
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
	Reason         string         `json:"reason,omitempty"`
	Signals        map[string]any `json:"signals,omitempty"`
}

// StageContribution records one stage's input to the aggregator, for the
// provenance object attached to the final classification.
type StageContribution struct {
	Stage          string         `json:"stage"`
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
	Reason         string         `json:"reason,omitempty"`
}

// Provenance records which stages contributed to a final classification and
// which rule decided it.
type Provenance struct {
	URL     *StageContribution `json:"url,omitempty"`
	Content *StageContribution `json:"content,omitempty"`
	DOM     *StageContribution `json:"dom,omitempty"`
	Rule    string             `json:"rule"`
}

// FinalClassification is the aggregator output.
type FinalClassification struct {
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
	Provenance     Provenance     `json:"provenance"`
}

// Duration wraps time.Duration with extended YAML parsing support for days and weeks
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for extended duration formats
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	// Try standard parsing first (handles: ns, us, ms, s, m, h)
	dur, err := time.ParseDuration(s)
	if err == nil {
		*d = Duration(dur)
		return nil
	}

	// Parse extended formats: d (days), w (weeks)
	dur, err = parseExtendedDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON implements json.Unmarshaler for Duration.
// Accepts both numbers (nanoseconds, backward-compatible) and strings ("15s", "24h", "30d", "2w").
func (d *Duration) UnmarshalJSON(data []byte) error {
	var ns int64
	if err := json.Unmarshal(data, &ns); err == nil {
		*d = Duration(ns)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or number, got %s", string(data))
	}

	dur, err := time.ParseDuration(s)
	if err == nil {
		*d = Duration(dur)
		return nil
	}

	dur, err = parseExtendedDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalJSON implements json.Marshaler for Duration.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ToDuration converts types.Duration to time.Duration
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer for Duration
func (d Duration) String() string {
	return time.Duration(d).String()
}

// parseExtendedDuration parses duration strings with extended suffixes: d (days), w (weeks)
// Examples: "30d", "2w", "1.5d"
func parseExtendedDuration(s string) (time.Duration, error) {
	// Regex: optional sign, number (int or float), suffix (d or w)
	re := regexp.MustCompile(`^(-?)(\d+(?:\.\d+)?)(d|w)$`)
	matches := re.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid format, expected format like '30d' or '2w'")
	}

	sign := matches[1]
	valueStr := matches[2]
	suffix := matches[3]

	// Parse the numeric value
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %w", err)
	}

	// Apply sign
	if sign == "-" {
		value = -value
	}

	// Convert to time.Duration based on suffix
	var duration time.Duration
	switch suffix {
	case "d":
		duration = time.Duration(value * float64(24*time.Hour))
	case "w":
		duration = time.Duration(value * float64(7*24*time.Hour))
	default:
		return 0, fmt.Errorf("unsupported suffix %q", suffix)
	}

	return duration, nil
}

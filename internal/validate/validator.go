// Package validate decides whether a fetched body is real content. Bot
// challenges, JS-required shells, and near-empty bodies are soft failures
// the fetch pipeline may retry through a headless browser; access-denied
// and permanent-block signals are hard failures that end the attempt.
package validate

import (
	"regexp"
	"strings"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/pkg/pattern"
	"github.com/newsatlas/crawler/pkg/types"
)

// DefaultMinContentBytes is the smallest body accepted as real content.
const DefaultMinContentBytes = 500

// ReasonBodyTooSmall marks a 200 response whose body was too small to be a
// real page. The crawl loop treats this at paginated URLs as running past
// the end of an archive.
const ReasonBodyTooSmall = "body below minimum size"

// Verdict is the validation outcome for one fetched body.
type Verdict struct {
	Accepted     bool
	FailureClass types.FailureClass
	Reason       string
}

func accepted() Verdict {
	return Verdict{Accepted: true, FailureClass: types.FailureNone}
}

func soft(reason string) Verdict {
	return Verdict{FailureClass: types.FailureSoft, Reason: reason}
}

func hard(reason string) Verdict {
	return Verdict{FailureClass: types.FailureHard, Reason: reason}
}

// Challenge and block signals. All matching is case-insensitive over the
// first chunk of the body; challenge pages are small so this is cheap.
var (
	softSignals = []*regexp.Regexp{
		regexp.MustCompile(`(?i)checking your browser before accessing`),
		regexp.MustCompile(`(?i)enable javascript and cookies to continue`),
		regexp.MustCompile(`(?i)please (turn on|enable) javascript`),
		regexp.MustCompile(`(?i)this site requires javascript`),
		regexp.MustCompile(`(?i)<noscript[^>]*>.{0,200}(enable|requires) javascript`),
		regexp.MustCompile(`(?i)cf-browser-verification|cf_chl_`),
		regexp.MustCompile(`(?i)just a moment\.\.\.`),
		regexp.MustCompile(`(?i)verify(ing)? you are (a )?human`),
		regexp.MustCompile(`(?i)captcha`),
		regexp.MustCompile(`(?i)ddos[- ]?protection`),
		regexp.MustCompile(`(?i)too many requests`),
		regexp.MustCompile(`(?i)rate limit(ed)? exceeded`),
	}

	hardSignals = []*regexp.Regexp{
		regexp.MustCompile(`(?i)access denied`),
		regexp.MustCompile(`(?i)you (have been|are) (permanently )?(banned|blocked)`),
		regexp.MustCompile(`(?i)your ip (address )?(has been|is) blocked`),
		regexp.MustCompile(`(?i)error 1005`), // Cloudflare ASN ban
	}
)

// maxScanBytes bounds how much of the body the signal scan reads.
const maxScanBytes = 64 * 1024

// Validator applies the content heuristics. Extra challenge patterns from
// config extend the built-in soft signals.
type Validator struct {
	minContentBytes int
	extraChallenges *pattern.Set
}

// New creates a Validator from config.
func New(cfg configtypes.ValidatorConfig) (*Validator, error) {
	minBytes := cfg.MinContentBytes
	if minBytes <= 0 {
		minBytes = DefaultMinContentBytes
	}
	extra, err := pattern.CompileSet(cfg.ExtraChallengePatterns)
	if err != nil {
		return nil, err
	}
	return &Validator{
		minContentBytes: minBytes,
		extraChallenges: extra,
	}, nil
}

// Check validates one fetched body. status is the HTTP status code the
// body arrived with; callers handle non-200 statuses before persistence,
// but challenge pages frequently come back as 200 so the body is always
// inspected.
func (v *Validator) Check(url string, status int, body []byte, contentType string) Verdict {
	switch {
	case status == 403:
		if verdict := v.scanSignals(body); !verdict.Accepted {
			return verdict
		}
		return hard("status 403")
	case status == 429 || status == 503:
		return soft("throttle status")
	case status >= 400:
		return hard("error status")
	}

	if ct := strings.ToLower(contentType); ct != "" &&
		!strings.Contains(ct, "html") && !strings.Contains(ct, "xml") &&
		!strings.Contains(ct, "text/plain") && !strings.Contains(ct, "json") {
		return hard("unsupported content type " + contentType)
	}

	if verdict := v.scanSignals(body); !verdict.Accepted {
		return verdict
	}

	if len(body) < v.minContentBytes {
		return soft(ReasonBodyTooSmall)
	}

	return accepted()
}

func (v *Validator) scanSignals(body []byte) Verdict {
	chunk := body
	if len(chunk) > maxScanBytes {
		chunk = chunk[:maxScanBytes]
	}
	text := string(chunk)

	for _, re := range hardSignals {
		if re.MatchString(text) {
			return hard("block signal: " + re.String())
		}
	}
	for _, re := range softSignals {
		if re.MatchString(text) {
			return soft("challenge signal: " + re.String())
		}
	}
	if p := v.extraChallenges.MatchAny(text); p != nil {
		return soft("challenge signal: " + p.Original)
	}
	return accepted()
}

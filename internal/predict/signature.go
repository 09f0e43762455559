// Package predict guesses a URL's classification before it is fetched, from
// per-host patterns learned out of verified content classifications. The
// learner runs as a periodic batch; the predictor runs inline at URL
// discovery time and its guesses are verified once content is classified.
package predict

import (
	"regexp"
	"strings"
)

var (
	allDigits = regexp.MustCompile(`^\d+$`)
	hexRun    = regexp.MustCompile(`^[a-f0-9]{6,}$`)
	slugChars = regexp.MustCompile(`^[a-z0-9-]+$`)
)

// segmentClass maps one path segment to its regex class. Literal segments
// (section names, short words) stay literal so patterns keep their meaning.
func segmentClass(seg string) string {
	switch {
	case len(seg) == 4 && allDigits.MatchString(seg):
		return `\d{4}`
	case len(seg) <= 2 && allDigits.MatchString(seg):
		return `\d{1,2}`
	case hexRun.MatchString(seg):
		return `[a-f0-9]+`
	case len(seg) > 20 && slugChars.MatchString(seg):
		return `[a-z0-9-]+`
	default:
		return regexp.QuoteMeta(seg)
	}
}

// StructuralSignature collapses a URL path into an anchored regex template.
// URLs with the same signature are structurally interchangeable: same
// sections, same date/slug shape. The anchor prevents prefix over-matching.
func StructuralSignature(path string) string {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "^/$"
	}
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	classes := make([]string, len(segments))
	for i, seg := range segments {
		classes[i] = segmentClass(seg)
	}
	return "^/" + strings.Join(classes, "/") + "/?$"
}

// similarity scores two signatures by shared segments: 1.0 when identical,
// proportionally less as segments diverge.
func similarity(sigA, sigB string) float64 {
	if sigA == sigB {
		return 1.0
	}
	a := strings.Split(sigA, "/")
	b := strings.Split(sigB, "/")
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	matched := 0
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] == b[i] {
			matched++
		}
	}
	return float64(matched) / float64(longest)
}

// Package classify implements the three-stage page classification cascade:
// URL shape first, parsed content second, rendered DOM on demand, with an
// aggregator that merges the stages into one final call.
package classify

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/newsatlas/crawler/pkg/types"
)

// Stage names used in provenance records.
const (
	StageURL     = "url"
	StageContent = "content"
	StageDOM     = "dom"
)

var (
	// /2024/01/15/ or /2024/jan/15/ style date paths.
	datePathRe = regexp.MustCompile(`/\d{4}/(\d{1,2}|jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)(/\d{1,2})?/`)
	// Trailing numeric article IDs: -12345678 or /12345678.
	numericIDRe = regexp.MustCompile(`[-/]\d{5,}/?$`)
	yearOnlyRe  = regexp.MustCompile(`^/\d{4}(/\d{1,2})?/?$`)
)

var sectionKeywords = map[string]bool{
	"news": true, "world": true, "politics": true, "sport": true,
	"sports": true, "business": true, "culture": true, "opinion": true,
	"local": true, "national": true, "international": true, "economy": true,
	"technology": true, "science": true, "health": true, "environment": true,
	"education": true, "archive": true, "latest": true, "region": true,
	"topics": true, "tags": true, "category": true, "section": true,
}

var navKeywords = map[string]bool{
	"about": true, "contact": true, "privacy": true, "terms": true,
	"advertise": true, "subscribe": true, "newsletter": true, "login": true,
	"register": true, "account": true, "help": true, "faq": true,
	"imprint": true, "cookies": true, "sitemap": true, "search": true,
}

// ClassifyURL is the URL-only stage. It never does I/O; everything comes
// from the URL's path and query shape.
func ClassifyURL(rawURL string) types.StageResult {
	u, err := url.Parse(rawURL)
	if err != nil {
		return types.StageResult{
			Classification: types.ClassUnknown,
			Confidence:     0.1,
			Reason:         "unparsable URL",
		}
	}

	path := strings.ToLower(strings.TrimSuffix(u.Path, "/"))
	segments := splitPath(path)
	signals := map[string]any{
		"depth": len(segments),
	}

	// Root and well-known service pages.
	if len(segments) == 0 {
		return stage1(types.ClassNav, 0.9, "site root", signals)
	}
	if len(segments) == 1 && navKeywords[segments[0]] {
		return stage1(types.ClassNav, 0.9, "service page keyword", signals)
	}

	lastSegment := segments[len(segments)-1]
	slug := slugScore(lastSegment)
	signals["slug_length"] = len(lastSegment)

	// Date-in-path plus a slug is the strongest article shape.
	if datePathRe.MatchString(u.Path + "/") {
		signals["date_path"] = true
		if slug >= 1 {
			return stage1(types.ClassArticle, 0.95, "date path with slug", signals)
		}
		if yearOnlyRe.MatchString("/" + strings.Join(segments, "/") + "/") {
			return stage1(types.ClassHub, 0.8, "bare date archive path", signals)
		}
		return stage1(types.ClassArticle, 0.75, "date path", signals)
	}

	// Pagination query parameters mark archive pages.
	if q := u.Query(); q.Get("page") != "" || q.Get("p") != "" || q.Get("offset") != "" {
		signals["pagination_query"] = true
		return stage1(types.ClassHub, 0.85, "pagination query parameter", signals)
	}

	if numericIDRe.MatchString(path) {
		signals["numeric_id"] = true
		return stage1(types.ClassArticle, 0.7, "trailing numeric id", signals)
	}

	// Long hyphenated slugs read as headlines.
	if slug >= 2 {
		return stage1(types.ClassArticle, 0.8, "headline-like slug", signals)
	}

	// Section keywords anywhere shallow in the path mean a hub.
	if len(segments) <= 3 {
		for _, seg := range segments {
			if sectionKeywords[seg] {
				signals["section_keyword"] = seg
				return stage1(types.ClassHub, 0.8, "section keyword path", signals)
			}
		}
	}

	if len(segments) <= 2 {
		return stage1(types.ClassHub, 0.55, "shallow path without slug", signals)
	}

	return stage1(types.ClassUnknown, 0.3, "no recognized URL shape", signals)
}

func stage1(class types.Classification, confidence float64, reason string, signals map[string]any) types.StageResult {
	return types.StageResult{
		Classification: class,
		Confidence:     confidence,
		Reason:         reason,
		Signals:        signals,
	}
}

func splitPath(path string) []string {
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

// slugScore rates how headline-like a path segment is: 2 means a long
// multi-word slug, 1 a short hyphenated one, 0 neither.
func slugScore(segment string) int {
	segment = strings.TrimSuffix(segment, ".html")
	hyphens := strings.Count(segment, "-")
	if len(segment) > 20 && hyphens >= 3 {
		return 2
	}
	if hyphens >= 1 {
		return 1
	}
	return 0
}

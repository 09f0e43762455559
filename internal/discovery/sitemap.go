// Package discovery feeds the queue with URLs the crawl would not reach by
// following links alone: archive and sitemap probes, speculative pagination,
// and gazetteer-derived hub candidates.
package discovery

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"strings"
)

// Sitemap is the parsed content of one sitemap document. Nested holds child
// sitemap URLs from an index document; URLs holds page locations.
type Sitemap struct {
	URLs   []string
	Nested []string
}

type sitemapURLSet struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapLoc `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// ParseSitemap reads either a urlset or a sitemapindex document. Callers
// recurse on Nested; depth limiting is the caller's responsibility.
func ParseSitemap(body []byte) (*Sitemap, error) {
	sm := &Sitemap{}

	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err == nil && len(set.URLs) > 0 {
		for _, loc := range set.URLs {
			if u := strings.TrimSpace(loc.Loc); u != "" {
				sm.URLs = append(sm.URLs, u)
			}
		}
		return sm, nil
	}

	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err != nil {
		return nil, err
	}
	for _, loc := range index.Sitemaps {
		if u := strings.TrimSpace(loc.Loc); u != "" {
			sm.Nested = append(sm.Nested, u)
		}
	}
	return sm, nil
}

// IsSitemapPath reports whether a URL path is a sitemap the crawl should
// parse rather than classify.
func IsSitemapPath(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".xml") && strings.Contains(lower, "sitemap")
}

// SitemapsFromRobots extracts Sitemap: directives from a robots.txt body.
func SitemapsFromRobots(body []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) < 8 || !strings.EqualFold(line[:8], "sitemap:") {
			continue
		}
		if u := strings.TrimSpace(line[8:]); u != "" {
			out = append(out, u)
		}
	}
	return out
}

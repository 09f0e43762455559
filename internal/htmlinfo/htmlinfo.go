// Package htmlinfo parses fetched pages into the signals the crawler
// needs: outbound links, publication dates, and the content-shape counters
// the classification cascade reads. Parsing uses golang.org/x/net/html
// directly; documents are walked once and discarded.
package htmlinfo

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const maxTitleLength = 200

// Page is a parsed HTML document.
type Page struct {
	root *html.Node
	base *url.URL
}

// Parse parses HTML bytes. baseURL resolves relative links; pass the final
// URL after redirects.
func Parse(htmlBytes []byte, baseURL string) (*Page, error) {
	root, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}
	return &Page{root: root, base: base}, nil
}

// Title extracts the page title, trimmed and truncated to 200 runes.
func (p *Page) Title() string {
	head := findElement(p.root, "head")
	if head == nil {
		return ""
	}
	titleNode := findElementInParent(head, "title")
	if titleNode == nil {
		return ""
	}
	title := strings.TrimSpace(textContent(titleNode))
	runes := []rune(title)
	if len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength])
	}
	return title
}

// Link is one outbound anchor.
type Link struct {
	URL  string
	Text string
}

// Links returns all same-document anchors resolved against the base URL.
// Fragment-only, javascript: and mailto: anchors are dropped.
func (p *Page) Links() []Link {
	var links []Link
	for _, node := range findAllElements(p.root, "a") {
		href := strings.TrimSpace(getAttr(node, "href"))
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(strings.ToLower(href), "javascript:") ||
			strings.HasPrefix(strings.ToLower(href), "mailto:") {
			continue
		}
		resolved := p.resolve(href)
		if resolved == "" {
			continue
		}
		links = append(links, Link{
			URL:  resolved,
			Text: strings.TrimSpace(textContent(node)),
		})
	}
	return links
}

func (p *Page) resolve(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if p.base != nil {
		ref = p.base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}

// CanonicalURL returns the rel=canonical href, resolved, or empty.
func (p *Page) CanonicalURL() string {
	head := findElement(p.root, "head")
	if head == nil {
		return ""
	}
	for _, node := range findAllElementsInParent(head, "link") {
		if strings.EqualFold(strings.TrimSpace(getAttr(node, "rel")), "canonical") {
			if href := strings.TrimSpace(getAttr(node, "href")); href != "" {
				return p.resolve(href)
			}
		}
	}
	return ""
}

// dateAttrs are meta properties that carry publication timestamps.
var dateAttrs = []string{
	"article:published_time",
	"article:modified_time",
	"og:article:published_time",
	"datePublished",
	"date",
	"dc.date.issued",
	"sailthru.date",
}

// PublishedDates collects every publication timestamp the document
// declares: <time datetime>, known meta properties, and JSON-LD
// datePublished fields. Order is document order; duplicates survive.
func (p *Page) PublishedDates() []time.Time {
	var dates []time.Time

	for _, node := range findAllElements(p.root, "time") {
		if dt := getAttr(node, "datetime"); dt != "" {
			if ts, ok := parseDate(dt); ok {
				dates = append(dates, ts)
			}
		}
	}

	for _, node := range findAllElements(p.root, "meta") {
		key := getAttr(node, "property")
		if key == "" {
			key = getAttr(node, "name")
		}
		key = strings.ToLower(key)
		for _, want := range dateAttrs {
			if key == strings.ToLower(want) {
				if ts, ok := parseDate(getAttr(node, "content")); ok {
					dates = append(dates, ts)
				}
				break
			}
		}
	}

	dates = append(dates, p.jsonLDDates()...)
	return dates
}

// OldestDate returns the earliest declared publication date, or zero time.
// The hub depth prober compares this across archive pages.
func (p *Page) OldestDate() time.Time {
	var oldest time.Time
	for _, ts := range p.PublishedDates() {
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
	}
	return oldest
}

// ContentSignals are the stage-2 classification counters.
type ContentSignals struct {
	ArticleTags   int
	Paragraphs    int
	Links         int
	TextLength    int
	LinkDensity   float64
	HasJSONLDNews bool
	HasDateMarkup bool
	OGType        string
	Title         string
}

// Signals walks the document once and fills the classification counters.
func (p *Page) Signals() ContentSignals {
	sig := ContentSignals{Title: p.Title()}

	var textLen int
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch strings.ToLower(n.Data) {
			case "article":
				sig.ArticleTags++
			case "p":
				sig.Paragraphs++
			case "a":
				if getAttr(n, "href") != "" {
					sig.Links++
				}
			case "time":
				if getAttr(n, "datetime") != "" {
					sig.HasDateMarkup = true
				}
			case "script", "style", "noscript":
				return
			case "meta":
				if strings.EqualFold(getAttr(n, "property"), "og:type") {
					sig.OGType = strings.ToLower(getAttr(n, "content"))
				}
			}
		}
		if n.Type == html.TextNode {
			textLen += len(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(p.root)

	sig.TextLength = textLen
	if textLen > 0 {
		sig.LinkDensity = float64(sig.Links) / (float64(textLen) / 1000.0)
	} else {
		sig.LinkDensity = float64(sig.Links)
	}
	sig.HasJSONLDNews = p.hasJSONLDNews()
	if !sig.HasDateMarkup && len(p.PublishedDates()) > 0 {
		sig.HasDateMarkup = true
	}
	return sig
}

// Text returns the visible text of the document, for simhash signatures.
// Script, style, and noscript subtrees are excluded.
func (p *Page) Text() string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch strings.ToLower(n.Data) {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				sb.WriteString(trimmed)
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(p.root)
	return strings.TrimSpace(sb.String())
}

var jsonLDNewsTypes = regexp.MustCompile(`"@type"\s*:\s*"(NewsArticle|ReportageNewsArticle|Article|BlogPosting)"`)

func (p *Page) hasJSONLDNews() bool {
	for _, node := range p.jsonLDScripts() {
		if jsonLDNewsTypes.MatchString(textContent(node)) {
			return true
		}
	}
	return false
}

func (p *Page) jsonLDScripts() []*html.Node {
	var scripts []*html.Node
	for _, node := range findAllElements(p.root, "script") {
		if strings.EqualFold(getAttr(node, "type"), "application/ld+json") {
			scripts = append(scripts, node)
		}
	}
	return scripts
}

func (p *Page) jsonLDDates() []time.Time {
	var dates []time.Time
	for _, node := range p.jsonLDScripts() {
		var doc any
		if err := json.Unmarshal([]byte(textContent(node)), &doc); err != nil {
			continue
		}
		collectJSONLDDates(doc, &dates)
	}
	return dates
}

func collectJSONLDDates(doc any, out *[]time.Time) {
	switch v := doc.(type) {
	case map[string]any:
		for key, val := range v {
			if key == "datePublished" || key == "dateModified" {
				if s, ok := val.(string); ok {
					if ts, ok := parseDate(s); ok {
						*out = append(*out, ts)
					}
				}
				continue
			}
			collectJSONLDDates(val, out)
		}
	case []any:
		for _, item := range v {
			collectJSONLDDates(item, out)
		}
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"02 Jan 2006",
	"2 January 2006",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			// Sanity bounds: web publication dates outside these are noise.
			if ts.Year() >= 1990 && ts.Year() <= time.Now().Year()+1 {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// DOM walkers, shared across the extraction methods.

func findElement(node *html.Node, tag string) *html.Node {
	if node == nil {
		return nil
	}
	return findElementLower(node, strings.ToLower(tag))
}

func findElementLower(node *html.Node, lowerTag string) *html.Node {
	if node.Type == html.ElementNode && strings.ToLower(node.Data) == lowerTag {
		return node
	}
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		if found := findElementLower(c, lowerTag); found != nil {
			return found
		}
	}
	return nil
}

func findElementInParent(parent *html.Node, tag string) *html.Node {
	if parent == nil {
		return nil
	}
	lowerTag := strings.ToLower(tag)
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if found := findElementLower(c, lowerTag); found != nil {
			return found
		}
	}
	return nil
}

func findAllElements(root *html.Node, tag string) []*html.Node {
	if root == nil {
		return nil
	}
	tag = strings.ToLower(tag)
	var results []*html.Node

	var search func(*html.Node)
	search = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.ToLower(n.Data) == tag {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			search(c)
		}
	}
	search(root)
	return results
}

func findAllElementsInParent(parent *html.Node, tag string) []*html.Node {
	if parent == nil {
		return nil
	}
	var results []*html.Node
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		results = append(results, findAllElements(c, tag)...)
	}
	return results
}

func getAttr(node *html.Node, name string) string {
	if node == nil {
		return ""
	}
	name = strings.ToLower(name)
	for _, attr := range node.Attr {
		if strings.ToLower(attr.Key) == name {
			return attr.Val
		}
	}
	return ""
}

func textContent(node *html.Node) string {
	if node == nil {
		return ""
	}
	var sb strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(node)
	return sb.String()
}

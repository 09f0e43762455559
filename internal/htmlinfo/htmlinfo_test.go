package htmlinfo

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, body, base string) *Page {
	t.Helper()
	p, err := Parse([]byte(body), base)
	require.NoError(t, err)
	return p
}

func TestTitle(t *testing.T) {
	p := parse(t, `<html><head><title>  Council Votes on Budget  </title></head><body></body></html>`, "https://example.com/")
	assert.Equal(t, "Council Votes on Budget", p.Title())

	long := strings.Repeat("a", 250)
	p = parse(t, `<html><head><title>`+long+`</title></head></html>`, "https://example.com/")
	assert.Len(t, []rune(p.Title()), 200)

	p = parse(t, `<html><head></head><body><title>Body Title</title></body></html>`, "https://example.com/")
	assert.Equal(t, "", p.Title())
}

func TestLinksResolveAndFilter(t *testing.T) {
	body := `<html><body>
		<a href="/news/local/">Local</a>
		<a href="https://other.example.org/story">Story</a>
		<a href="#section">Jump</a>
		<a href="javascript:void(0)">JS</a>
		<a href="mailto:desk@example.com">Mail</a>
		<a href="story-42.html">Relative</a>
	</body></html>`
	p := parse(t, body, "https://example.com/news/")

	links := p.Links()
	require.Len(t, links, 3)
	assert.Equal(t, "https://example.com/news/local/", links[0].URL)
	assert.Equal(t, "Local", links[0].Text)
	assert.Equal(t, "https://other.example.org/story", links[1].URL)
	assert.Equal(t, "https://example.com/news/story-42.html", links[2].URL)
}

func TestCanonicalURL(t *testing.T) {
	body := `<html><head><link rel="canonical" href="/news/story-1"></head></html>`
	p := parse(t, body, "https://example.com/amp/story-1")
	assert.Equal(t, "https://example.com/news/story-1", p.CanonicalURL())
}

func TestPublishedDates(t *testing.T) {
	body := `<html><head>
		<meta property="article:published_time" content="2025-03-10T08:00:00Z">
	</head><body>
		<article><time datetime="2025-03-11">March 11</time></article>
		<script type="application/ld+json">
			{"@context":"https://schema.org","@type":"NewsArticle","datePublished":"2025-03-09T18:30:00Z"}
		</script>
	</body></html>`
	p := parse(t, body, "https://example.com/news/1")

	dates := p.PublishedDates()
	require.Len(t, dates, 3)

	oldest := p.OldestDate()
	assert.Equal(t, 2025, oldest.Year())
	assert.Equal(t, time.March, oldest.Month())
	assert.Equal(t, 9, oldest.Day())
}

func TestOldestDateEmptyPage(t *testing.T) {
	p := parse(t, `<html><body><p>No dates here</p></body></html>`, "https://example.com/")
	assert.True(t, p.OldestDate().IsZero())
}

func TestParseDateRejectsGarbage(t *testing.T) {
	_, ok := parseDate("not-a-date")
	assert.False(t, ok)
	_, ok = parseDate("0001-01-01")
	assert.False(t, ok)
	_, ok = parseDate("2025-03-10")
	assert.True(t, ok)
}

func TestSignalsArticlePage(t *testing.T) {
	body := `<html><head>
		<title>Storm Damages Harbor</title>
		<meta property="og:type" content="article">
	</head><body>
		<article>
			<time datetime="2025-02-01T10:00:00Z">Feb 1</time>
			<p>` + strings.Repeat("The storm surge reached record levels along the harbor. ", 40) + `</p>
			<p>Officials said repairs would take months.</p>
		</article>
		<a href="/about">About</a>
	</body></html>`
	p := parse(t, body, "https://example.com/news/storm")

	sig := p.Signals()
	assert.Equal(t, 1, sig.ArticleTags)
	assert.Equal(t, 2, sig.Paragraphs)
	assert.Equal(t, 1, sig.Links)
	assert.True(t, sig.HasDateMarkup)
	assert.Equal(t, "article", sig.OGType)
	assert.Greater(t, sig.TextLength, 1000)
	assert.Less(t, sig.LinkDensity, 2.0)
}

func TestSignalsHubPage(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`<html><head><title>Latest News</title></head><body><ul>`)
	for i := 0; i < 40; i++ {
		sb.WriteString(`<li><a href="/news/story-` + strings.Repeat("x", i%5+1) + `">Headline</a></li>`)
	}
	sb.WriteString(`</ul></body></html>`)
	p := parse(t, sb.String(), "https://example.com/news/")

	sig := p.Signals()
	assert.Equal(t, 0, sig.ArticleTags)
	assert.Equal(t, 40, sig.Links)
	assert.Greater(t, sig.LinkDensity, 10.0)
}

func TestSignalsDetectJSONLDNews(t *testing.T) {
	body := `<html><body>
		<script type="application/ld+json">{"@type":"NewsArticle","headline":"X"}</script>
		<p>` + strings.Repeat("word ", 100) + `</p>
	</body></html>`
	p := parse(t, body, "https://example.com/")
	assert.True(t, p.Signals().HasJSONLDNews)
}

func TestTextExcludesScripts(t *testing.T) {
	body := `<html><body>
		<p>Visible paragraph.</p>
		<script>var hidden = "should not appear";</script>
		<style>.x { color: red }</style>
	</body></html>`
	p := parse(t, body, "https://example.com/")

	text := p.Text()
	assert.Contains(t, text, "Visible paragraph.")
	assert.NotContains(t, text, "hidden")
	assert.NotContains(t, text, "color")
}

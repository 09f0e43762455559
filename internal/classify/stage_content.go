package classify

import (
	"github.com/newsatlas/crawler/internal/htmlinfo"
	"github.com/newsatlas/crawler/pkg/types"
)

// Content-shape thresholds. Word counts approximate words as text
// length / 6 bytes.
const (
	articleMinTextLen = 1200
	hubMinLinks       = 25
	hubLinkDensity    = 8.0
	navMaxTextLen     = 400
)

// ClassifyContent is the parsed-content stage. It reads only what the
// document itself says; the URL is deliberately not consulted here so the
// two stages stay independent.
func ClassifyContent(page *htmlinfo.Page) types.StageResult {
	sig := page.Signals()
	signals := map[string]any{
		"article_tags":    sig.ArticleTags,
		"paragraphs":      sig.Paragraphs,
		"links":           sig.Links,
		"text_length":     sig.TextLength,
		"link_density":    sig.LinkDensity,
		"has_jsonld_news": sig.HasJSONLDNews,
		"has_date_markup": sig.HasDateMarkup,
		"og_type":         sig.OGType,
	}
	return scoreContent(contentShape{
		ArticleTags:   sig.ArticleTags,
		Paragraphs:    sig.Paragraphs,
		Links:         sig.Links,
		TextLength:    sig.TextLength,
		LinkDensity:   sig.LinkDensity,
		HasJSONLDNews: sig.HasJSONLDNews,
		HasDateMarkup: sig.HasDateMarkup,
		OGTypeArticle: sig.OGType == "article",
	}, signals)
}

// contentShape is the stage-2/stage-3 shared signal set. Stage 3 fills it
// from the rendered DOM instead of the raw HTML.
type contentShape struct {
	ArticleTags   int
	Paragraphs    int
	Links         int
	TextLength    int
	LinkDensity   float64
	HasJSONLDNews bool
	HasDateMarkup bool
	OGTypeArticle bool
}

func scoreContent(shape contentShape, signals map[string]any) types.StageResult {
	articleScore := 0.0
	if shape.HasJSONLDNews {
		articleScore += 0.35
	}
	if shape.OGTypeArticle {
		articleScore += 0.2
	}
	if shape.ArticleTags >= 1 {
		articleScore += 0.15
	}
	if shape.HasDateMarkup {
		articleScore += 0.1
	}
	if shape.TextLength >= articleMinTextLen && shape.Paragraphs >= 3 {
		articleScore += 0.25
	}
	if shape.LinkDensity < 4.0 {
		articleScore += 0.1
	}

	hubScore := 0.0
	if shape.Links >= hubMinLinks {
		hubScore += 0.35
	}
	if shape.LinkDensity >= hubLinkDensity {
		hubScore += 0.35
	}
	if shape.TextLength < articleMinTextLen {
		hubScore += 0.1
	}
	if shape.ArticleTags > 3 {
		// Listing pages frequently wrap each teaser in its own article tag.
		hubScore += 0.15
	}

	switch {
	case articleScore >= 0.55 && articleScore > hubScore:
		return stageResult(types.ClassArticle, clamp(articleScore), "article-shaped content", signals)
	case hubScore >= 0.55 && hubScore > articleScore:
		return stageResult(types.ClassHub, clamp(hubScore), "link-list shaped content", signals)
	case shape.TextLength <= navMaxTextLen && shape.Links < hubMinLinks:
		return stageResult(types.ClassNav, 0.6, "near-empty page body", signals)
	case articleScore > hubScore:
		return stageResult(types.ClassArticle, clamp(articleScore), "weak article signals", signals)
	case hubScore > articleScore:
		return stageResult(types.ClassHub, clamp(hubScore), "weak hub signals", signals)
	}
	return stageResult(types.ClassUnknown, 0.3, "ambiguous content shape", signals)
}

func stageResult(class types.Classification, confidence float64, reason string, signals map[string]any) types.StageResult {
	return types.StageResult{
		Classification: class,
		Confidence:     confidence,
		Reason:         reason,
		Signals:        signals,
	}
}

func clamp(v float64) float64 {
	if v > 0.98 {
		return 0.98
	}
	if v < 0 {
		return 0
	}
	return v
}

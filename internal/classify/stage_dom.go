package classify

import (
	"github.com/newsatlas/crawler/internal/browser"
	"github.com/newsatlas/crawler/pkg/types"
)

// ClassifyDOM is the rendered-DOM stage. It reuses the content scoring on
// counters measured after client-side rendering, so JS-built pages that
// look empty to stage 2 classify correctly here.
func ClassifyDOM(metrics *browser.DOMMetrics) types.StageResult {
	if metrics == nil {
		return types.StageResult{
			Classification: types.ClassUnknown,
			Confidence:     0.1,
			Reason:         "no DOM metrics collected",
		}
	}

	signals := map[string]any{
		"article_tags":     metrics.ArticleTags,
		"paragraphs":       metrics.Paragraphs,
		"links":            metrics.Links,
		"text_length":      metrics.TextLength,
		"link_density":     metrics.LinkDensity,
		"has_jsonld_news":  metrics.HasJSONLDNews,
		"has_article_time": metrics.HasArticleTime,
		"rendered":         true,
	}
	return scoreContent(contentShape{
		ArticleTags:   metrics.ArticleTags,
		Paragraphs:    metrics.Paragraphs,
		Links:         metrics.Links,
		TextLength:    metrics.TextLength,
		LinkDensity:   metrics.LinkDensity,
		HasJSONLDNews: metrics.HasJSONLDNews,
		HasDateMarkup: metrics.HasArticleTime,
	}, signals)
}

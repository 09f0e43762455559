package classify

import (
	"github.com/newsatlas/crawler/pkg/types"
)

// OverrideDelta is how much more confident a later stage must be to
// overturn an earlier one.
const OverrideDelta = 0.15

// Aggregate merges the available stage results into a final
// classification. urlResult is required; contentResult and domResult may
// be nil when those stages did not run.
func Aggregate(urlResult types.StageResult, contentResult, domResult *types.StageResult) types.FinalClassification {
	provenance := types.Provenance{
		URL: contribution(StageURL, urlResult),
	}

	current := urlResult
	rule := "url_only"

	if contentResult != nil {
		provenance.Content = contribution(StageContent, *contentResult)
		if contentResult.Classification == current.Classification {
			// Agreement keeps the higher-confidence stage; the final
			// confidence never exceeds what a stage actually reported.
			rule = "agreement"
			if contentResult.Confidence > current.Confidence {
				current = *contentResult
			}
		} else if contentResult.Confidence-current.Confidence > OverrideDelta {
			current = *contentResult
			rule = "content_override"
		} else {
			rule = "url_retained"
		}
	}

	if domResult != nil {
		provenance.DOM = contribution(StageDOM, *domResult)
		if domResult.Classification == current.Classification {
			if domResult.Confidence > current.Confidence {
				current.Confidence = domResult.Confidence
			}
			rule = rule + "+dom_agreement"
		} else if domResult.Confidence-current.Confidence > OverrideDelta {
			current = *domResult
			rule = "dom_override"
		}
	}

	provenance.Rule = rule
	return types.FinalClassification{
		Classification: current.Classification,
		Confidence:     current.Confidence,
		Provenance:     provenance,
	}
}

func contribution(stage string, result types.StageResult) *types.StageContribution {
	return &types.StageContribution{
		Stage:          stage,
		Classification: result.Classification,
		Confidence:     result.Confidence,
		Reason:         result.Reason,
	}
}

package predict

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/classify"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/pkg/types"
)

// urlSignalsCap bounds the confidence of the weakest prediction source.
const urlSignalsCap = 0.45

// similarURLWeight scales structural similarity into a confidence.
const similarURLWeight = 0.7

// Predictor guesses a classification for a URL before it is fetched. The
// sources are tried strongest first and the ladder stops at the first one
// that fires; the stored row is tagged with its source so verification can
// score each source separately.
type Predictor struct {
	store  *store.Store
	logger *zap.Logger
	clock  func() time.Time
}

// NewPredictor creates a Predictor over the store.
func NewPredictor(s *store.Store, logger *zap.Logger) *Predictor {
	return &Predictor{store: s, logger: logger, clock: time.Now}
}

// Predict runs the source ladder for a URL, upserts the winning prediction,
// and returns it. Returns (nil, nil) when no source can say anything.
func (p *Predictor) Predict(u *store.URLRow) (*store.PredictionRow, error) {
	now := p.clock()
	var best *store.PredictionRow

	record := func(row store.PredictionRow) error {
		row.URLID = u.ID
		if err := p.store.UpsertPrediction(row, now); err != nil {
			return err
		}
		if best == nil || row.Confidence > best.Confidence {
			r := row
			best = &r
		}
		return nil
	}

	if row, err := p.fromLearnedPattern(u); err != nil {
		return nil, err
	} else if row != nil {
		if err := record(*row); err != nil {
			return nil, err
		}
	}

	if best == nil {
		if row, err := p.fromSimilarURL(u); err != nil {
			return nil, err
		} else if row != nil {
			if err := record(*row); err != nil {
				return nil, err
			}
		}
	}

	if best == nil {
		if row, err := p.fromDomainProfile(u); err != nil {
			return nil, err
		} else if row != nil {
			if err := record(*row); err != nil {
				return nil, err
			}
		}
	}

	if best == nil {
		if row := p.fromURLSignals(u); row != nil {
			if err := record(*row); err != nil {
				return nil, err
			}
		}
	}

	return best, nil
}

// fromLearnedPattern matches the URL path against the host's learned
// patterns, highest accuracy first. Confidence is the pattern's accuracy.
func (p *Predictor) fromLearnedPattern(u *store.URLRow) (*store.PredictionRow, error) {
	patterns, err := p.store.PatternsByHost(u.Host)
	if err != nil {
		return nil, fmt.Errorf("predict %q: %w", u.Normalized, err)
	}

	var bestPattern *store.PatternRow
	for i := range patterns {
		pat := &patterns[i]
		re, err := regexp.Compile(pat.Template)
		if err != nil {
			continue // hub seeder templates are not regexes
		}
		if !re.MatchString(u.Path) {
			continue
		}
		if bestPattern == nil || pat.Accuracy > bestPattern.Accuracy {
			bestPattern = pat
		}
	}
	if bestPattern == nil || bestPattern.Accuracy <= 0 {
		return nil, nil
	}
	return &store.PredictionRow{
		Predicted:      bestPattern.Classification,
		Confidence:     bestPattern.Accuracy,
		Source:         types.PredictLearnedPattern,
		PatternMatched: bestPattern.Template,
	}, nil
}

// fromSimilarURL finds a verified-classified URL on the same host whose
// structural signature matches. Confidence is 0.7 x similarity.
func (p *Predictor) fromSimilarURL(u *store.URLRow) (*store.PredictionRow, error) {
	verified, err := p.store.VerifiedClassificationsByHost(u.Host, 500)
	if err != nil {
		return nil, fmt.Errorf("predict %q: %w", u.Normalized, err)
	}
	sig := StructuralSignature(u.Path)

	var bestSim float64
	var bestMatch *store.VerifiedURLClassification
	for i := range verified {
		v := &verified[i]
		if v.URLID == u.ID {
			continue
		}
		sim := similarity(sig, StructuralSignature(v.Path))
		if sim > bestSim {
			bestSim = sim
			bestMatch = v
		}
	}
	if bestMatch == nil || bestSim < 0.5 {
		return nil, nil
	}
	return &store.PredictionRow{
		Predicted:    bestMatch.Classification,
		Confidence:   similarURLWeight * bestSim,
		Source:       types.PredictSimilarURL,
		SimilarURLID: bestMatch.URLID,
	}, nil
}

// fromDomainProfile uses the majority verified class on the host. Confidence
// scales with how dominant the majority is and how many samples back it.
func (p *Predictor) fromDomainProfile(u *store.URLRow) (*store.PredictionRow, error) {
	verified, err := p.store.VerifiedClassificationsByHost(u.Host, 500)
	if err != nil {
		return nil, fmt.Errorf("predict %q: %w", u.Normalized, err)
	}
	if len(verified) < 5 {
		return nil, nil
	}

	counts := map[types.Classification]int{}
	for _, v := range verified {
		counts[v.Classification]++
	}
	var majority types.Classification
	var majorityN int
	for class, n := range counts {
		if n > majorityN {
			majority, majorityN = class, n
		}
	}
	strength := float64(majorityN) / float64(len(verified))
	if strength < 0.6 {
		return nil, nil
	}
	return &store.PredictionRow{
		Predicted:  majority,
		Confidence: 0.6 * strength,
		Source:     types.PredictDomainProfile,
	}, nil
}

// fromURLSignals falls back to the URL-only classification stage, capped.
func (p *Predictor) fromURLSignals(u *store.URLRow) *store.PredictionRow {
	result := classify.ClassifyURL(u.Normalized)
	if result.Classification == types.ClassUnknown {
		return nil
	}
	confidence := result.Confidence
	if confidence > urlSignalsCap {
		confidence = urlSignalsCap
	}
	return &store.PredictionRow{
		Predicted:  result.Classification,
		Confidence: confidence,
		Source:     types.PredictURLSignals,
	}
}

// Verify scores every stored prediction for a URL against the actual
// content classification, and feeds the outcome back into matched patterns'
// accuracy.
func (p *Predictor) Verify(u *store.URLRow, actual types.Classification) error {
	now := p.clock()
	rows, err := p.store.VerifyPredictions(u.ID, actual, now)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.Source != types.PredictLearnedPattern || row.PatternMatched == "" {
			continue
		}
		patterns, err := p.store.PatternsByHost(u.Host)
		if err != nil {
			return err
		}
		for i := range patterns {
			if patterns[i].Template != row.PatternMatched {
				continue
			}
			correct := row.Predicted == actual
			if err := p.store.RecordPatternVerification(patterns[i].ID, correct, now); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

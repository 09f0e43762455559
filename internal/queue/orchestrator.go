// Package queue decides, for every discovered URL, whether it enters the
// crawl and with what priority. One orchestrator owns dedupe, admission,
// prioritization, and politeness-aware leasing; workers never touch the
// queue tables directly.
package queue

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/common/urlutil"
	"github.com/newsatlas/crawler/internal/gazetteer"
	"github.com/newsatlas/crawler/internal/predict"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/internal/telemetry"
	"github.com/newsatlas/crawler/pkg/types"
)

// Default priority shares. The recency boost is maximal for page 1 of a
// paginated archive and decays with page number.
const (
	defaultBasePriority = 10.0
	recencyBoostMax     = 10.0
	hubClassBoost       = 5.0
	articleClassBoost   = 2.0
	lowValuePenalty     = -5.0
)

// HostConfigFunc returns per-host overrides, nil when none exist.
type HostConfigFunc func(host string) *configtypes.HostConfig

// Orchestrator is the single admission point for URLs.
type Orchestrator struct {
	store     *store.Store
	predictor *predict.Predictor
	cfg       configtypes.QueueConfig
	hostCfg   HostConfigFunc
	emitter   telemetry.Emitter
	logger    *zap.Logger
	clock     func() time.Time
}

// NewOrchestrator wires the orchestrator. predictor may be nil (no
// admission prediction); hostCfg may be nil (no per-host rules).
func NewOrchestrator(s *store.Store, predictor *predict.Predictor, cfg configtypes.QueueConfig,
	hostCfg HostConfigFunc, emitter telemetry.Emitter, logger *zap.Logger) *Orchestrator {
	if emitter == nil {
		emitter = telemetry.NoopEmitter{}
	}
	return &Orchestrator{
		store:     s,
		predictor: predictor,
		cfg:       cfg,
		hostCfg:   hostCfg,
		emitter:   emitter,
		logger:    logger,
		clock:     time.Now,
	}
}

// Candidate is one URL proposed for crawling with its discovery context.
type Candidate struct {
	RawURL string
	// Place, when the URL was derived from a gazetteer entry.
	Population int64
	// PageNumber of a paginated archive URL; 0 for unpaginated.
	PageNumber int
	// Boost is an extra caller-supplied priority delta.
	Boost float64
	// ReadyAfter delays the entry; zero means immediately ready.
	ReadyAfter time.Time
}

// Outcome reports what admission did with a candidate.
type Outcome struct {
	URL      *store.URLRow
	Admitted bool
	Reason   string
	Priority float64
}

// Admit normalizes, dedupes, predicts, scores, and enqueues one candidate.
// A URL already queued keeps the higher of the two priorities.
func (o *Orchestrator) Admit(c Candidate) (*Outcome, error) {
	normalized, err := urlutil.Normalize(c.RawURL)
	if err != nil {
		return &Outcome{Reason: "unparseable"}, nil
	}

	// Per-host skip rules veto before anything is persisted.
	host := urlutil.ExtractHost(normalized)
	if o.cfg.BlockPrivateHosts {
		if err := urlutil.ValidateHostNotPrivateIP(urlutil.ExtractHostname(host)); err != nil {
			return &Outcome{Reason: "private address"}, nil
		}
	}
	if hc := o.hostConfig(host); hc != nil {
		if rule := hc.URLRules.FirstMatch(urlutil.PathQuery(normalized)); rule != nil && rule.Action == types.ActionSkip {
			return &Outcome{Reason: "skip rule"}, nil
		}
	}

	now := o.clock()
	u, err := o.store.EnsureURL(normalized, now)
	if err != nil {
		return nil, fmt.Errorf("admit %q: %w", c.RawURL, err)
	}

	priority := o.basePriority() + c.Boost
	if c.PageNumber > 0 {
		priority += recencyBoostMax / float64(c.PageNumber)
	}
	if c.Population > 0 {
		priority += gazetteer.PopulationBoost(c.Population, o.populationWeight())
	}

	if o.predictor != nil {
		prediction, err := o.predictor.Predict(u)
		if err != nil {
			return nil, fmt.Errorf("admit %q: %w", c.RawURL, err)
		}
		if prediction != nil {
			switch prediction.Predicted {
			case types.ClassHub:
				priority += hubClassBoost * prediction.Confidence
			case types.ClassArticle:
				priority += articleClassBoost * prediction.Confidence
			case types.ClassNav, types.ClassOther:
				if prediction.Confidence >= o.minPredictedConfidence() {
					return &Outcome{URL: u, Reason: "predicted low-value"}, nil
				}
				priority += lowValuePenalty * prediction.Confidence
			}
		}
	}

	if hc := o.hostConfig(host); hc != nil {
		if rule := hc.URLRules.FirstMatch(urlutil.PathQuery(normalized)); rule != nil && rule.Action == types.ActionBoost {
			priority += rule.Boost
		}
	}

	queued, err := o.store.Enqueue(u.ID, priority, c.ReadyAfter, now)
	if err != nil {
		return nil, fmt.Errorf("admit %q: %w", c.RawURL, err)
	}
	if !queued {
		return &Outcome{URL: u, Reason: "already processed"}, nil
	}
	return &Outcome{URL: u, Admitted: true, Priority: priority}, nil
}

// Lease hands the highest-priority ready URL to a worker. Returns
// (nil, nil, nil) when nothing is ready.
func (o *Orchestrator) Lease(owner string) (*store.QueueRow, *store.URLRow, error) {
	return o.store.Lease(owner, o.clock())
}

// LeaseForHost restricts leasing to one host.
func (o *Orchestrator) LeaseForHost(owner, host string) (*store.QueueRow, *store.URLRow, error) {
	return o.store.LeaseForHost(owner, host, o.clock())
}

// Complete marks a leased URL done.
func (o *Orchestrator) Complete(urlID int64) error {
	return o.store.CompleteLease(urlID)
}

// Skip marks a leased URL permanently skipped.
func (o *Orchestrator) Skip(urlID int64) error {
	return o.store.SkipLease(urlID)
}

// Defer releases a lease back to QUEUED with a ready-after delay, used when
// the host's breaker is open.
func (o *Orchestrator) Defer(urlID int64, until time.Time) error {
	return o.store.DeferLease(urlID, until)
}

// ReleaseStale requeues leases older than maxAge, recovering from worker
// crashes.
func (o *Orchestrator) ReleaseStale(maxAge time.Duration) (int64, error) {
	return o.store.ReleaseStaleLeases(maxAge, o.clock())
}

// CachedSeed is one previously downloaded hub replayed from storage: it
// bypasses the network entirely and feeds classification and discovery.
type CachedSeed struct {
	URL        *store.URLRow
	ResponseID int64
	Body       []byte
}

// SeedFromCache replays the host's verified hub downloads as virtual
// entries. No queue rows or http_responses are created.
func (o *Orchestrator) SeedFromCache(host string, limit int) ([]CachedSeed, error) {
	urls, err := o.store.VerifiedURLsByHost(host, limit)
	if err != nil {
		return nil, fmt.Errorf("seed from cache %q: %w", host, err)
	}

	var seeds []CachedSeed
	for i := range urls {
		u := &urls[i]
		resp, err := o.store.LatestVerifiedResponse(u.ID)
		if err != nil || resp == nil {
			continue
		}
		body, _, err := o.store.ContentBody(resp.ID)
		if err != nil || len(body) == 0 {
			continue
		}
		seeds = append(seeds, CachedSeed{URL: u, ResponseID: resp.ID, Body: body})
	}

	o.emitter.Emit(telemetry.Event{
		Type:      telemetry.EventQueueSeeded,
		Scope:     "host",
		Target:    host,
		ItemCount: int64(len(seeds)),
	})
	return seeds, nil
}

// Depth returns the queued-entry count for a host.
func (o *Orchestrator) Depth(host string) (int64, error) {
	return o.store.QueueDepth(host)
}

func (o *Orchestrator) hostConfig(host string) *configtypes.HostConfig {
	if o.hostCfg == nil {
		return nil
	}
	return o.hostCfg(host)
}

func (o *Orchestrator) basePriority() float64 {
	if o.cfg.BasePriority != 0 {
		return o.cfg.BasePriority
	}
	return defaultBasePriority
}

func (o *Orchestrator) populationWeight() float64 {
	if o.cfg.PopulationWeight > 0 {
		return o.cfg.PopulationWeight
	}
	return 1.0
}

func (o *Orchestrator) minPredictedConfidence() float64 {
	if o.cfg.MinPredictedConfidence > 0 {
		return o.cfg.MinPredictedConfidence
	}
	return 0.8
}

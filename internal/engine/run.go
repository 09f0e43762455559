package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/newsatlas/crawler/internal/classify"
	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/common/urlutil"
	"github.com/newsatlas/crawler/internal/discovery"
	"github.com/newsatlas/crawler/internal/fetch"
	"github.com/newsatlas/crawler/internal/htmlinfo"
	"github.com/newsatlas/crawler/internal/queue"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/internal/telemetry"
	"github.com/newsatlas/crawler/internal/validate"
	"github.com/newsatlas/crawler/pkg/types"
)

// errRunComplete stops the worker group without reporting a failure.
var errRunComplete = errors.New("run complete")

// RunSpec describes one crawl run.
type RunSpec struct {
	TaskID    string
	StartURLs []string
	// SeedHosts replay previously verified downloads for these hosts as
	// virtual entries before crawling starts.
	SeedHosts []string
	// MaxPages caps fetch attempts; 0 means unbounded.
	MaxPages int
	// Target stops the run once this many verified downloads happened
	// within it; 0 means run until the queue drains.
	Target  int
	Timeout time.Duration
}

// SpecForSequence builds a RunSpec from a named config sequence.
func SpecForSequence(seq *configtypes.SequenceConfig) RunSpec {
	return RunSpec{
		TaskID:    seq.Name + "-" + uuid.NewString()[:8],
		StartURLs: seq.StartURLs,
		SeedHosts: seq.SeedFromCache,
		MaxPages:  seq.MaxPages,
	}
}

// RunReport is what a finished run claims, with every count derived from
// the database rather than in-memory tallies.
type RunReport struct {
	TaskID        string    `json:"task_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Baseline      int64     `json:"baseline"`
	Verified      int64     `json:"verified"`
	Target        int       `json:"target,omitempty"`
	Achieved      bool      `json:"achieved"`
	PagesFetched  int64     `json:"pages_fetched"`
	PagesFailed   int64     `json:"pages_failed"`
	CacheHits     int64     `json:"cache_hits"`
	QueueRemained int64     `json:"queue_remained"`
}

// runState carries the live counters one run shares across workers.
type runState struct {
	spec     RunSpec
	cancel   context.CancelFunc
	attempts atomic.Int64
	verified atomic.Int64
	failed   atomic.Int64
	cached   atomic.Int64
	inflight atomic.Int64
}

// Run executes one crawl: seed, work the queue until it drains or the
// target or timeout is hit, and report from the database.
func (e *Engine) Run(ctx context.Context, spec RunSpec) (*RunReport, error) {
	if spec.TaskID == "" {
		spec.TaskID = uuid.NewString()
	}
	start := time.Now().UTC()
	baseline, err := e.c.Store.VerifiedCount(time.Time{}, start)
	if err != nil {
		return nil, err
	}

	if spec.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, spec.Timeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := &runState{spec: spec, cancel: cancel}

	if err := e.seed(ctx, state); err != nil {
		return nil, err
	}

	if e.c.Stall != nil {
		e.c.Stall.Start()
		defer e.c.Stall.Stop()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	workers := e.workers()
	e.logger.Info("Crawl run starting",
		zap.String("task", spec.TaskID),
		zap.Int("workers", workers),
		zap.Int("target", spec.Target))

	group.Go(func() error { return e.janitor(groupCtx) })
	for i := 0; i < workers; i++ {
		owner := fmt.Sprintf("%s/w%d", spec.TaskID, i)
		group.Go(func() error { return e.workLoop(groupCtx, state, owner) })
	}

	runErr := group.Wait()
	if runErr != nil && !errors.Is(runErr, errRunComplete) &&
		!errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return nil, runErr
	}

	return e.report(state, start, baseline)
}

// report derives the run outcome from the evidence tables.
func (e *Engine) report(state *runState, start time.Time, baseline int64) (*RunReport, error) {
	end := time.Now().UTC()
	verified, err := e.c.Store.VerifiedCount(start, end)
	if err != nil {
		return nil, err
	}

	var remained int64
	if counts, err := e.c.Store.QueueStateCounts(); err == nil {
		remained = counts[types.QueueQueued]
	}

	report := &RunReport{
		TaskID:        state.spec.TaskID,
		Start:         start,
		End:           end,
		Baseline:      baseline,
		Verified:      verified,
		Target:        state.spec.Target,
		Achieved:      state.spec.Target == 0 || verified >= int64(state.spec.Target),
		PagesFetched:  state.verified.Load(),
		PagesFailed:   state.failed.Load(),
		CacheHits:     state.cached.Load(),
		QueueRemained: remained,
	}
	e.logger.Info("Crawl run finished",
		zap.String("task", report.TaskID),
		zap.Int64("verified", report.Verified),
		zap.Int64("failed", report.PagesFailed),
		zap.Bool("achieved", report.Achieved))
	return report, nil
}

// seed admits start URLs, queues open place-hub mappings for the run's
// hosts, and replays cached downloads for seed hosts.
func (e *Engine) seed(ctx context.Context, state *runState) error {
	hosts := map[string]bool{}
	for _, raw := range state.spec.StartURLs {
		out, err := e.c.Queue.Admit(queue.Candidate{RawURL: raw, Boost: 5})
		if err != nil {
			return fmt.Errorf("seed %q: %w", raw, err)
		}
		if !out.Admitted {
			e.logger.Warn("Seed URL not admitted",
				zap.String("url", raw), zap.String("reason", out.Reason))
		}
		hosts[urlutil.ExtractHost(raw)] = true
	}
	for _, host := range state.spec.SeedHosts {
		hosts[host] = true
	}
	for host := range hosts {
		if host != "" {
			e.queueOpenMappings(host)
		}
	}

	for _, host := range state.spec.SeedHosts {
		seeds, err := e.c.Queue.SeedFromCache(host, 500)
		if err != nil {
			return err
		}
		for _, seed := range seeds {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_, contentID, _ := e.contentIDOf(seed.ResponseID)
			e.analyze(seed.URL, seed.Body, contentID, state)
		}
		e.logger.Info("Seeded from cache",
			zap.String("host", host), zap.Int("pages", len(seeds)))
	}
	return nil
}

func (e *Engine) contentIDOf(responseID int64) ([]byte, int64, error) {
	return e.c.Store.ContentBody(responseID)
}

// queueOpenMappings admits candidate and pending place-hub mapping URLs for
// one host. Candidates move to pending once queued; the fetch that comes
// back settles them.
func (e *Engine) queueOpenMappings(host string) {
	for _, status := range []types.MappingStatus{types.MappingCandidate, types.MappingPending} {
		mappings, err := e.c.Store.Mappings(store.MappingFilter{Host: host, Status: status})
		if err != nil {
			e.logger.Warn("Open mapping lookup failed", zap.String("host", host), zap.Error(err))
			return
		}
		for _, m := range mappings {
			out, err := e.c.Queue.Admit(queue.Candidate{RawURL: m.URL, Boost: 3})
			if err != nil || !out.Admitted {
				continue
			}
			if m.Status == types.MappingCandidate {
				if err := e.c.Store.PromoteMappingPending(m.ID); err != nil {
					e.logger.Warn("Mapping promote failed", zap.Int64("mapping", m.ID), zap.Error(err))
				}
			}
		}
	}
}

// settleMapping closes out an open place-hub mapping once its URL has been
// fetched: present when the page really is a hub, absent otherwise.
func (e *Engine) settleMapping(state *runState, u *store.URLRow, class types.Classification, confidence float64) {
	m, err := e.c.Store.OpenMappingByURL(u.Normalized)
	if err != nil || m == nil {
		return
	}
	if m.Status == types.MappingCandidate {
		if err := e.c.Store.PromoteMappingPending(m.ID); err != nil {
			e.logger.Warn("Mapping promote failed", zap.Int64("mapping", m.ID), zap.Error(err))
			return
		}
	}

	presence := types.PresenceAbsent
	if class == types.ClassHub {
		presence = types.PresencePresent
	}
	if err := e.c.Store.VerifyMapping(m.ID, presence, confidence, time.Now()); err != nil {
		e.logger.Warn("Mapping verify failed", zap.Int64("mapping", m.ID), zap.Error(err))
		return
	}
	e.c.Emitter.Emit(telemetry.Event{
		TaskID: state.spec.TaskID,
		Type:   telemetry.EventHubVerified,
		Scope:  "mapping",
		Target: m.URL,
		Payload: map[string]any{
			"mapping_id": m.ID,
			"place_id":   m.PlaceID,
			"page_kind":  string(m.PageKind),
			"presence":   string(presence),
		},
	})
}

// janitor periodically releases stale leases and probes archives for hosts
// whose queues ran low.
func (e *Engine) janitor(ctx context.Context) error {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if n, err := e.c.Queue.ReleaseStale(DefaultLeaseMaxAge); err == nil && n > 0 {
			e.logger.Info("Released stale leases", zap.Int64("count", n))
		}

		if e.c.Archive != nil {
			hosts, err := e.c.Store.ActiveHosts()
			if err != nil {
				continue
			}
			for _, host := range hosts {
				if _, err := e.c.Archive.MaybeProbe(host, nil); err != nil {
					e.logger.Warn("Archive probe failed", zap.String("host", host), zap.Error(err))
				}
			}
		}
	}
}

// workLoop leases and processes queue entries until the run stops or the
// queue stays empty with no work in flight.
func (e *Engine) workLoop(ctx context.Context, state *runState, owner string) error {
	idleSince := time.Time{}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, u, err := e.c.Queue.Lease(owner)
		if err != nil {
			return err
		}
		if u == nil {
			// Empty queue only ends the run when nobody is mid-page;
			// in-flight work may still discover links.
			if state.inflight.Load() == 0 {
				if idleSince.IsZero() {
					idleSince = time.Now()
				} else if time.Since(idleSince) > 2*time.Second {
					state.cancel()
					return errRunComplete
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idlePollInterval):
			}
			continue
		}
		idleSince = time.Time{}

		state.inflight.Add(1)
		e.processURL(ctx, state, u)
		state.inflight.Add(-1)

		if state.spec.MaxPages > 0 && state.attempts.Load() >= int64(state.spec.MaxPages) {
			state.cancel()
			return errRunComplete
		}
		if state.spec.Target > 0 && state.verified.Load() >= int64(state.spec.Target) {
			state.cancel()
			return errRunComplete
		}
	}
}

// processURL runs one queue entry through fetch, classification, and
// discovery, then settles its queue state.
func (e *Engine) processURL(ctx context.Context, state *runState, u *store.URLRow) {
	state.attempts.Add(1)

	result, err := e.c.Pipeline.Fetch(ctx, u, e.kindHint(u))
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("Fetch error", zap.String("url", u.Normalized), zap.Error(err))
		}
		_ = e.c.Queue.Defer(u.ID, time.Now().Add(deferRetryAfter))
		return
	}

	switch result.Outcome {
	case fetch.OutcomeDeferred:
		_ = e.c.Queue.Defer(u.ID, time.Now().Add(deferRetryAfter))

	case fetch.OutcomeSkipped:
		_ = e.c.Queue.Skip(u.ID)

	case fetch.OutcomeFailed:
		state.failed.Add(1)
		if e.c.Pagination != nil && exhaustsPattern(result) {
			e.c.Pagination.MarkExhausted(u.Normalized)
		}
		e.settleMapping(state, u, types.ClassUnknown, 0)
		_ = e.c.Queue.Complete(u.ID)

	case fetch.OutcomeFetched, fetch.OutcomeCached:
		if result.Outcome == fetch.OutcomeCached {
			state.cached.Add(1)
		} else {
			state.verified.Add(1)
		}
		e.analyze(u, result.Body, result.ContentID, state)
		_ = e.c.Queue.Complete(u.ID)
	}
}

// exhaustsPattern reports whether a failed fetch means a paginated archive
// ran past its end: the page is gone, or it answered 200 with an empty
// shell. Throttles and block pages keep speculation alive.
func exhaustsPattern(result *fetch.Result) bool {
	if result.Status == 404 {
		return true
	}
	return result.Status == 200 && result.Reason == validate.ReasonBodyTooSmall
}

// kindHint decides cache-freshness semantics for a URL before fetching it.
func (e *Engine) kindHint(u *store.URLRow) fetch.KindHint {
	urlStage := classify.ClassifyURL(u.Normalized)
	if urlStage.Classification == types.ClassHub {
		return fetch.KindHub
	}
	return fetch.KindArticle
}

// analyze classifies a downloaded page, records the verdict, and feeds
// discovered URLs back into the queue.
func (e *Engine) analyze(u *store.URLRow, body []byte, contentID int64, state *runState) {
	if len(body) == 0 {
		return
	}

	if discovery.IsSitemapPath(u.Path) {
		e.admitSitemap(u, body)
		return
	}
	if u.Path == "/robots.txt" {
		e.admitAll(u.Host, discovery.SitemapsFromRobots(body), 0)
		return
	}

	page, err := htmlinfo.Parse(body, u.Normalized)
	if err != nil {
		e.logger.Warn("Parse failed", zap.String("url", u.Normalized), zap.Error(err))
		return
	}

	urlStage := classify.ClassifyURL(u.Normalized)
	contentStage := classify.ClassifyContent(page)
	final := classify.Aggregate(urlStage, &contentStage, nil)

	if contentID != 0 {
		signals, _ := json.Marshal(final.Provenance)
		if _, err := e.c.Store.InsertAnalysis(contentID, final.Classification, final.Confidence, string(signals), time.Now()); err != nil {
			e.logger.Warn("Analysis insert failed", zap.Int64("content", contentID), zap.Error(err))
		}
	}
	if e.c.Metrics != nil {
		e.c.Metrics.RecordClassification(string(final.Classification), final.Provenance.Rule)
	}
	if e.c.Predictor != nil {
		if err := e.c.Predictor.Verify(u, final.Classification); err != nil {
			e.logger.Warn("Prediction verify failed", zap.String("url", u.Normalized), zap.Error(err))
		}
	}
	e.settleMapping(state, u, final.Classification, final.Confidence)

	e.discover(u, page, final.Classification)
}

// discover admits the page's outbound links and speculative pagination.
// Only same-host links are followed; the crawl stays inside its seeds.
func (e *Engine) discover(u *store.URLRow, page *htmlinfo.Page, class types.Classification) {
	if e.c.Pagination != nil && class == types.ClassHub {
		if len(page.Links()) == 0 {
			// A hub that lists nothing is as final as a 404.
			e.c.Pagination.MarkExhausted(u.Normalized)
		} else {
			for _, candidate := range e.c.Pagination.Observe(u.Normalized) {
				if _, err := e.c.Queue.Admit(candidate); err != nil {
					e.logger.Warn("Speculative admit failed", zap.String("url", candidate.RawURL), zap.Error(err))
				}
			}
		}
	}

	admitted := 0
	for _, link := range page.Links() {
		if admitted >= maxLinksPerPage {
			break
		}
		if !sameHost(link.URL, u.Host) {
			continue
		}
		out, err := e.c.Queue.Admit(queue.Candidate{RawURL: link.URL})
		if err != nil {
			e.logger.Warn("Link admit failed", zap.String("url", link.URL), zap.Error(err))
			continue
		}
		if out.Admitted {
			admitted++
		}
	}
}

// admitSitemap feeds a sitemap document's locations into the queue; nested
// sitemaps are admitted as URLs and parsed when they come back through.
func (e *Engine) admitSitemap(u *store.URLRow, body []byte) {
	sm, err := discovery.ParseSitemap(body)
	if err != nil {
		e.logger.Warn("Sitemap parse failed", zap.String("url", u.Normalized), zap.Error(err))
		return
	}
	e.admitAll(u.Host, sm.Nested, 3)
	e.admitAll(u.Host, sm.URLs, 0)
}

func (e *Engine) admitAll(host string, urls []string, boost float64) {
	for _, raw := range urls {
		if !sameHost(raw, host) {
			continue
		}
		if _, err := e.c.Queue.Admit(queue.Candidate{RawURL: raw, Boost: boost}); err != nil {
			e.logger.Warn("Admit failed", zap.String("url", raw), zap.Error(err))
		}
	}
}

func sameHost(rawURL, host string) bool {
	linkHost := urlutil.HostKey(rawURL)
	if linkHost == "" {
		return false
	}
	host = urlutil.ExtractHostname(host)
	return linkHost == host || strings.TrimPrefix(linkHost, "www.") == strings.TrimPrefix(host, "www.")
}

// Package hubprobe measures how deep a verified hub's archive pagination
// goes. Sites rarely 404 past the end; they redirect to page 1, serve the
// same content under every page number, or jump back to recent articles.
// The prober detects all three and reports the last real page.
package hubprobe

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/common/urlutil"
	"github.com/newsatlas/crawler/internal/htmlinfo"
	"github.com/newsatlas/crawler/internal/signature"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/internal/telemetry"
)

// Prober defaults.
const (
	DefaultProbeDelay      = 500 * time.Millisecond
	DefaultDepthCeiling    = 10000
	DefaultTimeTravelSlack = 7 * 24 * time.Hour

	// Bodies smaller than this are treated as empty pages.
	minPageBytes = 128
)

// Page is one fetched probe page.
type Page struct {
	Status   int
	Body     []byte
	FinalURL string
}

// PageFetcher fetches one URL for probing. Implementations go through the
// ordinary fetch pipeline so probes leave evidence and respect politeness.
type PageFetcher interface {
	FetchPage(ctx context.Context, rawURL string) (*Page, error)
}

// Report is the outcome of one depth probe.
type Report struct {
	MappingID     int64
	URL           string
	Shape         urlutil.PageShape
	Depth         int
	OldestContent time.Time
	PagesFetched  int
}

// Prober runs depth probes against verified hub mappings.
type Prober struct {
	store   *store.Store
	fetcher PageFetcher
	cfg     configtypes.HubProbeConfig
	emitter telemetry.Emitter
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewProber wires the prober.
func NewProber(s *store.Store, fetcher PageFetcher, cfg configtypes.HubProbeConfig, emitter telemetry.Emitter, logger *zap.Logger) *Prober {
	if emitter == nil {
		emitter = telemetry.NoopEmitter{}
	}
	return &Prober{
		store:   s,
		fetcher: fetcher,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pageInfo is what the prober keeps about a fetched page.
type pageInfo struct {
	ok     bool
	sig    uint64
	oldest time.Time
}

// probeState carries the per-probe baseline and counters.
type probeState struct {
	base     string
	shape    urlutil.PageShape
	baseline pageInfo
	// secondInfo is page 2 under the chosen shape, the starting "deepest
	// good page" for the depth search.
	secondInfo pageInfo
	baseURL    string // normalized page-1 URL, for redirect-loopback detection
	fetched    int
	oldest     time.Time
}

// Probe measures the archive depth of one mapping and records the result.
// The returned report is also persisted via the mapping row.
func (p *Prober) Probe(ctx context.Context, mappingID int64) (*Report, error) {
	mapping, err := p.store.MappingByID(mappingID)
	if err != nil {
		return nil, fmt.Errorf("probe mapping %d: %w", mappingID, err)
	}
	if mapping == nil {
		return nil, fmt.Errorf("probe mapping %d: not found", mappingID)
	}

	report, probeErr := p.probeMapping(ctx, mapping)
	now := time.Now()
	if probeErr != nil {
		if err := p.store.RecordMappingDepthError(mappingID, probeErr.Error(), now); err != nil {
			p.logger.Warn("Depth error record failed", zap.Int64("mapping", mappingID), zap.Error(err))
		}
		return nil, probeErr
	}

	oldest := ""
	if !report.OldestContent.IsZero() {
		oldest = report.OldestContent.Format(time.RFC3339)
	} else {
		p.logger.Debug("Archive pages carried no parseable dates",
			zap.String("url", mapping.URL), zap.Int("depth", report.Depth))
	}
	if err := p.store.RecordMappingDepth(mappingID, int64(report.Depth), oldest, now); err != nil {
		return nil, fmt.Errorf("probe mapping %d: %w", mappingID, err)
	}

	p.emitter.Emit(telemetry.Event{
		Type:      telemetry.EventHubDepthProbed,
		Scope:     "mapping",
		Target:    report.URL,
		ItemCount: int64(report.Depth),
		Payload: map[string]any{
			"mapping_id":     mappingID,
			"pages_fetched":  report.PagesFetched,
			"shape":          string(report.Shape),
			"oldest_content": oldest,
		},
	})
	return report, nil
}

// ProbeAll probes every verified hub of a host, continuing past individual
// failures. Returns the successful reports.
func (p *Prober) ProbeAll(ctx context.Context, host string, limit int) ([]*Report, error) {
	hubs, err := p.store.VerifiedHubs(host, limit)
	if err != nil {
		return nil, err
	}
	var reports []*Report
	for _, hub := range hubs {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		report, err := p.Probe(ctx, hub.ID)
		if err != nil {
			p.logger.Warn("Depth probe failed",
				zap.Int64("mapping", hub.ID), zap.String("url", hub.URL), zap.Error(err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (p *Prober) probeMapping(ctx context.Context, mapping *store.MappingRow) (*Report, error) {
	state, err := p.establishShape(ctx, mapping.URL)
	if err != nil {
		return nil, err
	}

	report := &Report{
		MappingID: mapping.ID,
		URL:       mapping.URL,
		Shape:     state.shape,
		Depth:     1,
	}
	if state.shape == "" {
		// No pagination shape responds with distinct content: single page.
		report.OldestContent = state.oldest
		report.PagesFetched = state.fetched
		return report, nil
	}

	depth, err := p.searchDepth(ctx, state)
	if err != nil {
		return nil, err
	}
	report.Depth = depth
	report.OldestContent = state.oldest
	report.PagesFetched = state.fetched
	return report, nil
}

// establishShape fetches page 1, then finds a pagination shape whose page 2
// is a real, distinct page. A page 2 that near-duplicates page 1 means the
// site ignores that page parameter, so the next shape is tried, ending with
// the "/all" variant of the section.
func (p *Prober) establishShape(ctx context.Context, hubURL string) (*probeState, error) {
	base := hubURL
	var shapes []urlutil.PageShape
	if pg, ok := urlutil.ParsePagination(hubURL); ok {
		base = pg.Base
		shapes = []urlutil.PageShape{pg.Shape}
	} else {
		shapes = []urlutil.PageShape{urlutil.ShapeQueryPage, urlutil.ShapePathPage}
	}

	state := &probeState{base: base}

	first, info, err := p.fetchInfo(ctx, base, state, pageInfo{})
	if err != nil {
		return nil, err
	}
	if !info.ok {
		return nil, fmt.Errorf("hub page unreachable (status %d)", first.Status)
	}
	state.baseline = info
	state.baseURL = normalizeOr(first.FinalURL, base)
	state.oldest = info.oldest

	if shape, ok := p.findShape(ctx, state, base, shapes); ok {
		state.shape = shape
		return state, nil
	}

	// Some sections paginate only under an "/all" listing.
	allBase := urlutil.SectionAllURL(base)
	if allBase != base {
		if _, allInfo, err := p.fetchInfo(ctx, allBase, state, state.baseline); err == nil && allInfo.ok {
			if shape, ok := p.findShape(ctx, state, allBase, []urlutil.PageShape{urlutil.ShapeQueryPage}); ok {
				state.base = allBase
				state.shape = shape
				return state, nil
			}
		}
	}
	return state, nil
}

// findShape returns the first shape whose page 2 is good.
func (p *Prober) findShape(ctx context.Context, state *probeState, base string, shapes []urlutil.PageShape) (urlutil.PageShape, bool) {
	for _, shape := range shapes {
		_, info, err := p.fetchInfo(ctx, urlutil.PageURL(base, shape, 2), state, state.baseline)
		if err != nil || !info.ok {
			continue
		}
		state.base = base
		state.secondInfo = info
		return shape, true
	}
	return "", false
}

// searchDepth runs the exponential-then-binary search. Page 2 is already
// known good when this runs; lo tracks the deepest good page and loInfo
// always holds that page's own content, so the time-travel comparison is
// against the deepest good page rather than page 1.
func (p *Prober) searchDepth(ctx context.Context, state *probeState) (int, error) {
	ceiling := p.depthCeiling()
	lo, loInfo := 2, state.secondInfo

	// Exponential phase: double until a bad page or the ceiling.
	hi := 0
	for page := 4; page <= ceiling; page *= 2 {
		info, err := p.probePage(ctx, state, page, loInfo)
		if err != nil {
			return 0, err
		}
		if !info.ok {
			hi = page
			break
		}
		lo, loInfo = page, info
	}
	if hi == 0 {
		return lo, nil
	}

	// Binary phase: narrow (lo good, hi bad) to adjacent pages.
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		info, err := p.probePage(ctx, state, mid, loInfo)
		if err != nil {
			return 0, err
		}
		if info.ok {
			lo, loInfo = mid, info
		} else {
			hi = mid
		}
	}
	return lo, nil
}

func (p *Prober) probePage(ctx context.Context, state *probeState, page int, prev pageInfo) (pageInfo, error) {
	if err := p.sleep(ctx, p.probeDelay()); err != nil {
		return pageInfo{}, err
	}
	_, info, err := p.fetchInfo(ctx, urlutil.PageURL(state.base, state.shape, page), state, prev)
	return info, err
}

// fetchInfo fetches one page and evaluates it against the probe baseline
// and the previous good page. prev carries the last good page's dates for
// the time-travel check; pass the zero value when fetching page 1.
func (p *Prober) fetchInfo(ctx context.Context, rawURL string, state *probeState, prev pageInfo) (*Page, pageInfo, error) {
	page, err := p.fetcher.FetchPage(ctx, rawURL)
	if err != nil {
		return nil, pageInfo{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	state.fetched++

	info := p.evaluate(rawURL, page, state, prev)
	if info.ok && !info.oldest.IsZero() {
		if state.oldest.IsZero() || info.oldest.Before(state.oldest) {
			state.oldest = info.oldest
		}
	}
	return page, info, nil
}

// evaluate decides whether a probe page is a real archive page. Bad pages:
// non-200, near-empty, a redirect back to page 1, content that duplicates
// page 1, or an oldest-article date that jumped forward past the slack.
func (p *Prober) evaluate(rawURL string, page *Page, state *probeState, prev pageInfo) pageInfo {
	if page.Status != 200 || len(page.Body) < minPageBytes {
		return pageInfo{}
	}
	if state.baseURL != "" && normalizeOr(page.FinalURL, "") == state.baseURL && rawURL != state.base {
		return pageInfo{}
	}

	info := pageInfo{ok: true}
	doc, err := htmlinfo.Parse(page.Body, rawURL)
	if err != nil {
		return pageInfo{}
	}
	info.sig = signature.SimhashText(doc.Text())
	info.oldest = doc.OldestDate()

	if state.baseline.sig != 0 && rawURL != state.base && signature.NearDuplicate(info.sig, state.baseline.sig) {
		return pageInfo{}
	}
	if !prev.oldest.IsZero() && !info.oldest.IsZero() &&
		info.oldest.After(prev.oldest.Add(p.timeTravelSlack())) {
		return pageInfo{}
	}
	return info
}

func normalizeOr(rawURL, fallback string) string {
	if rawURL == "" {
		return fallback
	}
	n, err := urlutil.Normalize(rawURL)
	if err != nil {
		return fallback
	}
	return n
}

func (p *Prober) probeDelay() time.Duration {
	if d := p.cfg.ProbeDelay.ToDuration(); d > 0 {
		return d
	}
	return DefaultProbeDelay
}

func (p *Prober) depthCeiling() int {
	if p.cfg.DepthCeiling > 0 {
		return p.cfg.DepthCeiling
	}
	return DefaultDepthCeiling
}

func (p *Prober) timeTravelSlack() time.Duration {
	if d := p.cfg.TimeTravelSlack.ToDuration(); d > 0 {
		return d
	}
	return DefaultTimeTravelSlack
}

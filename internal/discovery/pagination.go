package discovery

import (
	"sync"
	"time"

	"github.com/newsatlas/crawler/internal/common/urlutil"
	"github.com/newsatlas/crawler/internal/queue"
)

// Pagination predictor defaults.
const (
	DefaultMaxSpeculativePages = 3
	DefaultSpeculativeTTL      = time.Hour
)

type patternState struct {
	maxSeen   int
	exhausted bool
	updatedAt time.Time
}

// PaginationPredictor watches paginated URLs flow through the crawl and
// speculatively enqueues the next few pages beyond the highest page seen
// per (host, base, shape). A 404 or empty body at the speculative boundary
// marks the pattern exhausted; entries expire after a TTL so patterns
// revive when archives grow.
type PaginationPredictor struct {
	mu       sync.Mutex
	patterns map[string]*patternState
	maxPages int
	ttl      time.Duration
	clock    func() time.Time
}

// NewPaginationPredictor creates a predictor with the given speculation
// bound and TTL; zero values take defaults.
func NewPaginationPredictor(maxPages int, ttl time.Duration) *PaginationPredictor {
	if maxPages <= 0 {
		maxPages = DefaultMaxSpeculativePages
	}
	if ttl <= 0 {
		ttl = DefaultSpeculativeTTL
	}
	return &PaginationPredictor{
		patterns: make(map[string]*patternState),
		maxPages: maxPages,
		ttl:      ttl,
		clock:    time.Now,
	}
}

func patternKey(p *urlutil.Pagination) string {
	return p.Base + "|" + string(p.Shape)
}

// Observe records a paginated URL and returns speculative candidates for
// the pages just beyond the highest seen. Non-paginated URLs return nil.
func (pp *PaginationPredictor) Observe(rawURL string) []queue.Candidate {
	p, ok := urlutil.ParsePagination(rawURL)
	if !ok {
		return nil
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	now := pp.clock()
	key := patternKey(p)
	state := pp.patterns[key]
	if state == nil || now.Sub(state.updatedAt) > pp.ttl {
		state = &patternState{}
		pp.patterns[key] = state
	}
	state.updatedAt = now

	if p.Page <= state.maxSeen || state.exhausted {
		return nil
	}
	state.maxSeen = p.Page

	var out []queue.Candidate
	for n := p.Page + 1; n <= p.Page+pp.maxPages; n++ {
		out = append(out, queue.Candidate{
			RawURL:     urlutil.PageURL(p.Base, p.Shape, n),
			PageNumber: n,
		})
	}
	return out
}

// MarkExhausted stops speculation for a pattern after its boundary page
// came back 404 or empty.
func (pp *PaginationPredictor) MarkExhausted(rawURL string) {
	p, ok := urlutil.ParsePagination(rawURL)
	if !ok {
		return
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	state := pp.patterns[patternKey(p)]
	if state == nil {
		state = &patternState{updatedAt: pp.clock()}
		pp.patterns[patternKey(p)] = state
	}
	state.exhausted = true
}

// Exhausted reports whether speculation stopped for the pattern of a URL.
func (pp *PaginationPredictor) Exhausted(rawURL string) bool {
	p, ok := urlutil.ParsePagination(rawURL)
	if !ok {
		return false
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	state := pp.patterns[patternKey(p)]
	return state != nil && state.exhausted
}

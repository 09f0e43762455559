package fetch

import (
	"github.com/newsatlas/crawler/pkg/types"
)

// Outcome is the terminal state of one fetch operation.
type Outcome string

// Outcome constants
const (
	// OutcomeFetched means a verified download: HttpResponse + ContentStorage
	// rows exist.
	OutcomeFetched Outcome = "fetched"
	// OutcomeCached means the body was served from storage; no rows created.
	OutcomeCached Outcome = "cached"
	// OutcomeDeferred means the host's breaker is open; no attempt was made.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeSkipped means robots disallowed the URL; no attempt was made.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the attempt ran and did not produce content.
	OutcomeFailed Outcome = "failed"
)

// Result carries the full outcome of a fetch to the caller. Upper layers
// branch on Outcome and FailureClass; raw errors never cross this boundary.
type Result struct {
	Outcome    Outcome
	ResponseID int64
	ContentID  int64
	Status     int
	Source     types.FetchSource
	Body       []byte
	// FinalURL is where the response actually came from after redirects;
	// empty when no attempt reached a server.
	FinalURL     string
	FailureClass types.FailureClass
	Reason       string
}

// Verified reports whether this result is backed by evidence rows.
func (r *Result) Verified() bool {
	return r.Outcome == OutcomeFetched && r.ResponseID != 0
}

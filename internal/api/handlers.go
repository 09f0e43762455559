package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/httputil"
	"github.com/newsatlas/crawler/internal/common/urlutil"
	"github.com/newsatlas/crawler/internal/queue"
	"github.com/newsatlas/crawler/internal/store"
)

const maxTaskPagesPerHub = 50

type probeRequest struct {
	Host  string `json:"host,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type tasksRequest struct {
	Host        string `json:"host,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	MaxPages    int    `json:"max_pages,omitempty"`
}

type hubView struct {
	ID            int64   `json:"id"`
	Host          string  `json:"host"`
	URL           string  `json:"url"`
	PageKind      string  `json:"page_kind"`
	Confidence    float64 `json:"confidence"`
	MaxPageDepth  int64   `json:"max_page_depth"`
	OldestContent string  `json:"oldest_content,omitempty"`
	VerifiedAt    string  `json:"verified_at,omitempty"`
}

func hubViewOf(m store.MappingRow) hubView {
	v := hubView{
		ID:           m.ID,
		Host:         m.Host,
		URL:          m.URL,
		PageKind:     string(m.PageKind),
		Confidence:   m.Confidence,
		MaxPageDepth: m.MaxPageDepth,
	}
	v.OldestContent = m.OldestContent
	if !m.VerifiedAt.IsZero() {
		v.VerifiedAt = m.VerifiedAt.Format(time.RFC3339)
	}
	return v
}

// handleHubProbe starts a background depth-probe run over verified hubs and
// returns its task id.
func (s *Server) handleHubProbe(ctx *fasthttp.RequestCtx) {
	if s.prober == nil {
		httputil.JSONError(ctx, "prober unavailable", fasthttp.StatusServiceUnavailable)
		return
	}

	var req probeRequest
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.JSONError(ctx, "invalid request body", fasthttp.StatusBadRequest)
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	task := s.tasks.start("hub-depth-probe", req.Host)
	go func() {
		reports, err := s.prober.ProbeAll(context.Background(), req.Host, req.Limit)
		s.tasks.finish(task.ID, len(reports), err)
		if err != nil {
			s.logger.Warn("Depth probe task failed", zap.String("task", task.ID), zap.Error(err))
		}
	}()

	httputil.JSONData(ctx, map[string]string{"taskId": task.ID}, fasthttp.StatusAccepted)
}

// handleHubTasks turns probed hubs into queued crawl work: every known page
// of every verified hub is admitted, one task per hub.
func (s *Server) handleHubTasks(ctx *fasthttp.RequestCtx) {
	if s.orch == nil {
		httputil.JSONError(ctx, "queue unavailable", fasthttp.StatusServiceUnavailable)
		return
	}

	var req tasksRequest
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.JSONError(ctx, "invalid request body", fasthttp.StatusBadRequest)
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	if req.MaxPages <= 0 || req.MaxPages > maxTaskPagesPerHub {
		req.MaxPages = maxTaskPagesPerHub
	}

	hubs, err := s.store.VerifiedHubs(req.Host, req.Limit)
	if err != nil {
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusInternalServerError)
		return
	}

	var taskIDs []string
	for _, hub := range hubs {
		task := s.tasks.start("hub-crawl", hub.URL)
		admitted, err := s.admitHubPages(hub, req.MaxPages)
		s.tasks.finish(task.ID, admitted, err)
		if err != nil {
			s.logger.Warn("Hub task admission failed",
				zap.String("url", hub.URL), zap.Error(err))
			continue
		}
		taskIDs = append(taskIDs, task.ID)
	}

	httputil.JSONData(ctx, map[string]any{"taskIds": taskIDs}, fasthttp.StatusOK)
}

func (s *Server) admitHubPages(hub store.MappingRow, maxPages int) (int, error) {
	pages := int(hub.MaxPageDepth)
	if pages < 1 {
		pages = 1
	}
	if pages > maxPages {
		pages = maxPages
	}

	base := hub.URL
	shape := urlutil.ShapeQueryPage
	if pg, ok := urlutil.ParsePagination(hub.URL); ok {
		base, shape = pg.Base, pg.Shape
	}

	admitted := 0
	for page := 1; page <= pages; page++ {
		out, err := s.orch.Admit(queue.Candidate{
			RawURL:     urlutil.PageURL(base, shape, page),
			PageNumber: page,
		})
		if err != nil {
			return admitted, err
		}
		if out.Admitted {
			admitted++
		}
	}
	return admitted, nil
}

// handleHubStats reports mapping coverage: totals plus a per-host breakdown.
func (s *Server) handleHubStats(ctx *fasthttp.RequestCtx) {
	byHost, err := s.store.MappingCoverageByHost()
	if err != nil {
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusInternalServerError)
		return
	}

	totals := store.MappingCoverage{Host: "all"}
	for _, c := range byHost {
		totals.Verified += c.Verified
		totals.Pending += c.Pending
		totals.Probed += c.Probed
	}

	httputil.JSONData(ctx, map[string]any{
		"totals": totals,
		"byHost": byHost,
	}, fasthttp.StatusOK)
}

// handleHubList lists verified hubs, optionally filtered by host.
func (s *Server) handleHubList(ctx *fasthttp.RequestCtx) {
	host := string(ctx.QueryArgs().Peek("host"))
	limit := queryInt(ctx, "limit", 200)

	hubs, err := s.store.VerifiedHubs(host, limit)
	if err != nil {
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusInternalServerError)
		return
	}

	views := make([]hubView, 0, len(hubs))
	for _, hub := range hubs {
		views = append(views, hubViewOf(hub))
	}
	httputil.JSONData(ctx, map[string]any{"hubs": views}, fasthttp.StatusOK)
}

// handleTaskStatus reports one background task by id.
func (s *Server) handleTaskStatus(ctx *fasthttp.RequestCtx) {
	id := string(ctx.QueryArgs().Peek("id"))
	task := s.tasks.get(id)
	if task == nil {
		httputil.JSONError(ctx, "task not found", fasthttp.StatusNotFound)
		return
	}
	httputil.JSONData(ctx, task, fasthttp.StatusOK)
}

// handleDownloadStats reports all-time download statistics.
func (s *Server) handleDownloadStats(ctx *fasthttp.RequestCtx) {
	stats, err := s.store.GlobalDownloadStats()
	if err != nil {
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	httputil.JSONData(ctx, stats, fasthttp.StatusOK)
}

// handleDownloadRange reports download statistics bounded to [start, end].
func (s *Server) handleDownloadRange(ctx *fasthttp.RequestCtx) {
	start, end, err := timeRange(ctx)
	if err != nil {
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusBadRequest)
		return
	}

	stats, err := s.store.RangeDownloadStats(start, end)
	if err != nil {
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	httputil.JSONData(ctx, map[string]any{
		"start":    start.Format(time.RFC3339),
		"end":      end.Format(time.RFC3339),
		"verified": stats.VerifiedDownloads,
		"failed":   stats.FailedAttempts,
		"bytes":    stats.BytesDownloaded,
	}, fasthttp.StatusOK)
}

// handleDownloadVerify checks a claimed download count against the evidence
// tables. The claim holds only when the database saw at least that many
// verified downloads in the window.
func (s *Server) handleDownloadVerify(ctx *fasthttp.RequestCtx) {
	start, end, err := timeRange(ctx)
	if err != nil {
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusBadRequest)
		return
	}
	claimed := queryInt(ctx, "claimed", 0)

	actual, err := s.store.VerifiedCount(start, end)
	if err != nil {
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusInternalServerError)
		return
	}

	httputil.JSONData(ctx, map[string]any{
		"valid":       actual >= int64(claimed),
		"actual":      actual,
		"claimed":     claimed,
		"discrepancy": actual - int64(claimed),
	}, fasthttp.StatusOK)
}

// handleEvents lists persisted task events with cursor paging.
func (s *Server) handleEvents(ctx *fasthttp.RequestCtx) {
	filter := store.EventFilter{
		TaskID:  string(ctx.QueryArgs().Peek("task_id")),
		AfterID: int64(queryInt(ctx, "after_id", 0)),
		Limit:   queryInt(ctx, "limit", 500),
	}
	if types := string(ctx.QueryArgs().Peek("types")); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}

	events, err := s.store.Events(filter)
	if err != nil {
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	httputil.JSONData(ctx, map[string]any{"events": events}, fasthttp.StatusOK)
}

// handleEventStream streams live events as NDJSON, filtered by type. The
// stream runs until the client disconnects or the hub closes.
func (s *Server) handleEventStream(ctx *fasthttp.RequestCtx) {
	if s.hub == nil {
		httputil.JSONError(ctx, "event hub unavailable", fasthttp.StatusServiceUnavailable)
		return
	}

	var eventTypes []string
	if types := string(ctx.QueryArgs().Peek("types")); types != "" {
		eventTypes = strings.Split(types, ",")
	}
	events, cancel := s.hub.Subscribe(256, eventTypes...)

	ctx.SetContentType("application/x-ndjson")
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		enc := json.NewEncoder(w)
		for event := range events {
			if err := enc.Encode(event); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
}

func queryInt(ctx *fasthttp.RequestCtx, name string, fallback int) int {
	raw := string(ctx.QueryArgs().Peek(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// timeRange parses start/end query parameters. Missing start means "since
// the beginning"; missing end means "now".
func timeRange(ctx *fasthttp.RequestCtx) (time.Time, time.Time, error) {
	var start, end time.Time
	if raw := string(ctx.QueryArgs().Peek("start")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, fmt.Errorf("invalid start: %q", raw)
		}
		start = ts
	}
	end = time.Now().UTC()
	if raw := string(ctx.QueryArgs().Peek("end")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, fmt.Errorf("invalid end: %q", raw)
		}
		end = ts
	}
	return start, end, nil
}

// Package api exposes the crawl control surface: hub-archive probing and
// task generation, download statistics, the evidence-backed verify
// endpoint, and a streaming event channel.
package api

import (
	"context"
	"fmt"
	"net"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/common/httputil"
	"github.com/newsatlas/crawler/internal/hubprobe"
	"github.com/newsatlas/crawler/internal/queue"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/internal/telemetry"
)

// API endpoint paths.
const (
	PathHubProbe       = "/api/hub-archive/probe"
	PathHubTasks       = "/api/hub-archive/tasks"
	PathHubStats       = "/api/hub-archive/stats"
	PathHubList        = "/api/hub-archive/hubs"
	PathTaskStatus     = "/api/hub-archive/task"
	PathDownloadStats  = "/api/downloads/stats"
	PathDownloadRange  = "/api/downloads/range"
	PathDownloadVerify = "/api/downloads/verify"
	PathEvents         = "/api/events"
	PathEventStream    = "/api/events/stream"
)

// Server is the HTTP/JSON control surface.
type Server struct {
	store    *store.Store
	prober   *hubprobe.Prober
	orch     *queue.Orchestrator
	hub      *telemetry.Hub
	cfg      configtypes.APIConfig
	routes   map[string]map[string]fasthttp.RequestHandler
	server   *fasthttp.Server
	listener net.Listener
	tasks    *taskRegistry
	logger   *zap.Logger
}

// NewServer wires the API. prober, orch, and hub are optional; endpoints
// that need a missing dependency return 503.
func NewServer(s *store.Store, prober *hubprobe.Prober, orch *queue.Orchestrator,
	hub *telemetry.Hub, cfg configtypes.APIConfig, logger *zap.Logger) *Server {
	srv := &Server{
		store:  s,
		prober: prober,
		orch:   orch,
		hub:    hub,
		cfg:    cfg,
		routes: make(map[string]map[string]fasthttp.RequestHandler),
		tasks:  newTaskRegistry(),
		logger: logger,
	}
	srv.register("POST", PathHubProbe, srv.handleHubProbe)
	srv.register("POST", PathHubTasks, srv.handleHubTasks)
	srv.register("GET", PathHubStats, srv.handleHubStats)
	srv.register("GET", PathHubList, srv.handleHubList)
	srv.register("GET", PathTaskStatus, srv.handleTaskStatus)
	srv.register("GET", PathDownloadStats, srv.handleDownloadStats)
	srv.register("GET", PathDownloadRange, srv.handleDownloadRange)
	srv.register("GET", PathDownloadVerify, srv.handleDownloadVerify)
	srv.register("GET", PathEvents, srv.handleEvents)
	srv.register("GET", PathEventStream, srv.handleEventStream)
	return srv
}

func (s *Server) register(method, path string, handler fasthttp.RequestHandler) {
	if s.routes[method] == nil {
		s.routes[method] = make(map[string]fasthttp.RequestHandler)
	}
	s.routes[method][path] = handler
}

// Start binds the listen address and serves in the background. Bind
// failures return immediately; serve-time errors are logged.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener
	s.server = &fasthttp.Server{
		Handler: s.Handler(),
		Name:    "newsatlas-api",
	}

	s.logger.Info("API server started", zap.String("address", listener.Addr().String()))
	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("API server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down API server")
	return s.server.ShutdownWithContext(ctx)
}

// Address returns the bound listen address.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Listen
}

// Handler returns the fasthttp request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !s.authenticate(ctx) {
			return
		}

		method := string(ctx.Method())
		path := string(ctx.Path())

		if methodRoutes, ok := s.routes[method]; ok {
			if handler, ok := methodRoutes[path]; ok {
				handler(ctx)
				return
			}
		}

		for _, methodRoutes := range s.routes {
			if _, ok := methodRoutes[path]; ok {
				httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
				return
			}
		}
		httputil.JSONError(ctx, "not found", fasthttp.StatusNotFound)
	}
}

// authenticate validates the X-API-Key header when an auth key is set.
func (s *Server) authenticate(ctx *fasthttp.RequestCtx) bool {
	if s.cfg.AuthKey == "" {
		return true
	}
	key := string(ctx.Request.Header.Peek("X-API-Key"))
	if key != s.cfg.AuthKey {
		s.logger.Warn("Rejected API request",
			zap.String("remote_addr", ctx.RemoteAddr().String()),
			zap.String("path", string(ctx.Path())))
		httputil.JSONError(ctx, "unauthorized", fasthttp.StatusUnauthorized)
		return false
	}
	return true
}

// Package server provides the HTTP API for drafts and pipeline runs.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/botforge-io/botforge/internal/db"
	"github.com/botforge-io/botforge/internal/deploy"
	"github.com/botforge-io/botforge/internal/draft"
	"github.com/botforge-io/botforge/internal/metrics"
	"github.com/botforge-io/botforge/internal/pipeline"
)

// StatsProvider reports durable-store health and entity counts for the
// stats endpoint. Nil disables the store section of /health.
type StatsProvider interface {
	Ping(ctx context.Context) error
	CountEntities(ctx context.Context) (map[string]int, error)
}

// Searcher answers retrieval queries against an indexed knowledge base.
// Nil disables the search endpoint.
type Searcher interface {
	Search(ctx context.Context, knowledgeID, query string, limit int) ([]db.ScoredChunk, error)
}

// Server is the HTTP server for the draft and pipeline API.
type Server struct {
	drafts    draft.Store
	orch      *deploy.Orchestrator
	tracker   *pipeline.Tracker
	collector *metrics.Collector
	stats     StatsProvider
	searcher  Searcher
	logger    *slog.Logger

	host   string
	port   int
	server *http.Server
}

// New creates a server with the given dependencies.
func New(
	drafts draft.Store,
	orch *deploy.Orchestrator,
	tracker *pipeline.Tracker,
	collector *metrics.Collector,
	stats StatsProvider,
	searcher Searcher,
	host string,
	port int,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		drafts:    drafts,
		orch:      orch,
		tracker:   tracker,
		collector: collector,
		stats:     stats,
		searcher:  searcher,
		host:      host,
		port:      port,
		logger:    logger,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(middleware.Compress(5))

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/drafts", s.handleCreateDraft)
			r.Route("/drafts/{type}/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDraft)
				r.Patch("/", s.handlePatchDraft)
				r.Delete("/", s.handleDeleteDraft)
				r.Post("/validate", s.handleValidateDraft)
				r.Post("/preview", s.handlePreviewDraft)
				r.Post("/finalize", s.handleFinalizeDraft)
			})

			r.Route("/pipelines/{id}", func(r chi.Router) {
				r.Get("/", s.handlePipelineStatus)
				r.Get("/logs", s.handlePipelineLogs)
				r.Post("/cancel", s.handlePipelineCancel)
			})

			r.Get("/knowledge-bases/{id}/search", s.handleSearch)

			r.Get("/stats", s.handleStats)
		})
		r.Get("/health", s.handleHealth)
	})

	// The websocket stream outlives the request timeout.
	r.Get("/api/v1/pipelines/{id}/ws", s.handlePipelineWS)

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

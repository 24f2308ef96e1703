// Package server exposes the coordination layer over HTTP: request
// submission for the API and dashboard processes, operation-state lookup,
// archive queries, and the health/metrics snapshot.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/guildworks/guildrelay/internal/archive"
	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/metrics"
	"github.com/guildworks/guildrelay/internal/state"
)

// RequestProcessor is the coordinator surface the HTTP layer calls.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, req *domain.UnifiedRequest) *domain.UnifiedResponse
}

// ArchiveReader is the archive surface for the history endpoint. Nil when
// the process runs without an archive.
type ArchiveReader interface {
	List(ctx context.Context, opts archive.ListOptions) ([]archive.Record, error)
}

// Server is the HTTP front of one coordinator process.
type Server struct {
	coordinator RequestProcessor
	store       state.Store
	archiveDB   ArchiveReader
	sampler     *metrics.Aggregator
	logger      *slog.Logger
	router      chi.Router
}

// New assembles the router with the standard middleware chain.
func New(coordinator RequestProcessor, store state.Store, archiveDB ArchiveReader, sampler *metrics.Aggregator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		coordinator: coordinator,
		store:       store,
		archiveDB:   archiveDB,
		sampler:     sampler,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(60 * time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "guildrelay")
	})

	r.Post("/v1/requests", s.handleSubmit)
	r.Get("/v1/operations/{id}", s.handleGetOperation)
	r.Get("/v1/operations", s.handleListOperations)
	r.Get("/v1/health", s.handleHealth)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the underlying router so callers can mount extra routes
// (the bot process mounts the bridge endpoint beside it).
func (s *Server) Handler() chi.Router {
	return s.router
}

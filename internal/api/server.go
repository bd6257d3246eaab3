package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
	"github.com/JakeFAU/catalog-watch/internal/dispatcher"
	"github.com/JakeFAU/catalog-watch/internal/metrics"
	"github.com/JakeFAU/catalog-watch/internal/policy/ratelimit"
)

// Controller starts, resumes, stops, and reports on crawl runs.
type Controller interface {
	Start(key string) error
	Resume(key string) error
	Stop(key string) error
	Status(ctx context.Context, key string) (dispatcher.Status, error)
}

// ItemStore answers item queries.
type ItemStore interface {
	ListItems(ctx context.Context, filter crawler.ItemFilter) (crawler.ItemPage, error)
	GetItem(ctx context.Context, identity string) (crawler.Item, error)
}

// ChangeReporter loads change events for a time window.
type ChangeReporter interface {
	Events(ctx context.Context, from, to time.Time) ([]crawler.ChangeEvent, error)
}

// Options tunes the HTTP surface. Authentication is enabled when APIKeys is non-empty.
type Options struct {
	APIKeys         []string
	RequestsPerHour int
	RequestTimeout  time.Duration
}

const (
	defaultRequestTimeout  = 60 * time.Second
	defaultRequestsPerHour = 100
)

// Server wires HTTP handlers to the control surface and stores.
type Server struct {
	router  chi.Router
	control Controller
	items   ItemStore
	changes ChangeReporter
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(control Controller, items ItemStore, changes ChangeReporter, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.RequestsPerHour <= 0 {
		opts.RequestsPerHour = defaultRequestsPerHour
	}
	s := &Server{
		control: control,
		items:   items,
		changes: changes,
		opts:    opts,
		logger:  logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if len(opts.APIKeys) > 0 {
			r.Use(apiKeyMiddleware(opts.APIKeys, ratelimit.New(ratelimit.PerHour(opts.RequestsPerHour))))
		}
		r.Route("/sources/{key}", func(r chi.Router) {
			r.Post("/start", s.startRun)
			r.Post("/resume", s.resumeRun)
			r.Post("/stop", s.stopRun)
			r.Get("/status", s.runStatus)
		})
		r.Get("/items", s.listItems)
		r.Get("/items/lookup", s.lookupItem)
		r.Get("/changes", s.changeReport)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz probes the item store with the smallest possible query.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.items.ListItems(r.Context(), crawler.ItemFilter{PerPage: 1}); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/config"
	"github.com/JakeFAU/marketplace-scraper/internal/lifecycle"
	"github.com/JakeFAU/marketplace-scraper/internal/metrics"
	"github.com/JakeFAU/marketplace-scraper/internal/middleware"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Submitter creates QUEUED jobs.
type Submitter interface {
	Submit(ctx context.Context, req lifecycle.SubmitRequest) (scraper.Job, error)
}

// Scheduler hands jobs to the background workers.
type Scheduler interface {
	Enqueue(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) (scraper.Job, error)
}

// Server wires HTTP handlers to the lifecycle manager, scheduler and store.
type Server struct {
	router    chi.Router
	store     scraper.Store
	submitter Submitter
	scheduler Scheduler
	validate  *validator.Validate
	cfg       config.Config
	logger    *zap.Logger
}

const enqueueTimeout = 5 * time.Second

// NewServer constructs a Server with middleware and routes. limiter may be
// nil to disable inbound rate limiting.
func NewServer(
	store scraper.Store,
	submitter Submitter,
	scheduler Scheduler,
	webhook http.Handler,
	limiter *middleware.RateLimiter,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     store,
		submitter: submitter,
		scheduler: scheduler,
		validate:  validator.New(),
		cfg:       cfg,
		logger:    logger,
	}
	limit := func(next http.Handler) http.Handler { return next }
	if limiter != nil {
		limit = limiter.Middleware
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.With(limit).Post("/scrape", s.submitCSV)
		r.With(limit).Method(http.MethodPost, "/webhook", webhook)
		r.Route("/jobs", func(r chi.Router) {
			r.With(limit).Post("/", s.submitJSON)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/products", s.listProducts)
				r.Get("/logs", s.listLogs)
				r.Post("/cancel", s.cancelJob)
			})
		})
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	pinger, ok := s.store.(scraper.Pinger)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := pinger.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// fail maps err to a response. Internal detail is logged, never returned.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := scraper.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package http assembles the coding API: route tree, middleware chain and
// the HTTP server lifecycle.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/MedCode-Intelligence/internal/interfaces/http/handlers"
	"github.com/turtacn/MedCode-Intelligence/internal/interfaces/http/middleware"
)

// RouterConfig aggregates the handler and middleware dependencies required
// to construct the complete HTTP route tree. Nil handlers leave their routes
// unmounted, nil middleware is skipped.
type RouterConfig struct {
	// Handlers
	CodingHandler  *handlers.CodingHandler
	ResultsHandler *handlers.ResultsHandler
	CodesHandler   *handlers.CodesHandler
	SearchHandler  *handlers.SearchHandler
	ModelsHandler  *handlers.ModelsHandler
	HealthHandler  *handlers.HealthHandler

	// Middleware
	LoggingConfig   *middleware.LoggingConfig
	CORSConfig      *middleware.CORSConfig
	RateLimiter     middleware.RateLimiter
	RateLimitConfig middleware.RateLimitConfig

	// Infrastructure
	Logger           logging.Logger
	MetricsCollector prometheus.MetricsCollector
	PipelineMetrics  *prometheus.PipelineMetrics
}

// NewRouter constructs the HTTP route tree: global middleware, probe and
// metrics endpoints, and the /api/v1 resource groups.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if cfg.CORSConfig != nil {
		r.Use(middleware.CORS(*cfg.CORSConfig))
	}
	if cfg.Logger != nil {
		logCfg := middleware.DefaultLoggingConfig()
		if cfg.LoggingConfig != nil {
			logCfg = *cfg.LoggingConfig
		}
		r.Use(middleware.RequestLogging(cfg.Logger, logCfg))
	}
	if cfg.PipelineMetrics != nil {
		r.Use(middleware.RequestMetrics(cfg.PipelineMetrics))
	}
	if cfg.RateLimiter != nil {
		r.Use(middleware.RateLimit(cfg.RateLimiter, cfg.RateLimitConfig))
	}

	if cfg.HealthHandler != nil {
		r.Get("/healthz", cfg.HealthHandler.Liveness)
		r.Get("/readyz", cfg.HealthHandler.Readiness)
		r.Get("/healthz/detail", cfg.HealthHandler.Detailed)
	}

	if cfg.MetricsCollector != nil {
		r.Handle("/metrics", cfg.MetricsCollector.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		registerCodingRoutes(api, cfg.CodingHandler)
		registerResultRoutes(api, cfg.ResultsHandler)
		registerCodeRoutes(api, cfg.CodesHandler)
		registerSearchRoutes(api, cfg.SearchHandler)
		registerModelRoutes(api, cfg.ModelsHandler)
	})

	return r
}

// registerCodingRoutes mounts the synchronous coding endpoint.
func registerCodingRoutes(r chi.Router, h *handlers.CodingHandler) {
	if h == nil {
		return
	}
	r.Post("/coding", h.Code)
}

// registerResultRoutes mounts stored-result endpoints under /results.
func registerResultRoutes(r chi.Router, h *handlers.ResultsHandler) {
	if h == nil {
		return
	}
	r.Route("/results", func(rr chi.Router) {
		rr.Get("/", h.List)
		rr.Get("/{resultID}", h.Get)
		rr.Post("/{resultID}/export", h.Export)
	})
}

// registerCodeRoutes mounts catalog endpoints under /codes.
func registerCodeRoutes(r chi.Router, h *handlers.CodesHandler) {
	if h == nil {
		return
	}
	r.Route("/codes", func(cr chi.Router) {
		cr.Get("/", h.List)
		cr.Get("/{code}/related", h.Related)
	})
}

// registerSearchRoutes mounts the review search endpoint.
func registerSearchRoutes(r chi.Router, h *handlers.SearchHandler) {
	if h == nil {
		return
	}
	r.Get("/search", h.Search)
}

// registerModelRoutes mounts the model registry endpoint.
func registerModelRoutes(r chi.Router, h *handlers.ModelsHandler) {
	if h == nil {
		return
	}
	r.Get("/models", h.List)
}

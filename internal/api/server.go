package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/herald/internal/analytics"
	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/events"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/ratelimit"
	"github.com/foxzi/herald/internal/repository"
	"github.com/foxzi/herald/internal/tracking"
)

// Publisher accepts domain events
type Publisher interface {
	Publish(ev events.Event) bool
}

// QueueStats reports dispatch queue counts for the health endpoint
type QueueStats interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Deps are the services the API exposes
type Deps struct {
	Engine     *engine.Engine
	Campaigns  *repository.CampaignRepository
	Recipients *repository.RecipientRepository
	Analytics  *analytics.Service
	Tracker    *tracking.Collector
	Guard      *tracking.Guard
	Events     Publisher
	Queue      QueueStats
	// Limiter applies per-tenant request limits, nil disables them
	Limiter *ratelimit.Limiter
	Version string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	auth       config.AuthConfig
	links      tracking.Links
	fallback   string
	validate   *validator.Validate
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    &cfg.API,
		auth:      cfg.Auth,
		links:     tracking.NewLinks(cfg.Tracking.BaseURL),
		fallback:  cfg.Tracking.FallbackURL,
		validate:  validator.New(),
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/campaigns", func(r chi.Router) {
		// Tracking endpoints are hit by mail clients and browsers
		r.Route("/track", func(r chi.Router) {
			r.Get("/open/{campaignId}/{recipientId}", s.handleTrackOpen)
			r.Get("/click/{campaignId}/{recipientId}", s.handleTrackClick)
			r.Get("/unsubscribe/{campaignId}/{recipientId}", s.handleUnsubscribePage)
			r.Post("/unsubscribe/{campaignId}/{recipientId}", s.handleUnsubscribe)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.tenantAuth)
			r.Use(s.tenantRateLimit)

			r.Get("/", s.handleListCampaigns)
			r.Post("/", s.handleCreateCampaign)
			r.Get("/summary", s.handleSummary)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Put("/", s.handleUpdateCampaign)
				r.Delete("/", s.handleDeleteCampaign)
				r.Post("/launch", s.handleLaunch)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Get("/analytics", s.handleAnalytics)
				r.Get("/logs", s.handleExecutionLog)
			})
		})
	})

	s.router.Route("/recipients", func(r chi.Router) {
		r.Use(s.tenantAuth)
		r.Use(s.tenantRateLimit)

		r.Get("/", s.handleListRecipients)
		r.Post("/", s.handleUpsertRecipient)
		r.Get("/{id}", s.handleGetRecipient)
	})

	s.router.With(s.serviceAuth, s.tenantRateLimit).Post("/events", s.handlePublishEvent)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

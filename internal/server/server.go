// Package server provides the HTTP server and routing for TickerPulse.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/config"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/di"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/distribution"
)

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Config    *config.Config
	Container *di.Container // DI container with all services
	// Authenticator resolves websocket users; defaults to distribution.HeaderAuthenticator
	Authenticator distribution.Authenticator
}

// Server represents the HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            *config.Config
	container      *di.Container
	auth           distribution.Authenticator
	systemHandlers *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Config,
		container: cfg.Container,
		auth:      cfg.Authenticator,
	}
	s.systemHandlers = NewSystemHandlers(cfg.Container, cfg.Config.DataDir, cfg.Log)

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Config.Port),
		Handler: s.router,
		// No read or write deadline: /ws and the event stream are long-lived.
		// Plain API routes are bounded by the timeout middleware instead.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware shared by every route
func (s *Server) setupMiddleware() {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", s.container.Metrics.Handler())

	// Streaming routes sit outside the timeout and compression middleware
	s.router.Handle("/ws", distribution.NewHandler(s.container.Distributor, s.auth, s.cfg.AllowedOrigins))
	eventsStream := NewEventsStreamHandler(s.container.EventBus, s.log)
	s.router.Get("/api/events/stream", eventsStream.ServeHTTP)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		if !s.cfg.DevMode {
			r.Use(middleware.Compress(5))
		}

		r.Route("/api", func(r chi.Router) {
			// Ingestion
			r.Post("/samples", s.handleIngestSample)
			r.Post("/filings", s.handleRecordFiling)
			r.Post("/news", s.handleRecordNews)

			// Alerts
			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.handleListAlerts)
				r.Get("/{id}", s.handleGetAlert)
				r.Post("/{id}/status", s.handleUpdateAlertStatus)
			})

			// Subscriptions
			r.Route("/subscriptions/{userID}", func(r chi.Router) {
				r.Get("/", s.handleListSubscriptions)
				r.Put("/", s.handleUpsertSubscription)
				r.Delete("/{ticker}", s.handleDeleteSubscription)
			})

			// System monitoring and operations
			r.Route("/system", func(r chi.Router) {
				r.Get("/status", s.systemHandlers.HandleSystemStatus)
				r.Get("/metrics", s.systemHandlers.HandleMetrics)
				r.Get("/jobs", s.systemHandlers.HandleJobsStatus)
				r.Post("/jobs/{name}", s.systemHandlers.HandleTriggerJob)
			})
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

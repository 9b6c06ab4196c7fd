// Package server provides the HTTP server and routing for riskdesk.
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

	"github.com/aristath/riskdesk/internal/database"
	"github.com/aristath/riskdesk/internal/di"
	alertshandlers "github.com/aristath/riskdesk/internal/modules/alerts/handlers"
	portfoliohandlers "github.com/aristath/riskdesk/internal/modules/portfolio/handlers"
	riskhandlers "github.com/aristath/riskdesk/internal/modules/risk/handlers"
	"github.com/aristath/riskdesk/internal/monitoring"
	"github.com/aristath/riskdesk/internal/work"
)

// requestTimeout bounds every API request except the event stream
const requestTimeout = 60 * time.Second

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	CORSAllow []string
	Container *di.Container
}

// Server represents the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	port      int
	databases []*database.DB
	metrics   *monitoring.Recorder
	container *di.Container
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		port:      cfg.Port,
		databases: cfg.Container.Databases(),
		metrics:   cfg.Container.Metrics,
		container: cfg.Container,
	}

	s.setupMiddleware(cfg.CORSAllow)
	s.setupRoutes(cfg.DevMode, cfg.CORSAllow)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: the event stream is long-lived, API routes carry requestTimeout
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the router (used by tests)
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware(origins []string) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware)
	}
	s.router.Use(s.loggingMiddleware)

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes(devMode bool, origins []string) {
	c := s.container
	cfg := c.Config

	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	// Registered outside the timeout group so streams are not cut off
	stream := NewEventsStreamHandler(c.Bus, origins, s.log)
	s.router.Get("/api/admin/events/ws", stream.ServeHTTP)

	riskHandler := riskhandlers.NewHandler(c.RiskService, c.PortfolioService, cfg.Forecast.DefaultHorizon, s.log)
	portfolioHandler := portfoliohandlers.NewHandler(c.PortfolioService, s.log)
	alertsHandler := alertshandlers.NewHandler(c.AlertService, c.PortfolioService, s.log)
	workHandlers := work.NewHandlers(c.Processor, c.Runs, s.log)

	adminDeps := AdminDeps{
		Cache:     c.RiskCache,
		Budgets:   c.Resolver,
		Schedules: c.Scheduler,
		Databases: s.databases,
		DataDir:   cfg.DataDir,
	}
	if c.Backup != nil {
		adminDeps.Backups = c.Backup
	}
	adminHandlers := NewAdminHandlers(adminDeps, s.log)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		if !devMode {
			r.Use(middleware.Compress(5))
		}

		r.Route("/api", func(r chi.Router) {
			riskHandler.RegisterRoutes(r)
			portfolioHandler.RegisterRoutes(r)
			alertsHandler.RegisterRoutes(r)

			r.Route("/admin", func(r chi.Router) {
				workHandlers.RegisterRoutes(r)
				adminHandlers.RegisterRoutes(r)
			})
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// handleHealth reports liveness plus a ping of every database
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	dbs := make(map[string]string, len(s.databases))
	for _, db := range s.databases {
		if err := db.Conn().PingContext(ctx); err != nil {
			dbs[db.Name()] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		dbs[db.Name()] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":    state,
		"service":   "riskdesk",
		"databases": dbs,
	}, s.log)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := s.log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = s.log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/metrics"
	"github.com/eq-rebalancer/internal/models"
	"github.com/eq-rebalancer/internal/queue"
	"github.com/eq-rebalancer/internal/service"
	"github.com/gorilla/mux"
)

// Service interfaces for dependency injection and testing

// PricePublisher enqueues price-update jobs
type PricePublisher interface {
	Publish(ctx context.Context, job *queue.PriceJob) (string, error)
	Stats(ctx context.Context) (*queue.Stats, error)
}

// PriceReader reads the latest stored price of an asset
type PriceReader interface {
	FindLatestPrice(ctx context.Context, asset string) (*models.PriceEvent, error)
}

// DriftReporter computes on-demand drift reports
type DriftReporter interface {
	Report(ctx context.Context, portfolioID string) (*service.DriftReport, error)
}

// Pinger is a dependency reported by the health check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators the server routes to
type Dependencies struct {
	Queue   PricePublisher
	Prices  PriceReader
	Drift   DriftReporter
	Checks  map[string]Pinger
	Metrics *metrics.Registry
	Logger  *logging.Logger
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	queue      PricePublisher
	prices     PriceReader
	drift      DriftReporter
	checks     map[string]Pinger
	metrics    *metrics.Registry
	logger     *logging.Logger
	config     *ServerConfig
	now        func() time.Time
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	IngestRPS       int // Price submissions per second per client; 0 disables limiting
	IngestBurst     int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps *Dependencies) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("server config cannot be nil")
	}
	if deps == nil || deps.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if deps.Prices == nil {
		return nil, fmt.Errorf("price reader cannot be nil")
	}
	if deps.Drift == nil {
		return nil, fmt.Errorf("drift reporter cannot be nil")
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router:  mux.NewRouter(),
		queue:   deps.Queue,
		prices:  deps.Prices,
		drift:   deps.Drift,
		checks:  deps.Checks,
		metrics: deps.Metrics,
		logger:  logger.WithComponent("api"),
		config:  config,
		now:     time.Now,
	}

	s.setupRouter()

	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(RequestIDMiddleware(s.logger))
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(CompressionMiddleware)

	// Set up routes
	s.setupRoutes()

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	// Preflight requests are answered by CORSMiddleware
	s.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	// Only ingestion is rate limited
	limit := RateLimitMiddleware(NewRateLimiter(s.config.IngestRPS, s.config.IngestBurst))
	api.Handle("/prices", limit(http.HandlerFunc(s.handleSubmitPrice))).Methods("POST")

	api.HandleFunc("/prices/{asset}/latest", s.handleGetLatestPrice).Methods("GET")
	api.HandleFunc("/portfolios/{id}/drift", s.handleGetDrift).Methods("GET")
	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth pings every dependency; any failure makes the service unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "unhealthy"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":  health,
		"service": "eq-rebalancer",
		"checks":  checks,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

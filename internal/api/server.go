// Package api provides the read-only HTTP API over scores, tiers and agent activity.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/gorilla/mux"

	"github.com/score-agent/internal/agent"
	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/scoring"
	"github.com/score-agent/internal/storage"
)

// ScoreReader is the storage the API reads from
type ScoreReader interface {
	storage.AccountReader
	storage.ReportReader
	Ping(ctx context.Context) error
}

// BreakdownCache holds recently computed breakdowns. *storage.RedisCache satisfies it.
type BreakdownCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

// BatchLister lists submitted batches, newest first. *chain.Journal satisfies it.
type BatchLister interface {
	Recent(limit int) ([]models.BatchRecord, error)
}

// StatusProvider reports agent status. *agent.ScoreAgent satisfies it.
type StatusProvider interface {
	GetStatus() *agent.Status
}

// Deps are the server's collaborators. Only Store is required.
type Deps struct {
	Store     ScoreReader
	Snapshots storage.SnapshotReader
	Cache     BreakdownCache
	Batches   BatchLister
	Agent     StatusProvider
	Clock     clock.Clock
	Logger    *logging.Logger
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	store      ScoreReader
	snapshots  storage.SnapshotReader
	cache      BreakdownCache
	batches    BatchLister
	agent      StatusProvider
	calculator *scoring.Calculator
	clock      clock.Clock
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RPS             int // requests per second per client
	Burst           int
	CacheTTL        time.Duration
}

// DefaultServerConfig returns timeouts suitable for a small read-only API
func DefaultServerConfig(host, port string, rps int) *ServerConfig {
	return &ServerConfig{
		Host:            host,
		Port:            port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RPS:             rps,
		Burst:           10,
		CacheTTL:        10 * time.Minute,
	}
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Deps) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("server config cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router:     mux.NewRouter(),
		store:      deps.Store,
		snapshots:  deps.Snapshots,
		cache:      deps.Cache,
		batches:    deps.Batches,
		agent:      deps.Agent,
		calculator: scoring.NewCalculator(clk),
		clock:      clk,
		logger:     logger.WithField("component", "api"),
		config:     config,
	}

	s.setupRouter()
	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RPS, s.config.Burst, s.clock)

	// Order matters: logging wraps everything so recovered panics are still logged
	s.router.Use(RequestIDMiddleware(s.logger))
	s.router.Use(LoggingMiddleware(s.clock))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

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
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/scores/{address}", s.handleGetScore).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{address}/snapshots", s.handleGetSnapshots).Methods(http.MethodGet)

	api.HandleFunc("/tiers", s.handleTierDistribution).Methods(http.MethodGet)
	api.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	api.HandleFunc("/early-minters", s.handleEarlyMinters).Methods(http.MethodGet)

	api.HandleFunc("/batches", s.handleBatches).Methods(http.MethodGet)
	api.HandleFunc("/agent/status", s.handleAgentStatus).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports healthy only when the store answers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("Health check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "score-agent",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "score-agent",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/flashguard/internal/crypto"
	"github.com/alanyoungcy/flashguard/internal/server/handler"
	"github.com/alanyoungcy/flashguard/internal/server/middleware"
	"github.com/alanyoungcy/flashguard/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// Signer verifies HMAC signatures on mutating requests. Nil disables it.
	Signer *crypto.RequestSigner
	// Limiter throttles requests per client IP. Nil disables it.
	Limiter    middleware.Allower
	RateLimit  int
	RateWindow time.Duration
	Verbose    bool
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Protect     *handler.ProtectHandler
	Routes      *handler.RoutesHandler
	Competitors *handler.CompetitorsHandler
	Liquidity   *handler.LiquidityHandler
	Mode        *handler.ModeHandler
	History     *handler.HistoryHandler
	Metrics     http.Handler
}

// Server is the headless HTTP + WebSocket API of the execution core.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	// Health check (no auth required).
	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	if h := handlers.Protect; h != nil {
		mux.HandleFunc("POST /api/protect", h.Submit)
		mux.HandleFunc("GET /api/protect/{id}", h.Get)
		mux.HandleFunc("DELETE /api/protect/{id}", h.Cancel)
	}

	if handlers.Routes != nil {
		mux.HandleFunc("GET /api/routes", handlers.Routes.ListRoutes)
	}

	if h := handlers.Competitors; h != nil {
		mux.HandleFunc("GET /api/competitors", h.ListCompetitors)
		mux.HandleFunc("GET /api/competitors/{address}", h.GetCompetitor)
	}

	if h := handlers.Liquidity; h != nil {
		mux.HandleFunc("GET /api/liquidity/pools/{pool}", h.PoolHistory)
		mux.HandleFunc("GET /api/liquidity/tokens/{token}", h.TokenDepth)
	}

	if h := handlers.Mode; h != nil {
		mux.HandleFunc("GET /api/mode", h.GetMode)
		mux.HandleFunc("PUT /api/mode", h.SetMode)
	}

	if h := handlers.History; h != nil {
		mux.HandleFunc("GET /api/executions/recent", h.RecentExecutions)
		mux.HandleFunc("GET /api/executions/{id}", h.GetExecution)
		mux.HandleFunc("GET /api/opportunities/recent", h.RecentOpportunities)
		mux.HandleFunc("GET /api/audit", h.ListAudit)
	}

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	if cfg.Signer != nil {
		h = middleware.Signed(cfg.Signer)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger, cfg.Verbose)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

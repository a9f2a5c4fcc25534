// Package server assembles the HTTP and WebSocket API: routes, middleware
// and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openpredict/marketd/internal/domain"
	"github.com/openpredict/marketd/internal/server/handler"
	"github.com/openpredict/marketd/internal/server/middleware"
	"github.com/openpredict/marketd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	AdminAPIKey string // if empty, the admin route group is disabled

	// Per-client request rate limit.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Markets   *handler.MarketHandler
	Orders    *handler.OrderHandler
	Portfolio *handler.PortfolioHandler
	Disputes  *handler.DisputeHandler
}

// Server is the HTTP + WebSocket API server for the settlement engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. limiter may be nil
// to disable request rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Public market reads.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/resolutions", handlers.Markets.ResolutionHistory)

	// Order endpoints (caller identity required).
	mux.HandleFunc("POST /api/orders", handlers.Orders.PlaceOrder)
	mux.HandleFunc("DELETE /api/orders", handlers.Orders.CancelAll)
	mux.HandleFunc("GET /api/orders/{id}", handlers.Orders.GetOrder)
	mux.HandleFunc("PATCH /api/orders/{id}", handlers.Orders.AmendOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.Orders.CancelOrder)

	// Portfolio endpoints.
	mux.HandleFunc("GET /api/portfolio", handlers.Portfolio.GetPortfolio)
	mux.HandleFunc("GET /api/portfolio/balance", handlers.Portfolio.GetBalance)
	mux.HandleFunc("GET /api/portfolio/ledger", handlers.Portfolio.GetLedger)
	mux.HandleFunc("GET /api/portfolio/orders", handlers.Portfolio.ListOrders)
	mux.HandleFunc("POST /api/portfolio/deposit", handlers.Portfolio.Deposit)
	mux.HandleFunc("POST /api/portfolio/withdraw", handlers.Portfolio.Withdraw)

	// Dispute endpoints.
	mux.HandleFunc("POST /api/disputes", handlers.Disputes.FileDispute)
	mux.HandleFunc("GET /api/disputes", handlers.Disputes.ListDisputes)
	mux.HandleFunc("GET /api/disputes/{id}", handlers.Disputes.GetDispute)
	mux.HandleFunc("POST /api/disputes/{id}/upvote", handlers.Disputes.Upvote)

	// Admin route group behind the API key.
	admin := http.NewServeMux()
	admin.HandleFunc("POST /api/admin/markets", handlers.Markets.CreateMarket)
	admin.HandleFunc("POST /api/admin/markets/{id}/pause", handlers.Markets.PauseMarket)
	admin.HandleFunc("POST /api/admin/markets/{id}/resume", handlers.Markets.ResumeMarket)
	admin.HandleFunc("POST /api/admin/markets/{id}/close", handlers.Markets.CloseMarket)
	admin.HandleFunc("POST /api/admin/markets/{id}/schedule", handlers.Markets.ScheduleResolution)
	admin.HandleFunc("GET /api/admin/markets/{id}/resolution/preview", handlers.Markets.PreviewResolution)
	admin.HandleFunc("POST /api/admin/markets/{id}/resolve", handlers.Markets.ResolveMarket)
	admin.HandleFunc("POST /api/admin/markets/{id}/correct", handlers.Markets.CorrectResolution)
	admin.HandleFunc("GET /api/admin/markets/{id}/orders", handlers.Orders.ListMarketOrders)
	admin.HandleFunc("GET /api/admin/markets/{id}/archives", handlers.Markets.ListArchives)
	admin.HandleFunc("GET /api/admin/markets/{id}/archives/{name}", handlers.Markets.FetchArchive)
	admin.HandleFunc("GET /api/admin/disputes", handlers.Disputes.Queue)
	admin.HandleFunc("POST /api/admin/disputes/{id}/review", handlers.Disputes.StartReview)
	admin.HandleFunc("POST /api/admin/disputes/{id}/verdict", handlers.Disputes.Review)
	mux.Handle("/api/admin/", middleware.AdminAuth(cfg.AdminAPIKey)(admin))

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Identity()(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

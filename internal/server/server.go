// Package server exposes the ledger, marketplace, and coupon services over
// HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/server/handler"
	"github.com/bondfi/bondledger/internal/server/middleware"
	"github.com/bondfi/bondledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimit       int    // requests per window per client; 0 disables
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Ledger  *handler.LedgerHandler
	Market  *handler.MarketHandler
	Coupons *handler.CouponHandler
	Events  *handler.EventsHandler
}

// Server is the HTTP + WebSocket API server for the bond ledger daemon.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub. limiter may be nil when rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Bond issuance and unit accounting.
	mux.HandleFunc("POST /api/bonds", handlers.Ledger.Issue)
	mux.HandleFunc("GET /api/bonds", handlers.Ledger.ListBonds)
	mux.HandleFunc("GET /api/bonds/{id}", handlers.Ledger.GetBond)
	mux.HandleFunc("POST /api/bonds/{id}/transfer", handlers.Ledger.Transfer)
	mux.HandleFunc("POST /api/bonds/{id}/approve", handlers.Ledger.Approve)
	mux.HandleFunc("POST /api/bonds/{id}/transfer-from", handlers.Ledger.TransferFrom)
	mux.HandleFunc("POST /api/bonds/{id}/mature", handlers.Ledger.Mature)
	mux.HandleFunc("POST /api/bonds/{id}/close", handlers.Ledger.Close)
	mux.HandleFunc("POST /api/bonds/{id}/deposit", handlers.Ledger.DepositFunds)
	mux.HandleFunc("POST /api/bonds/{id}/withdraw-excess", handlers.Ledger.WithdrawExcess)
	mux.HandleFunc("GET /api/bonds/{id}/balance/{address}", handlers.Ledger.GetBalance)
	mux.HandleFunc("GET /api/bonds/{id}/allowance", handlers.Ledger.GetAllowance)
	mux.HandleFunc("GET /api/bonds/{id}/coupon-amount/{address}", handlers.Ledger.GetCouponAmount)

	// Cash accounts.
	mux.HandleFunc("POST /api/accounts/{address}/deposit", handlers.Ledger.DepositCash)
	mux.HandleFunc("GET /api/accounts/{address}/balance", handlers.Ledger.GetCashBalance)

	// Marketplace.
	mux.HandleFunc("POST /api/market/bonds/{id}/register", handlers.Market.RegisterBond)
	mux.HandleFunc("POST /api/market/bonds/{id}/unregister", handlers.Market.UnregisterBond)
	mux.HandleFunc("PUT /api/market/fee", handlers.Market.UpdateFee)
	mux.HandleFunc("GET /api/market/fee", handlers.Market.GetFee)
	mux.HandleFunc("POST /api/market/orders", handlers.Market.PlaceOrder)
	mux.HandleFunc("GET /api/market/orders", handlers.Market.ListOrders)
	mux.HandleFunc("GET /api/market/orders/{id}", handlers.Market.GetOrder)
	mux.HandleFunc("DELETE /api/market/orders/{id}", handlers.Market.CancelOrder)
	mux.HandleFunc("POST /api/market/orders/{id}/fulfill", handlers.Market.FulfillOrder)
	mux.HandleFunc("GET /api/market/quotes/{id}", handlers.Market.GetQuote)

	// Coupon scheduling and disbursement.
	mux.HandleFunc("POST /api/coupons/bonds/{id}/register", handlers.Coupons.RegisterBond)
	mux.HandleFunc("POST /api/coupons/bonds/{id}/unregister", handlers.Coupons.UnregisterBond)
	mux.HandleFunc("POST /api/coupons/bonds/{id}/schedule", handlers.Coupons.Schedule)
	mux.HandleFunc("POST /api/coupons/bonds/{id}/pay", handlers.Coupons.Pay)
	mux.HandleFunc("POST /api/coupons/bonds/{id}/complete", handlers.Coupons.Complete)
	mux.HandleFunc("GET /api/coupons/bonds/{id}/batches", handlers.Coupons.ListBatches)
	mux.HandleFunc("GET /api/coupons/bonds/{id}/batches/{date}", handlers.Coupons.GetBatch)
	mux.HandleFunc("POST /api/coupons/deposit", handlers.Coupons.Deposit)
	mux.HandleFunc("POST /api/coupons/withdraw-excess", handlers.Coupons.WithdrawExcess)

	// Audit journal.
	mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	mux.HandleFunc("GET /api/events/instrument/{id}", handlers.Events.ListByInstrument)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow)(h)
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
		mux:        mux,
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

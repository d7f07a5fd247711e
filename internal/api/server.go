// Package api serves the dashboard HTTP surface: status and telemetry,
// group/trigger/rule administration, deal actions, the pipeline simulator
// and the Prometheus scrape endpoint.
//
// Write methods require the X-Dashboard-Key shared secret when one is
// configured; reads are open. Every request passes the CORS and per-IP
// rate-limit middleware.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/internal/engine"
)

// Server runs the dashboard HTTP API.
type Server struct {
	cfg      config.DashboardConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the route table and middleware around the engine.
func NewServer(cfg config.DashboardConfig, appCfg *config.Config, eng *engine.Engine, logger *slog.Logger) *Server {
	h := NewHandlers(cfg, appCfg, eng, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(
		eng.Metrics().Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/status", h.HandleStatus)
	mux.HandleFunc("GET /api/groups", h.HandleListGroups)
	mux.HandleFunc("PUT /api/groups/{jid}/mode", h.HandleSetMode)
	mux.HandleFunc("GET /api/groups/{jid}/volatility", h.HandleGetVolatility)
	mux.HandleFunc("PUT /api/groups/{jid}/volatility", h.HandleSetVolatility)
	mux.HandleFunc("POST /api/groups/{jid}/volatility", h.HandleSetVolatility)
	mux.HandleFunc("GET /api/groups/{jid}/spread", h.HandleGetSpread)
	mux.HandleFunc("PUT /api/groups/{jid}/spread", h.HandleSetSpread)

	mux.HandleFunc("GET /api/groups/{jid}/triggers", h.HandleListTriggers)
	mux.HandleFunc("POST /api/groups/{jid}/triggers", h.HandleCreateTrigger)
	mux.HandleFunc("PUT /api/groups/{jid}/triggers/{id}", h.HandleUpdateTrigger)
	mux.HandleFunc("DELETE /api/groups/{jid}/triggers/{id}", h.HandleDeleteTrigger)
	mux.HandleFunc("POST /api/groups/{jid}/triggers/test", h.HandleTestTrigger)

	mux.HandleFunc("GET /api/groups/{jid}/rules", h.HandleListRules)
	mux.HandleFunc("POST /api/rules", h.HandleCreateRule)
	mux.HandleFunc("PUT /api/rules/{id}", h.HandleUpdateRule)
	mux.HandleFunc("DELETE /api/rules/{id}", h.HandleDeleteRule)

	mux.HandleFunc("GET /api/groups/{jid}/deals", h.HandleActiveDeals)
	mux.HandleFunc("GET /api/groups/{jid}/deal-history", h.HandleDealHistory)
	mux.HandleFunc("POST /api/groups/{jid}/deals/{dealId}/cancel", h.HandleCancelDeal)
	mux.HandleFunc("POST /api/groups/{jid}/deals/{dealId}/extend", h.HandleExtendDeal)
	mux.HandleFunc("POST /api/deals/sweep", h.HandleSweep)

	mux.HandleFunc("POST /api/simulator/send", h.HandleSimulatorSend)
	mux.HandleFunc("POST /api/simulator/replay", h.HandleSimulatorReplay)

	mux.HandleFunc("GET /api/prices", h.HandlePrices)
	mux.HandleFunc("GET /api/prices/history", h.HandlePriceHistory)

	handler := h.cors(h.rateLimit(h.auth(mux)))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: h,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("dashboard server starting", "addr", s.server.Addr,
		"auth", s.cfg.Secret != "")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

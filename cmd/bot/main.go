// OTC Desk Bot — an operator-assist bot for Brazilian OTC USDT/BRL trading
// over group messaging.
//
// Architecture:
//
//	main.go              — entry point: loads config, opens the store, starts engine + dashboard
//	engine/engine.go     — orchestrator: transport → dispatcher → router → actions, lifecycle
//	engine/pipeline.go   — per-message path: discovery, routing, trigger/deal/control actions
//	dispatch/dispatch.go — per-group FIFO workers under a global concurrency cap
//	router/router.go     — control / triggered / deal / observe / ignore classification
//	trigger/trigger.go   — normalized phrase matching (exact, contains, regex) with priorities
//	rules/rules.go       — time-windowed pricing overrides resolved per quote
//	price/…              — websocket stream, page scraper and REST fallback behind an aggregator
//	pricing/pricing.go   — spread application and truncating BRL/USDT arithmetic
//	deal/engine.go       — quote → lock → complete lifecycle with TTL sweeper and CAS transitions
//	deal/volatility.go   — drift-triggered reprices capped per deal, then operator escalation
//	errsvc/errsvc.go     — failure windows, auto-pause, recovery probes
//	notify/notifier.go   — rate-limited, deduplicated operator notifications
//	ai/classifier.go     — guarded intent classifier (rate limits, breaker, PII filter)
//	store/store.go       — sqlite gateway: config, triggers, rules, deals, bronze tiers
//	api/server.go        — dashboard HTTP API, simulator, Prometheus metrics
//
// How it operates:
//
//	Clients ask for quotes in natural language inside their groups. The bot
//	matches trigger phrases, prices USDT/BRL from live feeds with the group's
//	spread, and walks each deal from quoted to locked to completed while the
//	operator keeps final say. Feed trouble pauses the bot before a bad rate
//	ever reaches a client.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"otc-desk-bot/internal/api"
	"otc-desk-bot/internal/config"
	"otc-desk-bot/internal/engine"
	"otc-desk-bot/internal/store"
	"otc-desk-bot/internal/transport"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("OTC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "dsn", cfg.Store.DSN)
		os.Exit(1)
	}

	// The messaging transport plugs in here. The simulated transport serves
	// development and the dashboard simulator; a production deployment wires
	// its WhatsApp client to the same interface.
	tr := transport.NewSimulated()

	eng := engine.New(cfg, tr, st, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, cfg, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	ctx, cancel := context.WithCancel(context.Background())
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Start(ctx)
	}()

	logger.Info("otc desk bot started",
		"control_pattern", cfg.Bot.ControlGroupPattern,
		"ai_enabled", cfg.AI.Enabled,
		"dashboard", cfg.Dashboard.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		if err := <-engineDone; err != nil {
			logger.Error("engine shutdown", "error", err)
		}
	case err := <-engineDone:
		if err != nil {
			logger.Error("engine stopped", "error", err)
		}
		cancel()
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Signal Relay — a trading-signal admission and forwarding pipeline.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine + API, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires intake → decision pool → forward pool, refresher, reprocessor
//	pipeline/intake.go   — ingress contract: backpressure check, classify, persist, enqueue
//	pipeline/decision.go — admission workers: ranking check, position ledger, transient retry
//	forward/forwarder.go — delivery workers: rate-limited POST with hard timeout, terminal outcomes
//	ranking/             — screener fetcher, atomic snapshot book, refresh loop
//	reprocess/           — re-admits ranking-rejected buys when their ticker enters the ranking
//	ledger/              — at-most-one OPEN/CLOSING position per ticker
//	ratelimit/           — sliding-window outbound budget with admin pause
//	store/               — gorm persistence: signals, events, positions, strategies
//	api/                 — ingress webhook, admin surface, WebSocket event stream
//
// What it does:
//
//	Webhook signals are classified BUY or SELL, admitted against the current
//	screener ranking and the open-position ledger, and forwarded downstream
//	under a strict outbound budget. BUYs rejected only because their ticker
//	was outside the ranking are automatically re-admitted when the ticker
//	enters it, unless a later SELL already expressed exit intent.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"signal-relay/internal/api"
	"signal-relay/internal/config"
	"signal-relay/internal/engine"
)

func main() {
	// .env is optional; real deployments set RELAY_* directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(cfg.Server, eng.Deps(), logger)
	eng.SetEventSink(apiServer.Hub())

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("signal relay started",
		"url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"destination", cfg.Destination.URL,
		"rate_budget", cfg.RateLimit.MaxRequests,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop ingress first so the drain sees no new signals.
	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}

	eng.Stop()
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

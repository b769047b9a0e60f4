// Rangebot execution engine — the broker-facing half of a range-breakout
// futures robot trading a simulation account.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: gate → policy → adapter, callback wiring, recovery
//	broker/              — order-submission state machine: OCO entries, protective legs,
//	                       break-even modification, fail-closed flatten, reconciliation
//	broker/sim/          — in-process simulation account (working book, OCO, stop triggering)
//	risk/gate.go         — ordered pre-trade gates (recovery, kill switch, timetable, slots)
//	coordinator/         — per-intent exposure accounting and exit admission
//	journal/             — append-accretive per-intent execution journal (crash-safe JSON)
//	events/              — structured JSONL event stream (the audit trail)
//	killswitch/          — file-backed process-wide halt, TTL-cached
//	notify/              — priority-tiered operator webhook notifications
//	api/                 — /health, /api/snapshot, /ws event streaming
//
// Safety model:
//
//	Every intent id is a deterministic hash of its canonical fields, so
//	resubmitting the same logical trade is idempotent. Every broker order
//	carries the robot's tag envelope, so recovery can partition a flat
//	account snapshot. Anything the robot cannot account for — untagged
//	fills, unknown intents, failed protective legs, corrupted journals —
//	fails closed: flatten, stand the stream down, write an incident,
//	notify.
package main

import (
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"rangebot/internal/api"
	"rangebot/internal/config"
	"rangebot/internal/engine"
	"rangebot/internal/metrics"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ROBOT_CONFIG"); p != "" {
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

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics exposed", "addr", cfg.Metrics.Addr)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — notifications will not be delivered")
	}

	logger.Info("execution engine started",
		"stream", cfg.Robot.Stream,
		"instrument", cfg.Robot.ExecutionInstrument,
		"trading_date", cfg.Robot.TradingDate,
		"account", cfg.Broker.Account,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
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

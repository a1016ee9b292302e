// marketmaker is an automated market maker for a single Polymarket binary
// prediction market.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine            — orchestrator: wires every component for the one market this process trades
//	internal/discovery         — picks that market, either by reward-score ranking or an operator-pinned condition id
//	internal/feed              — local order book mirror + midpoint derivation from the market WebSocket channel
//	internal/quote             — pure bid/ask geometry from midpoint, spread and tick size
//	internal/controller        — quote lifecycle: debounced rebalance, place/cancel/replace against the CLOB
//	internal/position          — YES/NO token accounting, cost basis, net-exposure gating
//	internal/inventory         — keeps both outcome tokens stocked via on-chain split/merge
//	internal/liquidation       — staged unwind when exposure or price movement demands it
//	internal/venue             — REST/WebSocket clients, EIP-712/HMAC auth, on-chain ABI encoding
//	internal/opsapi            — read-only operator status HTTP surface
//	internal/store             — JSON file persistence for fills and position state
//
// How it makes money:
//
//	The process rests two BUY orders: YES at a bid below the market midpoint
//	and NO at one minus an ask above it, the collateral-only equivalent of a
//	bid/ask pair, capturing the spread when both sides fill. Reward
//	eligibility (§4.I's quadratic liquidity score) and net-exposure limits
//	(§4.B) bound how aggressively it can quote.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
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

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	params := eng.MarketParams()
	logger.Info("market maker started",
		"condition_id", params.ConditionID,
		"order_size", cfg.Quote.OrderSize,
		"spread_percent", cfg.Quote.SpreadPercent,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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

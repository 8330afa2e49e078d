// FPMM Indexer — the market-state indexer and live-data pipeline for a
// binary prediction-market application built on constant-product AMM
// pools and a conditional-token framework.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	chain/limiter.go     — shared token-bucket rate limiter with adaptive backoff
//	chain/gateway.go     — the single door to the chain: every read passes the limiter
//	chain/decoder.go     — topic-0 keyed decoder for the four FPMM pool events
//	amm/                 — pure constant-product math + the event applier
//	store/               — MySQL persistence: idempotent event rows, candle merge, monotonic cursor
//	queue/               — tx-hint and sweep queues (DB-backed or in-memory) with sweep-lock dedupe
//	indexer/             — the on-demand indexer: tx worker, sweep worker, caches
//	recon/               — periodic reconciliation sweeper closing gaps behind push ingestion
//	ingest/              — live log subscriptions feeding tx hints into the queue
//	market/catalog.go    — optional upstream market-catalog sync
//	api/                 — summary assembler, market reads, SSE/WS streams, webhooks, healthz
//	bus/                 — topic-addressed pub/sub between indexer and broadcast layer
//
// How data flows:
//
//	Pool logs arrive via push subscription (or webhook) as transaction
//	hints. The indexer fetches the block's logs, decodes the AMM events,
//	applies them to per-market reserve state in strict on-chain order,
//	persists trades/liquidity/candles idempotently, advances the per-market
//	cursor, and publishes to the bus. SSE and WS endpoints fan the bus out
//	to UI clients; the summary endpoint serves the read model. When a
//	market falls behind, bounded sweeps replay log windows from its cursor.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"fpmm-indexer/internal/api"
	"fpmm-indexer/internal/bus"
	"fpmm-indexer/internal/chain"
	"fpmm-indexer/internal/config"
	"fpmm-indexer/internal/indexer"
	"fpmm-indexer/internal/ingest"
	"fpmm-indexer/internal/market"
	"fpmm-indexer/internal/queue"
	"fpmm-indexer/internal/recon"
	"fpmm-indexer/internal/store"
)

func main() {
	// A .env file is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("INDEXER_CONFIG"); p != "" {
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Chain gateway: one shared limiter for every read.
	limiter := chain.NewLimiter(cfg.RPC.EffectiveBurst(), cfg.RPC.MaxQPS,
		cfg.RPC.BackoffBase, cfg.RPC.BackoffMax)
	gateway, err := chain.Dial(ctx, cfg.RPC.URL, cfg.RPC.FallbackURL, limiter, logger)
	if err != nil {
		logger.Error("failed to dial rpc", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Database.DSN, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var txQ queue.TxQueue
	var sweepQ queue.SweepQueue
	if cfg.Indexer.QueueBackend == "memory" {
		txQ = queue.NewMemoryTxQueue()
		sweepQ = queue.NewMemorySweepQueue(cfg.Indexer.SweepDedupeTTL)
	} else {
		txQ = queue.NewDBTxQueue(st)
		sweepQ = queue.NewDBSweepQueue(st, cfg.Indexer.SweepDedupeTTL)
	}

	eventBus := bus.NewLocal(logger)

	ix := indexer.New(cfg.Indexer, st, gateway, txQ, sweepQ, eventBus, logger)
	ix.Start(ctx)

	sweeper := recon.New(cfg.Recon, cfg.Indexer.BaselineBlock, st, gateway, ix, logger)
	sweeper.Start(ctx)

	live := ingest.New(cfg.RPC.WSURL, cfg.Contracts.MarketFactory, st, txQ, logger)
	live.Start(ctx)

	var catalog *market.Catalog
	if cfg.Catalog.URL != "" {
		catalog = market.NewCatalog(cfg.Catalog.URL, cfg.Catalog.PollInterval, st, logger)
		catalog.Start(ctx)
	}

	assembler := api.NewAssembler(cfg.Indexer, st, ix, gateway, cfg.Contracts.CTF, logger)
	health := api.NewHealth(*cfg, st, ix, gateway, cfg.RPC.WSURL != "", logger)
	handlers := api.NewHandlers(st, ix, assembler, health, cfg.Server.TxNotifyToken, logger)
	sse := api.NewSSE(eventBus, logger)
	stream := api.NewStream(eventBus, logger)
	server := api.NewServer(cfg.Server, handlers, sse, stream, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("fpmm indexer started",
		"port", cfg.Server.Port,
		"queue_backend", cfg.Indexer.QueueBackend,
		"live_ingest", cfg.RPC.WSURL != "",
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	if catalog != nil {
		catalog.Stop()
	}
	live.Stop()
	sweeper.Stop()
	ix.Stop()
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

package api

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"fpmm-indexer/internal/chain"
	"fpmm-indexer/internal/indexer"
	"fpmm-indexer/internal/store"
	"fpmm-indexer/pkg/types"
)

// Store is the read surface the API serves from.
type Store interface {
	MarketByKey(ctx context.Context, key string) (*types.Market, error)
	LatestLiquidity(ctx context.Context, marketID string) (*types.LiquidityEvent, error)
	Volume24h(ctx context.Context, marketID string, now time.Time) (types.Fixed18, error)
	LastTrade(ctx context.Context, marketID string) (*types.Trade, error)
	Trades(ctx context.Context, marketID string, limit int, before *time.Time) ([]types.Trade, error)
	Candles(ctx context.Context, marketID string, limit int) ([]types.Candle5m, error)
	SpotSeries(ctx context.Context, marketID string, limit int) ([]types.SpotPoint, error)
	GetMarketSync(ctx context.Context, marketID string) (*types.MarketSync, error)
	LatestCandleTime(ctx context.Context, marketID string) (time.Time, error)
	LaggingMarkets(ctx context.Context, head uint64, n int) ([]store.MarketLag, error)
	Ping(ctx context.Context) error
}

// Indexer is the job-scheduling and head surface.
type Indexer interface {
	EnqueueTx(ctx context.Context, job types.TxJob) error
	EnqueueSweep(ctx context.Context, marketID string) (bool, error)
	MaybeEnqueueSweep(ctx context.Context, marketID string)
	LatestHead(ctx context.Context) (uint64, error)
	Stats(ctx context.Context) indexer.JobStats
}

// Prober is the gateway subset the summary path uses.
type Prober interface {
	PoolReserves(ctx context.Context, ctf, pool common.Address, yesPos, noPos common.Hash) (*big.Int, *big.Int, error)
	Stats() chain.LimiterStats
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	store     Store
	idx       Indexer
	assembler *Assembler
	health    *Health
	token     string // bearer token guarding the webhook endpoints; empty disables the guard
	logger    *slog.Logger
}

// NewHandlers creates a handlers instance.
func NewHandlers(st Store, idx Indexer, assembler *Assembler, health *Health, token string, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:     st,
		idx:       idx,
		assembler: assembler,
		health:    health,
		token:     token,
		logger:    logger.With("component", "api-handlers"),
	}
}

// resolveMarket loads the market for the {key} path segment or writes the
// 404/500 response itself and returns nil.
func (h *Handlers) resolveMarket(w http.ResponseWriter, r *http.Request) *types.Market {
	key := mux.Vars(r)["key"]
	market, err := h.store.MarketByKey(r.Context(), key)
	if err != nil {
		h.logger.Error("market lookup failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "market lookup failed")
		return nil
	}
	if market == nil {
		writeError(w, http.StatusNotFound, "MARKET_NOT_FOUND", "no market for key "+key)
		return nil
	}
	return market
}

// HandleSummary serves GET /api/markets/{key}/summary with cache
// validators; a failed assembly degrades to a stale document instead of
// an error.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	market := h.resolveMarket(w, r)
	if market == nil {
		return
	}

	doc := func() (doc SummaryDoc) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("summary assembly panicked", "market", market.ID, "panic", rec)
				doc = h.assembler.Degraded(r.Context(), market)
			}
		}()
		return h.assembler.Build(r.Context(), market)
	}()

	lastTradeAt, candleAt := doc.Validators()
	var lastLiqAt time.Time
	if liq, err := h.store.LatestLiquidity(r.Context(), market.ID); err == nil && liq != nil {
		lastLiqAt = liq.Timestamp
	}

	etag := weakETag("summary", market.ID, doc.Cache.LastIndexedBlock, lastTradeAt, candleAt, lastLiqAt)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=15, stale-while-revalidate=60")
	w.Header().Set("Vary", "Accept,Accept-Encoding,If-None-Match")
	if lm := maxTime(lastTradeAt, candleAt, lastLiqAt); !lm.IsZero() {
		w.Header().Set("Last-Modified", lm.UTC().Format(http.TimeFormat))
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// HandleMetrics serves the metrics block alone.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	market := h.resolveMarket(w, r)
	if market == nil {
		return
	}
	doc := h.assembler.Build(r.Context(), market)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": doc.Metrics,
		"cache":   doc.Cache,
	})
}

// HandleCandles serves GET /api/markets/{key}/candles?tf=5m&limit=N.
func (h *Handlers) HandleCandles(w http.ResponseWriter, r *http.Request) {
	market := h.resolveMarket(w, r)
	if market == nil {
		return
	}
	if tf := r.URL.Query().Get("tf"); tf != "" && tf != "5m" {
		writeError(w, http.StatusBadRequest, "INVALID_TIMEFRAME", "only tf=5m is supported")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	candles, err := h.store.Candles(r.Context(), market.ID, limit)
	if err != nil {
		h.logger.Error("candles read failed", "market", market.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "candles read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candles": candleDocs(candles)})
}

// HandleTrades serves GET /api/markets/{key}/trades?limit=N&before=ISO8601.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	market := h.resolveMarket(w, r)
	if market == nil {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "before must be RFC3339")
			return
		}
		before = &ts
	}
	trades, err := h.store.Trades(r.Context(), market.ID, limit, before)
	if err != nil {
		h.logger.Error("trades read failed", "market", market.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "trades read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": tradeDocs(trades)})
}

// HandleSpotSeries serves GET /api/markets/{key}/spot-series?limit=N.
func (h *Handlers) HandleSpotSeries(w http.ResponseWriter, r *http.Request) {
	market := h.resolveMarket(w, r)
	if market == nil {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	points, err := h.store.SpotSeries(r.Context(), market.ID, limit)
	if err != nil {
		h.logger.Error("spot series read failed", "market", market.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "spot series read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"spotSeries": spotDocs(points)})
}

// HandleTxNotify serves POST /api/tx-notify — the webhook fast path into
// the tx queue.
func (h *Handlers) HandleTxNotify(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token")
		return
	}
	var body types.TxJob
	if err := decodeBody(r, &body); err != nil || body.TxHash == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "txHash is required")
		return
	}
	if err := h.idx.EnqueueTx(r.Context(), body); err != nil {
		h.logger.Error("tx-notify enqueue failed", "tx", body.TxHash, "error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"queued": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"queued": true})
}

// HandleSweep serves PATCH /api/markets/{key}/sweep.
func (h *Handlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token")
		return
	}
	market := h.resolveMarket(w, r)
	if market == nil {
		return
	}
	queued, err := h.idx.EnqueueSweep(r.Context(), market.ID)
	if err != nil {
		h.logger.Error("sweep enqueue failed", "market", market.ID, "error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"queued": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"queued": queued})
}

func (h *Handlers) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+h.token
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 50, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 500 {
		writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be 1..500")
		return 0, false
	}
	return n, true
}

// weakETag hashes the freshness inputs into a weak validator.
func weakETag(label, marketID string, lastIndexed uint64, stamps ...time.Time) string {
	sum := sha1.New()
	fmt.Fprintf(sum, "%s|%s|%d", label, marketID, lastIndexed)
	for _, ts := range stamps {
		fmt.Fprintf(sum, "|%d", ts.UnixNano())
	}
	return `W/"` + hex.EncodeToString(sum.Sum(nil)[:12]) + `"`
}

func maxTime(stamps ...time.Time) time.Time {
	var out time.Time
	for _, ts := range stamps {
		if ts.After(out) {
			out = ts
		}
	}
	return out
}

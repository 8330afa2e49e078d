package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"fpmm-indexer/internal/bus"
	"fpmm-indexer/internal/chain"
	"fpmm-indexer/internal/config"
	"fpmm-indexer/internal/indexer"
	"fpmm-indexer/internal/store"
	"fpmm-indexer/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type fakeStore struct {
	market      *types.Market
	liquidity   *types.LiquidityEvent
	lastTrade   *types.Trade
	volume      types.Fixed18
	volumeDelay time.Duration // simulates a slow 24h-volume query
	marketSync  *types.MarketSync
}

func (s *fakeStore) MarketByKey(_ context.Context, key string) (*types.Market, error) {
	if s.market != nil && (s.market.ID == key || strings.EqualFold(s.market.Slug, key)) {
		return s.market, nil
	}
	return nil, nil
}

func (s *fakeStore) LatestLiquidity(context.Context, string) (*types.LiquidityEvent, error) {
	return s.liquidity, nil
}

func (s *fakeStore) Volume24h(ctx context.Context, _ string, _ time.Time) (types.Fixed18, error) {
	if s.volumeDelay > 0 {
		select {
		case <-ctx.Done():
			return types.Fixed18{}, ctx.Err()
		case <-time.After(s.volumeDelay):
		}
	}
	return s.volume, nil
}

func (s *fakeStore) LastTrade(context.Context, string) (*types.Trade, error) {
	return s.lastTrade, nil
}

func (s *fakeStore) Trades(context.Context, string, int, *time.Time) ([]types.Trade, error) {
	if s.lastTrade == nil {
		return nil, nil
	}
	return []types.Trade{*s.lastTrade}, nil
}

func (s *fakeStore) Candles(context.Context, string, int) ([]types.Candle5m, error) {
	return nil, nil
}

func (s *fakeStore) SpotSeries(context.Context, string, int) ([]types.SpotPoint, error) {
	return nil, nil
}

func (s *fakeStore) GetMarketSync(context.Context, string) (*types.MarketSync, error) {
	return s.marketSync, nil
}

func (s *fakeStore) LatestCandleTime(context.Context, string) (time.Time, error) {
	return time.Time{}, nil
}

func (s *fakeStore) LaggingMarkets(context.Context, uint64, int) ([]store.MarketLag, error) {
	return nil, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

type fakeIndexer struct {
	txJobs    []types.TxJob
	sweeps    []string
	head      uint64
	sweepBusy bool
}

func (ix *fakeIndexer) EnqueueTx(_ context.Context, job types.TxJob) error {
	ix.txJobs = append(ix.txJobs, job)
	return nil
}

func (ix *fakeIndexer) EnqueueSweep(_ context.Context, marketID string) (bool, error) {
	if ix.sweepBusy {
		return false, nil
	}
	ix.sweeps = append(ix.sweeps, marketID)
	return true, nil
}

func (ix *fakeIndexer) MaybeEnqueueSweep(context.Context, string) {}

func (ix *fakeIndexer) LatestHead(context.Context) (uint64, error) { return ix.head, nil }

func (ix *fakeIndexer) Stats(context.Context) indexer.JobStats { return indexer.JobStats{} }

type fakeProber struct{}

func (fakeProber) PoolReserves(context.Context, common.Address, common.Address, common.Hash, common.Hash) (*big.Int, *big.Int, error) {
	return new(big.Int), new(big.Int), nil
}

func (fakeProber) Stats() chain.LimiterStats { return chain.LimiterStats{} }

// ————————————————————————————————————————————————————————————————————————
// Fixture
// ————————————————————————————————————————————————————————————————————————

func activeMarket() *types.Market {
	return &types.Market{
		ID:          "m1",
		Slug:        "will-it-rain",
		Title:       "Will it rain tomorrow?",
		FPMMAddress: "0x00000000000000000000000000000000000000a1",
		Outcomes:    [2]string{"Yes", "No"},
		Status:      types.StatusActive,
		CreatedAt:   time.Now().UTC(),
	}
}

func testRouter(st Store, ix Indexer, token string, timeout time.Duration) *mux.Router {
	logger := slog.Default()
	cfg := config.IndexerConfig{
		SummaryTimeout: timeout,
		ProbeCooldown:  time.Minute,
	}
	assembler := NewAssembler(cfg, st, ix, fakeProber{}, "", logger)
	h := NewHandlers(st, ix, assembler, nil, token, logger)

	r := mux.NewRouter()
	r.HandleFunc("/api/tx-notify", h.HandleTxNotify).Methods(http.MethodPost)
	markets := r.PathPrefix("/api/markets/{key}").Subrouter()
	markets.HandleFunc("/summary", h.HandleSummary).Methods(http.MethodGet)
	markets.HandleFunc("/candles", h.HandleCandles).Methods(http.MethodGet)
	markets.HandleFunc("/trades", h.HandleTrades).Methods(http.MethodGet)
	markets.HandleFunc("/spot-series", h.HandleSpotSeries).Methods(http.MethodGet)
	markets.HandleFunc("/sweep", h.HandleSweep).Methods(http.MethodPatch)
	return r
}

func doRequest(r *mux.Router, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ————————————————————————————————————————————————————————————————————————
// Tests
// ————————————————————————————————————————————————————————————————————————

func TestSummaryUnknownMarket404(t *testing.T) {
	t.Parallel()
	r := testRouter(&fakeStore{}, &fakeIndexer{}, "", time.Second)

	w := doRequest(r, http.MethodGet, "/api/markets/nope/summary", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "MARKET_NOT_FOUND" {
		t.Errorf("error code = %q, want MARKET_NOT_FOUND", body.Error.Code)
	}
}

func TestSummaryResolvesBySlugCaseInsensitive(t *testing.T) {
	t.Parallel()
	st := &fakeStore{market: activeMarket(), marketSync: &types.MarketSync{LastIndexedBlock: 95}}
	r := testRouter(st, &fakeIndexer{head: 100}, "", time.Second)

	w := doRequest(r, http.MethodGet, "/api/markets/WILL-IT-RAIN/summary", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	var doc SummaryDoc
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Market.ID != "m1" {
		t.Errorf("market id = %q", doc.Market.ID)
	}
	if doc.Cache.LastIndexedBlock != 95 || doc.Cache.LagBlocks != 5 {
		t.Errorf("cache = %+v, want lastIndexed 95, lag 5", doc.Cache)
	}
	if doc.Cache.Stale {
		t.Error("document stale without any read failure")
	}
	if w.Header().Get("ETag") == "" {
		t.Error("missing ETag header")
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age=15") {
		t.Errorf("cache-control = %q", cc)
	}
}

// A slow 24h-volume query degrades that field and flags the document
// stale; everything else is served.
func TestSummaryDegradesOnSlowVolume(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	st := &fakeStore{
		market: activeMarket(),
		liquidity: &types.LiquidityEvent{
			MarketID:    "m1",
			Kind:        types.LiquidityInit,
			Timestamp:   now,
			YesReserves: types.ParseFixed18("100000000000000000000"),
			NoReserves:  types.ParseFixed18("100000000000000000000"),
		},
		volume:      types.ParseFixed18("7000000000000000000"),
		volumeDelay: 300 * time.Millisecond,
	}
	r := testRouter(st, &fakeIndexer{head: 10}, "", 50*time.Millisecond)

	w := doRequest(r, http.MethodGet, "/api/markets/m1/summary", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var doc SummaryDoc
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if !doc.Cache.Stale {
		t.Error("stale = false, want true after volume timeout")
	}
	if doc.Metrics.Volume24hUSDF != "0" {
		t.Errorf("volume = %q, want \"0\"", doc.Metrics.Volume24hUSDF)
	}
	// Spot still computed from the liquidity snapshot: 0.5.
	if doc.Metrics.SpotYes != "500000000000000000" {
		t.Errorf("spotYes = %q, want 0.5e18", doc.Metrics.SpotYes)
	}
}

func TestSummaryETagRoundTrip(t *testing.T) {
	t.Parallel()
	st := &fakeStore{market: activeMarket(), marketSync: &types.MarketSync{LastIndexedBlock: 95}}
	r := testRouter(st, &fakeIndexer{head: 100}, "", time.Second)

	w1 := doRequest(r, http.MethodGet, "/api/markets/m1/summary", nil, "")
	etag := w1.Header().Get("ETag")
	if etag == "" || !strings.HasPrefix(etag, `W/"`) {
		t.Fatalf("etag = %q, want weak validator", etag)
	}

	w2 := doRequest(r, http.MethodGet, "/api/markets/m1/summary",
		map[string]string{"If-None-Match": etag}, "")
	if w2.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304 on matching If-None-Match", w2.Code)
	}
}

func TestCandlesRejectsBadLimit(t *testing.T) {
	t.Parallel()
	st := &fakeStore{market: activeMarket()}
	r := testRouter(st, &fakeIndexer{}, "", time.Second)

	for _, limit := range []string{"0", "501", "abc", "-1"} {
		w := doRequest(r, http.MethodGet, "/api/markets/m1/candles?limit="+limit, nil, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, w.Code)
		}
	}
}

func TestTradesRejectsBadCursor(t *testing.T) {
	t.Parallel()
	st := &fakeStore{market: activeMarket()}
	r := testRouter(st, &fakeIndexer{}, "", time.Second)

	w := doRequest(r, http.MethodGet, "/api/markets/m1/trades?before=yesterday", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid before cursor", w.Code)
	}
	var body errorBody
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error.Code != "INVALID_CURSOR" {
		t.Errorf("error code = %q, want INVALID_CURSOR", body.Error.Code)
	}
}

func TestTxNotifyRequiresToken(t *testing.T) {
	t.Parallel()
	ix := &fakeIndexer{}
	r := testRouter(&fakeStore{}, ix, "secret", time.Second)

	w := doRequest(r, http.MethodPost, "/api/tx-notify", nil, `{"txHash":"0xabc"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", w.Code)
	}
	if len(ix.txJobs) != 0 {
		t.Error("job enqueued despite missing token")
	}

	w = doRequest(r, http.MethodPost, "/api/tx-notify",
		map[string]string{"Authorization": "Bearer secret"}, `{"txHash":"0xabc","marketId":"m1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]bool
	json.Unmarshal(w.Body.Bytes(), &body)
	if !body["queued"] {
		t.Error("queued = false, want true")
	}
	if len(ix.txJobs) != 1 || ix.txJobs[0].TxHash != "0xabc" {
		t.Errorf("txJobs = %+v", ix.txJobs)
	}
}

func TestTxNotifyRejectsEmptyHash(t *testing.T) {
	t.Parallel()
	r := testRouter(&fakeStore{}, &fakeIndexer{}, "", time.Second)

	w := doRequest(r, http.MethodPost, "/api/tx-notify", nil, `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing txHash", w.Code)
	}
}

func TestSweepReportsDedupe(t *testing.T) {
	t.Parallel()
	st := &fakeStore{market: activeMarket()}
	ix := &fakeIndexer{}
	r := testRouter(st, ix, "", time.Second)

	w := doRequest(r, http.MethodPatch, "/api/markets/m1/sweep", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]bool
	json.Unmarshal(w.Body.Bytes(), &body)
	if !body["queued"] {
		t.Error("queued = false on first sweep")
	}

	// Lock held: queued=false, still 200.
	ix.sweepBusy = true
	w = doRequest(r, http.MethodPatch, "/api/markets/m1/sweep", nil, "")
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["queued"] {
		t.Error("queued = true while sweep lock held")
	}
}

// The SSE stream forwards bus messages as data lines and keeps exactly
// one subscription pair per connection.
func TestSSEForwardsBusMessages(t *testing.T) {
	t.Parallel()
	logger := slog.Default()
	b := bus.NewLocal(logger)
	sse := NewSSE(b, logger)

	r := mux.NewRouter()
	r.HandleFunc("/api/markets/{key}/live", func(w http.ResponseWriter, r *http.Request) {
		sse.Handle(w, r, "m1")
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/markets/m1/live")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}

	// Publish until the subscriber is wired and the first line arrives.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				b.Publish(bus.TradesTopic("m1"), []byte(`{"type":"trade"}`))
			}
		}
	}()
	defer close(done)

	buf := make([]byte, 256)
	deadline := time.Now().Add(3 * time.Second)
	var received string
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			received += string(buf[:n])
			if strings.Contains(received, `data: {"type":"trade"}`) {
				return
			}
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("no trade event received, got %q", received)
}

// summary.go assembles the per-market summary document: core market
// fields, headline metrics, recent candles/trades/spot samples, and the
// freshness block. Reads run concurrently, each under its own soft
// timeout; anything that misses the deadline degrades that field and
// flags the document stale rather than failing the request. When stored
// liquidity looks older than the last trade, reserves are probed on chain
// behind a per-market cooldown.
package api

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fpmm-indexer/internal/amm"
	"fpmm-indexer/internal/config"
	"fpmm-indexer/pkg/types"
)

const (
	summaryTradeLimit  = 50
	summaryCandleLimit = 120
	summarySpotLimit   = 120
)

// Assembler builds summary documents.
type Assembler struct {
	cfg    config.IndexerConfig
	store  Store
	idx    Indexer
	prober Prober
	ctf    common.Address
	logger *slog.Logger

	// probeAt throttles the on-chain reserve probe per market.
	probeAt sync.Map // marketID → time.Time
}

// NewAssembler wires a summary assembler.
func NewAssembler(cfg config.IndexerConfig, st Store, idx Indexer, prober Prober, ctfAddr string, logger *slog.Logger) *Assembler {
	return &Assembler{
		cfg:    cfg,
		store:  st,
		idx:    idx,
		prober: prober,
		ctf:    common.HexToAddress(ctfAddr),
		logger: logger.With("component", "summary"),
	}
}

// summaryParts collects the concurrent read results.
type summaryParts struct {
	mu sync.Mutex

	liquidity  *types.LiquidityEvent
	volume24h  types.Fixed18
	lastTrade  *types.Trade
	trades     []types.Trade
	candles    []types.Candle5m
	spotSeries []types.SpotPoint
	marketSync *types.MarketSync
	candleTime time.Time

	stale bool
}

// Build assembles the document for one resolved market. It never returns
// an error for read failures — partial data plus stale=true preserves
// read availability.
func (a *Assembler) Build(ctx context.Context, market *types.Market) SummaryDoc {
	parts := &summaryParts{}
	now := time.Now().UTC()

	var wg sync.WaitGroup
	read := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, a.cfg.SummaryTimeout)
			defer cancel()
			if err := fn(rctx); err != nil {
				a.logger.Warn("summary read degraded", "read", name, "market", market.ID, "error", err)
				parts.mu.Lock()
				parts.stale = true
				parts.mu.Unlock()
			}
		}()
	}

	read("liquidity", func(ctx context.Context) error {
		l, err := a.store.LatestLiquidity(ctx, market.ID)
		if err != nil {
			return err
		}
		parts.mu.Lock()
		parts.liquidity = l
		parts.mu.Unlock()
		return nil
	})
	read("volume24h", func(ctx context.Context) error {
		v, err := a.store.Volume24h(ctx, market.ID, now)
		if err != nil {
			return err
		}
		parts.mu.Lock()
		parts.volume24h = v
		parts.mu.Unlock()
		return nil
	})
	read("lastTrade", func(ctx context.Context) error {
		t, err := a.store.LastTrade(ctx, market.ID)
		if err != nil {
			return err
		}
		parts.mu.Lock()
		parts.lastTrade = t
		parts.mu.Unlock()
		return nil
	})
	read("trades", func(ctx context.Context) error {
		ts, err := a.store.Trades(ctx, market.ID, summaryTradeLimit, nil)
		if err != nil {
			return err
		}
		parts.mu.Lock()
		parts.trades = ts
		parts.mu.Unlock()
		return nil
	})
	read("candles", func(ctx context.Context) error {
		cs, err := a.store.Candles(ctx, market.ID, summaryCandleLimit)
		if err != nil {
			return err
		}
		parts.mu.Lock()
		parts.candles = cs
		parts.mu.Unlock()
		return nil
	})
	read("spotSeries", func(ctx context.Context) error {
		ps, err := a.store.SpotSeries(ctx, market.ID, summarySpotLimit)
		if err != nil {
			return err
		}
		parts.mu.Lock()
		parts.spotSeries = ps
		parts.mu.Unlock()
		return nil
	})
	read("marketSync", func(ctx context.Context) error {
		ms, err := a.store.GetMarketSync(ctx, market.ID)
		if err != nil {
			return err
		}
		parts.mu.Lock()
		parts.marketSync = ms
		parts.mu.Unlock()
		return nil
	})
	read("candleTime", func(ctx context.Context) error {
		t, err := a.store.LatestCandleTime(ctx, market.ID)
		if err != nil {
			return err
		}
		parts.mu.Lock()
		parts.candleTime = t
		parts.mu.Unlock()
		return nil
	})
	wg.Wait()

	yes, no := a.resolveReserves(ctx, market, parts)

	var lastIndexed uint64
	if parts.marketSync != nil {
		lastIndexed = parts.marketSync.LastIndexedBlock
	}
	var lag uint64
	if head, err := a.idx.LatestHead(ctx); err == nil && head > lastIndexed {
		lag = head - lastIndexed
	}

	// Fire-and-forget: a stale market self-heals on the next sweep.
	go a.idx.MaybeEnqueueSweep(context.WithoutCancel(ctx), market.ID)

	metrics := MetricsDoc{
		SpotYes:       types.NewFixed18(amm.YesPriceScaled(yes, no)).String(),
		SpotNo:        types.NewFixed18(amm.NoPriceScaled(yes, no)).String(),
		TVLUSDF:       types.NewFixed18(amm.TVLScaled(yes, no)).String(),
		Volume24hUSDF: parts.volume24h.String(),
	}
	metrics.SpotYesDisplay = types.NewFixed18(amm.YesPriceScaled(yes, no)).Decimal()
	if parts.lastTrade != nil {
		t := parts.lastTrade.Timestamp
		metrics.LastTradeAt = &t
	}

	return SummaryDoc{
		Market:     marketDoc(market),
		Metrics:    metrics,
		Candles:    candleDocs(parts.candles),
		Trades:     tradeDocs(parts.trades),
		SpotSeries: spotDocs(parts.spotSeries),
		Cache: CacheDoc{
			LastIndexedBlock: lastIndexed,
			LagBlocks:        lag,
			GeneratedAt:      now,
			Stale:            parts.stale,
		},
	}
}

// Degraded builds the availability-preserving fallback document when the
// assembler itself fails: on-chain-sourced spot if the probe works, and
// stale=true either way.
func (a *Assembler) Degraded(ctx context.Context, market *types.Market) SummaryDoc {
	yes, no := new(big.Int), new(big.Int)
	if p := a.probeReserves(ctx, market); p != nil {
		yes, no = p[0], p[1]
	}
	return SummaryDoc{
		Market: marketDoc(market),
		Metrics: MetricsDoc{
			SpotYes:        types.NewFixed18(amm.YesPriceScaled(yes, no)).String(),
			SpotNo:         types.NewFixed18(amm.NoPriceScaled(yes, no)).String(),
			SpotYesDisplay: types.NewFixed18(amm.YesPriceScaled(yes, no)).Decimal(),
			TVLUSDF:        types.NewFixed18(amm.TVLScaled(yes, no)).String(),
			Volume24hUSDF:  "0",
		},
		Candles:    []CandleDoc{},
		Trades:     []TradeDoc{},
		SpotSeries: []SpotDoc{},
		Cache: CacheDoc{
			GeneratedAt: time.Now().UTC(),
			Stale:       true,
		},
	}
}

// resolveReserves picks the spot source: stored liquidity normally, an
// on-chain probe when the last trade outran the last liquidity row (new
// or stale pool) and the cooldown allows.
func (a *Assembler) resolveReserves(ctx context.Context, market *types.Market, parts *summaryParts) (*big.Int, *big.Int) {
	var yes, no *big.Int
	var liqAt time.Time
	if parts.liquidity != nil {
		yes = parts.liquidity.YesReserves.Int()
		no = parts.liquidity.NoReserves.Int()
		liqAt = parts.liquidity.Timestamp
	} else {
		yes, no = new(big.Int), new(big.Int)
	}

	tradeNewer := parts.lastTrade != nil && parts.lastTrade.Timestamp.After(liqAt)
	if (parts.liquidity == nil || tradeNewer) && a.probeAllowed(market.ID) {
		if p := a.probeReserves(ctx, market); p != nil {
			return p[0], p[1]
		}
	}
	return yes, no
}

// probeAllowed checks and advances the per-market probe cooldown.
func (a *Assembler) probeAllowed(marketID string) bool {
	now := time.Now()
	if v, ok := a.probeAt.Load(marketID); ok {
		if now.Sub(v.(time.Time)) < a.cfg.ProbeCooldown {
			return false
		}
	}
	a.probeAt.Store(marketID, now)
	return true
}

// probeReserves reads the pool's conditional-token balances directly.
// Returns nil when the market lacks position ids or the call fails.
func (a *Assembler) probeReserves(ctx context.Context, market *types.Market) []*big.Int {
	if market.FPMMAddress == "" || market.YesPositionID == "" || market.NoPositionID == "" || a.ctf == (common.Address{}) {
		return nil
	}
	yes, no, err := a.prober.PoolReserves(ctx, a.ctf,
		common.HexToAddress(market.FPMMAddress),
		common.HexToHash(market.YesPositionID),
		common.HexToHash(market.NoPositionID))
	if err != nil {
		a.logger.Warn("reserve probe failed", "market", market.ID, "error", err)
		return nil
	}
	return []*big.Int{yes, no}
}

// Validators derives the weak entity tag inputs and the Last-Modified
// time from an assembled document.
func (doc SummaryDoc) Validators() (lastTradeAt, candleAt time.Time) {
	if doc.Metrics.LastTradeAt != nil {
		lastTradeAt = *doc.Metrics.LastTradeAt
	}
	if len(doc.Candles) > 0 {
		candleAt = doc.Candles[0].BucketStart
	}
	return lastTradeAt, candleAt
}

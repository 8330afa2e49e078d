// Package indexer drives the whole pipeline: it consumes transaction
// hints and sweep jobs, resolves logs through the rate-limited gateway,
// applies them with the AMM applier, commits rows through the store, and
// publishes trade + progress notifications on the bus.
//
// Two long-running workers (tx and sweep) each process jobs sequentially
// within their own stream. A market's in-memory state is owned by exactly
// one job at a time: every job rehydrates state from the store at start,
// sweep jobs are serialized per market by the sweep lock, and tx jobs are
// made safe by idempotent writes plus the store's monotonic cursor.
package indexer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"fpmm-indexer/internal/config"
	"fpmm-indexer/internal/queue"
	"fpmm-indexer/pkg/types"
)

// Store is the persistence surface the indexer writes through.
type Store interface {
	MarketByPool(ctx context.Context, addr string) (*types.Market, error)
	MarketByKey(ctx context.Context, key string) (*types.Market, error)
	LoadMarketState(ctx context.Context, marketID, fpmm string) (*types.MarketState, error)

	InsertTrade(ctx context.Context, t types.Trade) error
	InsertLiquidityEvent(ctx context.Context, l types.LiquidityEvent) error
	UpsertCandle(ctx context.Context, c types.Candle5m) error
	UpsertSpotPoint(ctx context.Context, p types.SpotPoint) error

	EnsureMarketSync(ctx context.Context, marketID string, baseline uint64) error
	AdvanceMarketSync(ctx context.Context, marketID string, block uint64, sweeping bool) error
	RewindMarketSync(ctx context.Context, marketID string, block uint64) error
	GetMarketSync(ctx context.Context, marketID string) (*types.MarketSync, error)
	FirstTradeBlock(ctx context.Context, marketID string) (uint64, bool, error)
}

// Gateway is the chain-read surface, already rate-limited.
type Gateway interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number uint64) (*ethtypes.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockLogs(ctx context.Context, blockHash common.Hash) ([]ethtypes.Log, error)
	AddressLogs(ctx context.Context, from, to uint64, addrs []common.Address) ([]ethtypes.Log, error)
}

// Bus is the publish side of the event bus.
type Bus interface {
	Publish(topic string, payload []byte) error
}

const (
	receiptPollInterval = 1500 * time.Millisecond
	maxReceiptAttempts  = 30

	blockTimestampCacheSize = 512
	headCacheTTL            = 60 * time.Second
	interWindowSleep        = 150 * time.Millisecond
)

// Indexer owns the tx and sweep workers plus the shared caches.
type Indexer struct {
	cfg     config.IndexerConfig
	store   Store
	gateway Gateway
	txQ     queue.TxQueue
	sweepQ  queue.SweepQueue
	bus     Bus
	logger  *slog.Logger

	// blockTs caches block → timestamp so a sweep over hundreds of logs
	// doesn't refetch the same headers.
	blockTs *lru.Cache[uint64, time.Time]

	// marketMeta caches market rows by lowercase pool address and by id.
	marketMeta sync.Map // string → *types.Market

	// head is the memoized chain head (TTL headCacheTTL).
	headMu sync.Mutex
	head   uint64
	headAt time.Time

	inflight atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// JobStats is the queue/in-flight snapshot for the health endpoint.
type JobStats struct {
	TxPending    int   `json:"txPending"`
	SweepPending int   `json:"sweepPending"`
	InFlight     int64 `json:"inflight"`
}

// New wires an indexer. Start must be called before jobs are processed.
func New(cfg config.IndexerConfig, st Store, gw Gateway, txQ queue.TxQueue, sweepQ queue.SweepQueue, b Bus, logger *slog.Logger) *Indexer {
	tsCache, _ := lru.New[uint64, time.Time](blockTimestampCacheSize)
	return &Indexer{
		cfg:     cfg,
		store:   st,
		gateway: gw,
		txQ:     txQ,
		sweepQ:  sweepQ,
		bus:     b,
		logger:  logger.With("component", "indexer"),
		blockTs: tsCache,
	}
}

// Start launches the two worker goroutines.
func (ix *Indexer) Start(ctx context.Context) {
	ix.ctx, ix.cancel = context.WithCancel(ctx)

	ix.wg.Add(2)
	go ix.txWorker()
	go ix.sweepWorker()

	ix.logger.Info("indexer started",
		"scan_batch", ix.cfg.ScanBlocksPerBatch,
		"sweep_window", ix.cfg.SweepWindowBlocks,
		"baseline", ix.cfg.BaselineBlock,
	)
}

// Stop cancels the workers and waits for the current jobs to drain.
func (ix *Indexer) Stop() {
	if ix.cancel != nil {
		ix.cancel()
	}
	ix.wg.Wait()
}

// EnqueueTx pushes a transaction hint.
func (ix *Indexer) EnqueueTx(ctx context.Context, job types.TxJob) error {
	return ix.txQ.Enqueue(ctx, job)
}

// EnqueueSweep schedules a sweep, honoring the dedupe lock. Returns true
// if a job was actually enqueued.
func (ix *Indexer) EnqueueSweep(ctx context.Context, marketID string) (bool, error) {
	return ix.sweepQ.Enqueue(ctx, marketID)
}

// MaybeEnqueueSweep is the throttled, reactive path used by read
// endpoints: sweep only when lag exceeds the window AND either the lag is
// very large or the cursor has been quiet past the cooldown.
func (ix *Indexer) MaybeEnqueueSweep(ctx context.Context, marketID string) {
	ms, err := ix.store.GetMarketSync(ctx, marketID)
	if err != nil {
		ix.logger.Warn("maybe-sweep: cursor read failed", "market", marketID, "error", err)
		return
	}
	head, err := ix.LatestHead(ctx)
	if err != nil {
		return
	}

	var lastIndexed uint64
	var updatedAt time.Time
	if ms != nil {
		lastIndexed = ms.LastIndexedBlock
		updatedAt = ms.UpdatedAt
	}
	if head <= lastIndexed {
		return
	}
	lag := head - lastIndexed
	if lag <= ix.cfg.SweepWindowBlocks {
		return
	}
	veryLarge := lag > 4*ix.cfg.SweepWindowBlocks
	quiet := time.Since(updatedAt) > ix.cfg.SweepCooldown
	if !veryLarge && !quiet {
		return
	}

	if _, err := ix.sweepQ.Enqueue(ctx, marketID); err != nil {
		// Losing a reactive hint is safe — the periodic sweeper re-covers.
		ix.logger.Warn("maybe-sweep: enqueue failed", "market", marketID, "error", err)
	}
}

// LatestHead returns the chain head, memoized for headCacheTTL.
func (ix *Indexer) LatestHead(ctx context.Context) (uint64, error) {
	ix.headMu.Lock()
	if ix.head > 0 && time.Since(ix.headAt) < headCacheTTL {
		h := ix.head
		ix.headMu.Unlock()
		return h, nil
	}
	ix.headMu.Unlock()
	return ix.RefreshHead(ctx)
}

// RefreshHead fetches the head unconditionally and updates the cache.
func (ix *Indexer) RefreshHead(ctx context.Context) (uint64, error) {
	head, err := ix.gateway.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	ix.headMu.Lock()
	ix.head = head
	ix.headAt = time.Now()
	ix.headMu.Unlock()
	return head, nil
}

// Stats reports queue depths and in-flight jobs.
func (ix *Indexer) Stats(ctx context.Context) JobStats {
	txN, _ := ix.txQ.Pending(ctx)
	swN, _ := ix.sweepQ.Pending(ctx)
	return JobStats{
		TxPending:    txN,
		SweepPending: swN,
		InFlight:     ix.inflight.Load(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Worker loops
// ————————————————————————————————————————————————————————————————————————

func (ix *Indexer) txWorker() {
	defer ix.wg.Done()
	for {
		select {
		case <-ix.ctx.Done():
			return
		default:
		}

		job, err := ix.txQ.Dequeue(ix.ctx)
		if err != nil {
			if ix.ctx.Err() != nil {
				return
			}
			ix.logger.Error("tx dequeue failed", "error", err)
			continue
		}
		if job == nil {
			continue
		}

		ix.inflight.Add(1)
		ix.processTx(ix.ctx, *job)
		ix.inflight.Add(-1)
	}
}

func (ix *Indexer) sweepWorker() {
	defer ix.wg.Done()
	for {
		select {
		case <-ix.ctx.Done():
			return
		default:
		}

		job, err := ix.sweepQ.Dequeue(ix.ctx)
		if err != nil {
			if ix.ctx.Err() != nil {
				return
			}
			ix.logger.Error("sweep dequeue failed", "error", err)
			continue
		}
		if job == nil {
			continue
		}

		ix.inflight.Add(1)
		ix.processSweep(ix.ctx, job.MarketID)
		ix.inflight.Add(-1)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Caches
// ————————————————————————————————————————————————————————————————————————

// blockTimestamp resolves a block's timestamp through the LRU cache.
func (ix *Indexer) blockTimestamp(ctx context.Context, block uint64) (time.Time, error) {
	if ts, ok := ix.blockTs.Get(block); ok {
		return ts, nil
	}
	header, err := ix.gateway.HeaderByNumber(ctx, block)
	if err != nil {
		return time.Time{}, err
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	ix.blockTs.Add(block, ts)
	return ts, nil
}

// marketByPool resolves a market by pool address through the meta cache.
// Returns nil for addresses that belong to no registered market.
func (ix *Indexer) marketByPool(ctx context.Context, addr string) (*types.Market, error) {
	if v, ok := ix.marketMeta.Load("pool:" + addr); ok {
		return v.(*types.Market), nil
	}
	m, err := ix.store.MarketByPool(ctx, addr)
	if err != nil {
		return nil, err
	}
	if m != nil {
		ix.marketMeta.Store("pool:"+addr, m)
		ix.marketMeta.Store("id:"+m.ID, m)
	}
	return m, nil
}

// marketByID resolves a market by id through the meta cache.
func (ix *Indexer) marketByID(ctx context.Context, id string) (*types.Market, error) {
	if v, ok := ix.marketMeta.Load("id:" + id); ok {
		return v.(*types.Market), nil
	}
	m, err := ix.store.MarketByKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if m != nil {
		ix.marketMeta.Store("id:"+m.ID, m)
		if m.FPMMAddress != "" {
			ix.marketMeta.Store("pool:"+m.FPMMAddress, m)
		}
	}
	return m, nil
}

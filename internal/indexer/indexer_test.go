package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"fpmm-indexer/internal/chain"
	"fpmm-indexer/internal/config"
	"fpmm-indexer/internal/queue"
	"fpmm-indexer/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

// fakeStore mimics the real store's semantics: unique-key no-op inserts,
// candle merge, and a monotonic cursor.
type fakeStore struct {
	mu sync.Mutex

	markets    map[string]*types.Market // by id
	byPool     map[string]*types.Market
	trades     map[string]types.Trade          // key txHash/logIndex
	liquidity  map[string]types.LiquidityEvent // same key, insertion-ordered via seq
	liqOrder   []string
	candles    map[string]types.Candle5m // key marketID/bucket
	spots      map[string]types.SpotPoint
	syncs      map[string]*types.MarketSync
	failTrades bool // S4: trade inserts fail while set
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		markets:   make(map[string]*types.Market),
		byPool:    make(map[string]*types.Market),
		trades:    make(map[string]types.Trade),
		liquidity: make(map[string]types.LiquidityEvent),
		candles:   make(map[string]types.Candle5m),
		spots:     make(map[string]types.SpotPoint),
		syncs:     make(map[string]*types.MarketSync),
	}
}

func (s *fakeStore) addMarket(m types.Market) {
	s.markets[m.ID] = &m
	s.byPool[strings.ToLower(m.FPMMAddress)] = &m
}

func rowKey(tx string, idx uint) string { return fmt.Sprintf("%s/%d", strings.ToLower(tx), idx) }

func (s *fakeStore) MarketByPool(_ context.Context, addr string) (*types.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byPool[strings.ToLower(addr)], nil
}

func (s *fakeStore) MarketByKey(_ context.Context, key string) (*types.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markets[key], nil
}

func (s *fakeStore) LoadMarketState(_ context.Context, marketID, fpmm string) (*types.MarketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := types.NewMarketState(marketID, fpmm)
	// Latest liquidity row by (block, logIndex).
	var best *types.LiquidityEvent
	for _, k := range s.liqOrder {
		l := s.liquidity[k]
		if l.MarketID != marketID {
			continue
		}
		if best == nil || l.BlockNumber > best.BlockNumber ||
			(l.BlockNumber == best.BlockNumber && l.LogIndex > best.LogIndex) {
			cp := l
			best = &cp
		}
	}
	if best != nil {
		state.YesReserve = best.YesReserves.Int()
		state.NoReserve = best.NoReserves.Int()
		state.LastProcessedBlock = best.BlockNumber
		state.LastProcessedLogIndex = best.LogIndex
		state.HasLiquidity = state.YesReserve.Sign() > 0 || state.NoReserve.Sign() > 0
	}
	return state, nil
}

func (s *fakeStore) InsertTrade(_ context.Context, t types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTrades {
		return errors.New("storage unavailable")
	}
	k := rowKey(t.TxHash, t.LogIndex)
	if _, dup := s.trades[k]; dup {
		return nil
	}
	s.trades[k] = t
	return nil
}

func (s *fakeStore) InsertLiquidityEvent(_ context.Context, l types.LiquidityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rowKey(l.TxHash, l.LogIndex)
	if _, dup := s.liquidity[k]; dup {
		return nil
	}
	s.liquidity[k] = l
	s.liqOrder = append(s.liqOrder, k)
	return nil
}

func (s *fakeStore) UpsertCandle(_ context.Context, c types.Candle5m) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := c.MarketID + "/" + c.BucketStart.UTC().String()
	old, ok := s.candles[k]
	if !ok {
		s.candles[k] = c
		return nil
	}
	if c.High.Int().Cmp(old.High.Int()) > 0 {
		old.High = c.High
	}
	if c.Low.Int().Cmp(old.Low.Int()) < 0 {
		old.Low = c.Low
	}
	old.Close = c.Close
	old.VolumeUSDF = types.NewFixed18(new(big.Int).Add(old.VolumeUSDF.Int(), c.VolumeUSDF.Int()))
	s.candles[k] = old
	return nil
}

func (s *fakeStore) UpsertSpotPoint(_ context.Context, p types.SpotPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := p.MarketID + "/" + p.Timestamp.UTC().String()
	if _, dup := s.spots[k]; !dup {
		s.spots[k] = p
	}
	return nil
}

func (s *fakeStore) EnsureMarketSync(_ context.Context, marketID string, baseline uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.syncs[marketID]; !ok {
		s.syncs[marketID] = &types.MarketSync{MarketID: marketID, LastIndexedBlock: baseline}
	}
	return nil
}

func (s *fakeStore) AdvanceMarketSync(_ context.Context, marketID string, block uint64, sweeping bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.syncs[marketID]
	if !ok {
		ms = &types.MarketSync{MarketID: marketID}
		s.syncs[marketID] = ms
	}
	if block > ms.LastIndexedBlock {
		ms.LastIndexedBlock = block
	}
	ms.Sweeping = sweeping
	ms.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) RewindMarketSync(_ context.Context, marketID string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok := s.syncs[marketID]; ok {
		ms.LastIndexedBlock = block
	}
	return nil
}

func (s *fakeStore) GetMarketSync(_ context.Context, marketID string) (*types.MarketSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.syncs[marketID]
	if !ok {
		return nil, nil
	}
	cp := *ms
	return &cp, nil
}

func (s *fakeStore) FirstTradeBlock(_ context.Context, marketID string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first uint64
	found := false
	for _, t := range s.trades {
		if t.MarketID != marketID {
			continue
		}
		if !found || t.BlockNumber < first {
			first = t.BlockNumber
			found = true
		}
	}
	return first, found, nil
}

func (s *fakeStore) cursor(marketID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok := s.syncs[marketID]; ok {
		return ms.LastIndexedBlock
	}
	return 0
}

func (s *fakeStore) counts() (trades, liq, candles int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades), len(s.liquidity), len(s.candles)
}

// fakeGateway scripts receipts and logs.
type fakeGateway struct {
	mu        sync.Mutex
	head      uint64
	headCalls int
	receipts  map[common.Hash]*ethtypes.Receipt
	blockLogs map[common.Hash][]ethtypes.Log
	rangeLogs []ethtypes.Log // returned by AddressLogs filtered to [from, to]
	blockTime uint64
}

func (g *fakeGateway) BlockNumber(context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.headCalls++
	return g.head, nil
}

func (g *fakeGateway) HeaderByNumber(_ context.Context, number uint64) (*ethtypes.Header, error) {
	return &ethtypes.Header{Number: new(big.Int).SetUint64(number), Time: g.blockTime}, nil
}

func (g *fakeGateway) TransactionReceipt(_ context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (g *fakeGateway) BlockLogs(_ context.Context, blockHash common.Hash) ([]ethtypes.Log, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blockLogs[blockHash], nil
}

func (g *fakeGateway) AddressLogs(_ context.Context, from, to uint64, _ []common.Address) ([]ethtypes.Log, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ethtypes.Log
	for _, lg := range g.rangeLogs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

// fakeBus records published payloads per topic.
type fakeBus struct {
	mu     sync.Mutex
	topics map[string][][]byte
}

func newFakeBus() *fakeBus { return &fakeBus{topics: make(map[string][][]byte)} }

func (b *fakeBus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic] = append(b.topics[topic], payload)
	return nil
}

func (b *fakeBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// ————————————————————————————————————————————————————————————————————————
// Fixture: a 100/100 pool funded at block 10 log 0, bought at log 1
// ————————————————————————————————————————————————————————————————————————

const (
	poolAddr  = "0x00000000000000000000000000000000000000a1"
	marketID  = "mkt-1"
	testBlock = uint64(10)
)

var (
	blockHash = common.HexToHash("0xb10c")
	txHash    = common.HexToHash("0x7777")
)

func e18(s string) *big.Int {
	whole, frac, _ := strings.Cut(s, ".")
	frac = frac + strings.Repeat("0", 18-len(frac))
	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		panic("bad fixed-18 literal: " + s)
	}
	return v
}

func wordBytes(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

func packWords(vals ...*big.Int) []byte {
	var out []byte
	for _, v := range vals {
		out = append(out, wordBytes(v)...)
	}
	return out
}

func fundingLog(logIndex uint) ethtypes.Log {
	return ethtypes.Log{
		Address:     common.HexToAddress(poolAddr),
		Topics:      []common.Hash{chain.TopicFundingAdded, common.HexToHash("0xf00d")},
		Data:        packWords(big.NewInt(0x40), big.NewInt(0), big.NewInt(2), e18("100"), e18("100")),
		BlockNumber: testBlock,
		TxHash:      txHash,
		BlockHash:   blockHash,
		Index:       logIndex,
	}
}

func buyLog(logIndex uint) ethtypes.Log {
	return ethtypes.Log{
		Address: common.HexToAddress(poolAddr),
		Topics: []common.Hash{
			chain.TopicBuy,
			common.HexToHash("0xbeef"),
			common.BigToHash(big.NewInt(0)),
		},
		Data:        packWords(e18("1"), big.NewInt(0), e18("0.990099")),
		BlockNumber: testBlock,
		TxHash:      txHash,
		BlockHash:   blockHash,
		Index:       logIndex,
	}
}

func testConfig() config.IndexerConfig {
	return config.IndexerConfig{
		ScanBlocksPerBatch: 1000,
		SweepWindowBlocks:  1,
		SweepMaxBatches:    4,
		SweepCooldown:      5 * time.Minute,
		SweepDedupeTTL:     time.Minute,
		BaselineBlock:      0,
	}
}

type fixture struct {
	ix     *Indexer
	store  *fakeStore
	gw     *fakeGateway
	bus    *fakeBus
	sweepQ *queue.MemorySweepQueue
}

func newFixture(t *testing.T, logs []ethtypes.Log) *fixture {
	t.Helper()

	st := newFakeStore()
	st.addMarket(types.Market{
		ID:          marketID,
		Slug:        "test-market",
		Title:       "Test market",
		FPMMAddress: poolAddr,
		Outcomes:    [2]string{"Yes", "No"},
		Status:      types.StatusActive,
	})

	receipt := &ethtypes.Receipt{
		TxHash:      txHash,
		BlockHash:   blockHash,
		BlockNumber: new(big.Int).SetUint64(testBlock),
	}
	gw := &fakeGateway{
		head:      20,
		receipts:  map[common.Hash]*ethtypes.Receipt{txHash: receipt},
		blockLogs: map[common.Hash][]ethtypes.Log{blockHash: logs},
		rangeLogs: logs,
		blockTime: 1748779407, // 2025-06-01T12:03:27Z
	}

	b := newFakeBus()
	sweepQ := queue.NewMemorySweepQueue(time.Minute)
	ix := New(testConfig(), st, gw, queue.NewMemoryTxQueue(), sweepQ, b, slog.Default())
	ix.ctx = context.Background()

	return &fixture{ix: ix, store: st, gw: gw, bus: b, sweepQ: sweepQ}
}

// ————————————————————————————————————————————————————————————————————————
// Scenarios
// ————————————————————————————————————————————————————————————————————————

// Init + buy: two liquidity events, one trade, one candle, cursor at the
// block, trade + indexed published.
func TestProcessTxInitAndBuy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []ethtypes.Log{fundingLog(0), buyLog(1)})

	f.ix.processTx(context.Background(), types.TxJob{TxHash: txHash.Hex()})

	trades, liq, candles := f.store.counts()
	if trades != 1 || liq != 2 || candles != 1 {
		t.Fatalf("rows = (trades=%d, liq=%d, candles=%d), want (1, 2, 1)", trades, liq, candles)
	}

	// Liquidity kinds: init then trade.
	first := f.store.liquidity[rowKey(txHash.Hex(), 0)]
	second := f.store.liquidity[rowKey(txHash.Hex(), 1)]
	if first.Kind != types.LiquidityInit || second.Kind != types.LiquidityTrade {
		t.Errorf("liquidity kinds = (%s, %s), want (init, trade)", first.Kind, second.Kind)
	}

	// Post-buy reserves: yes = 100 − 0.990099, no = 101.
	wantYes := new(big.Int).Sub(e18("100"), e18("0.990099"))
	if second.YesReserves.Int().Cmp(wantYes) != 0 {
		t.Errorf("yes reserves = %s, want %s", second.YesReserves, wantYes)
	}
	if second.NoReserves.Int().Cmp(e18("101")) != 0 {
		t.Errorf("no reserves = %s, want 101e18", second.NoReserves)
	}

	if got := f.store.cursor(marketID); got != testBlock {
		t.Errorf("cursor = %d, want %d", got, testBlock)
	}
	// One trade message + one indexed message on the market topic.
	if got := f.bus.count("trades." + marketID); got != 2 {
		t.Errorf("published messages = %d, want 2", got)
	}
}

// Duplicate delivery: re-running the same hint changes nothing.
func TestProcessTxIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []ethtypes.Log{fundingLog(0), buyLog(1)})

	f.ix.processTx(context.Background(), types.TxJob{TxHash: txHash.Hex()})
	t1, l1, c1 := f.store.counts()
	cursor1 := f.store.cursor(marketID)

	f.ix.processTx(context.Background(), types.TxJob{TxHash: txHash.Hex()})
	t2, l2, c2 := f.store.counts()

	if t1 != t2 || l1 != l2 || c1 != c2 {
		t.Errorf("row counts changed on duplicate delivery: (%d,%d,%d) → (%d,%d,%d)",
			t1, l1, c1, t2, l2, c2)
	}
	if got := f.store.cursor(marketID); got != cursor1 {
		t.Errorf("cursor moved on duplicate delivery: %d → %d", cursor1, got)
	}
}

// Out-of-order raw response: the indexer sorts by logIndex before applying.
func TestProcessTxSortsWithinBlock(t *testing.T) {
	t.Parallel()
	// Same two logs, reversed in the raw response.
	f := newFixture(t, []ethtypes.Log{buyLog(1), fundingLog(0)})

	f.ix.processTx(context.Background(), types.TxJob{TxHash: txHash.Hex()})

	second := f.store.liquidity[rowKey(txHash.Hex(), 1)]
	wantYes := new(big.Int).Sub(e18("100"), e18("0.990099"))
	if second.YesReserves.Int().Cmp(wantYes) != 0 {
		t.Errorf("yes reserves = %s, want %s (canonical order applied)", second.YesReserves, wantYes)
	}
	if second.NoReserves.Int().Cmp(e18("101")) != 0 {
		t.Errorf("no reserves = %s, want 101e18", second.NoReserves)
	}
}

// Storage failure mid-apply: no cursor advance, recovery sweep scheduled;
// after the store recovers the sweep converges to the same final state.
func TestProcessTxFailureSchedulesSweepRecovery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []ethtypes.Log{fundingLog(0), buyLog(1)})
	f.store.failTrades = true

	f.ix.processTx(context.Background(), types.TxJob{TxHash: txHash.Hex()})

	trades, _, _ := f.store.counts()
	if trades != 0 {
		t.Fatalf("trades = %d, want 0 while storage is failing", trades)
	}
	if got := f.store.cursor(marketID); got != 0 {
		t.Errorf("cursor = %d, want 0 (no advance on failure)", got)
	}
	if n, _ := f.sweepQ.Pending(context.Background()); n != 1 {
		t.Fatalf("sweep jobs pending = %d, want 1", n)
	}

	// Storage recovers; the sweep replays the window.
	f.store.failTrades = false
	job, _ := f.sweepQ.Dequeue(context.Background())
	f.ix.processSweep(context.Background(), job.MarketID)

	trades, liq, _ := f.store.counts()
	if trades != 1 || liq != 2 {
		t.Errorf("rows after recovery = (trades=%d, liq=%d), want (1, 2)", trades, liq)
	}
	if got := f.store.cursor(marketID); got != f.gw.head {
		t.Errorf("cursor = %d, want swept to head %d", got, f.gw.head)
	}
	// Lock released: a new sweep can be scheduled immediately.
	if ok, _ := f.sweepQ.Enqueue(context.Background(), marketID); !ok {
		t.Error("sweep lock still held after job completion")
	}
}

func TestHeadCacheMemoizes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		if _, err := f.ix.LatestHead(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if f.gw.headCalls != 1 {
		t.Errorf("backend head calls = %d, want 1 (memoized)", f.gw.headCalls)
	}
}

func TestMaybeEnqueueSweepThrottles(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	// Cursor fresh and lag small: no sweep.
	f.store.EnsureMarketSync(ctx, marketID, 0)
	f.store.AdvanceMarketSync(ctx, marketID, f.gw.head-1, false)
	f.ix.MaybeEnqueueSweep(ctx, marketID)
	if n, _ := f.sweepQ.Pending(ctx); n != 0 {
		t.Errorf("sweep enqueued despite small lag")
	}

	// Very large lag (> 4× window): sweep fires even with a fresh cursor.
	f.gw.mu.Lock()
	f.gw.head = 1000
	f.gw.mu.Unlock()
	f.ix.RefreshHead(ctx)
	f.ix.MaybeEnqueueSweep(ctx, marketID)
	if n, _ := f.sweepQ.Pending(ctx); n != 1 {
		t.Errorf("sweep not enqueued for very large lag")
	}
}

// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the indexer — market metadata,
// persisted rows (trades, liquidity events, candles, spot points), the
// in-memory pool state, and the job variants carried by the work queues.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Fixed-18 arithmetic
// ————————————————————————————————————————————————————————————————————————

// Scale is the fixed-point denominator: every on-chain amount and price is
// an integer interpreted as value × 10⁻¹⁸.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Fixed18 is an 18-decimal fixed-point amount backed by an arbitrary
// precision integer. The zero value is usable and equal to 0.
type Fixed18 struct {
	v *big.Int
}

// NewFixed18 wraps a big.Int as a Fixed18. A nil input is treated as 0.
// The value is copied; the caller keeps ownership of v.
func NewFixed18(v *big.Int) Fixed18 {
	if v == nil {
		return Fixed18{}
	}
	return Fixed18{v: new(big.Int).Set(v)}
}

// Fixed18FromInt64 builds a Fixed18 from a raw (already scaled) int64.
func Fixed18FromInt64(v int64) Fixed18 {
	return Fixed18{v: big.NewInt(v)}
}

// ParseFixed18 parses a base-10 integer string (the storage format).
// Returns 0 for empty or malformed input.
func ParseFixed18(s string) Fixed18 {
	if s == "" {
		return Fixed18{}
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Fixed18{}
	}
	return Fixed18{v: v}
}

// Int returns a copy of the underlying integer.
func (f Fixed18) Int() *big.Int {
	if f.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(f.v)
}

// IsZero reports whether the value is 0.
func (f Fixed18) IsZero() bool {
	return f.v == nil || f.v.Sign() == 0
}

// String renders the raw scaled integer in base 10 — the storage format.
func (f Fixed18) String() string {
	if f.v == nil {
		return "0"
	}
	return f.v.String()
}

// Decimal renders the value as a human-readable decimal string, e.g.
// "1.5" for 1500000000000000000. Used by the API layer only; arithmetic
// always stays on the scaled integers.
func (f Fixed18) Decimal() string {
	if f.v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(f.v, -18).String()
}

// MarshalJSON encodes the value as its base-10 scaled-integer string.
func (f Fixed18) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// UnmarshalJSON accepts a base-10 scaled-integer string.
func (f *Fixed18) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	*f = ParseFixed18(s)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a trade against the pool.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Outcome indexes the two outcomes of a binary market.
type Outcome int

const (
	OutcomeYes Outcome = 0
	OutcomeNo  Outcome = 1
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	StatusActive    MarketStatus = "active"
	StatusResolved  MarketStatus = "resolved"
	StatusDeleted   MarketStatus = "deleted"
	StatusCancelled MarketStatus = "cancelled"
)

// LiquidityKind classifies a liquidity snapshot by the event that produced it.
type LiquidityKind string

const (
	LiquidityInit   LiquidityKind = "init"
	LiquidityAdd    LiquidityKind = "add"
	LiquidityRemove LiquidityKind = "remove"
	LiquidityTrade  LiquidityKind = "trade"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market is the indexer's view of a binary prediction market. Rows are
// created by admin submissions (or the catalog sync); the indexer reads
// {ID, ConditionID, FPMMAddress} to resolve logs and never mutates them.
type Market struct {
	ID          string
	Slug        string
	Title       string
	ConditionID string // CTF condition id (hex)
	FPMMAddress string // pool address, lowercase hex; empty until seeded

	// Position ids for the YES/NO conditional tokens, set at seeding time.
	// Needed only for the on-chain reserve probe; empty is fine.
	YesPositionID string
	NoPositionID  string

	Outcomes [2]string // YES=0, NO=1
	Status   MarketStatus
	Category string
	Tags     []string

	CreatedAt  time.Time
	ExpiresAt  *time.Time
	ResolvedAt *time.Time
}

// MarketSync is the per-market indexing cursor. LastIndexedBlock is
// monotonic non-decreasing; the indexer owns all writes.
type MarketSync struct {
	MarketID         string
	LastIndexedBlock uint64
	Sweeping         bool
	UpdatedAt        time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Persisted event rows
// ————————————————————————————————————————————————————————————————————————

// Trade is one swap against a pool, derived from a Buy or Sell log.
// Append-only; unique on (TxHash, LogIndex).
type Trade struct {
	MarketID    string
	FPMMAddress string
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Timestamp   time.Time

	Side            Side
	Outcome         Outcome
	AmountInUSDF    Fixed18
	Price           Fixed18
	AmountOutShares Fixed18
	FeeUSDF         Fixed18
}

// LiquidityEvent captures the pool reserves immediately after an event.
// The latest row by (BlockNumber desc, LogIndex desc) is the authoritative
// reserve snapshot. Unique on (TxHash, LogIndex).
type LiquidityEvent struct {
	MarketID    string
	FPMMAddress string
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Timestamp   time.Time

	Kind        LiquidityKind
	YesReserves Fixed18
	NoReserves  Fixed18
	TVLUSDF     Fixed18
	Source      string
}

// Candle5m is one OHLCV bar over a 5-minute bucket aligned on wall clock.
// Unique on (MarketID, BucketStart); collisions merge per the candle rule:
// high=max, low=min, close=last, volume+=new, open immutable.
type Candle5m struct {
	MarketID    string
	BucketStart time.Time
	Open        Fixed18
	High        Fixed18
	Low         Fixed18
	Close       Fixed18
	VolumeUSDF  Fixed18
}

// SpotPoint is a sampled (yesPrice, noPrice) observation. Unique on
// (MarketID, Timestamp); yesPrice + noPrice = 1 within 10⁻¹⁸ rounding.
type SpotPoint struct {
	MarketID  string
	Timestamp time.Time
	YesPrice  Fixed18
	NoPrice   Fixed18
}

// ————————————————————————————————————————————————————————————————————————
// In-memory pool state
// ————————————————————————————————————————————————————————————————————————

// MarketState is the per-pool working set the applier mutates. It is
// hydrated from the latest LiquidityEvent at job start and owned by
// exactly one worker at a time.
type MarketState struct {
	MarketID    string
	FPMMAddress string
	ConditionID string

	YesReserve *big.Int
	NoReserve  *big.Int

	LastProcessedBlock    uint64
	LastProcessedLogIndex uint
	HasLiquidity          bool
}

// NewMarketState creates an empty state for a pool.
func NewMarketState(marketID, fpmm string) *MarketState {
	return &MarketState{
		MarketID:    marketID,
		FPMMAddress: strings.ToLower(fpmm),
		YesReserve:  new(big.Int),
		NoReserve:   new(big.Int),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Queue jobs
// ————————————————————————————————————————————————————————————————————————

// TxJob asks the indexer to fetch and apply the logs of one transaction's
// block. MarketID is an optional routing hint; the indexer resolves pool
// addresses from the store either way.
type TxJob struct {
	TxHash   string `json:"txHash"`
	MarketID string `json:"marketId,omitempty"`
}

// SweepJob asks the indexer to replay a window of logs for one market from
// its cursor toward the chain head.
type SweepJob struct {
	MarketID string `json:"marketId"`
}

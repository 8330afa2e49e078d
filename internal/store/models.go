// models.go defines the GORM row models. Fixed-18 amounts are stored as
// DECIMAL(78,0) — the full scaled integer, no floating point anywhere —
// and move through Go as base-10 strings.
package store

import (
	"strings"
	"time"

	"fpmm-indexer/pkg/types"
)

// MarketRecord is the markets table. Created by admin writes or the
// catalog sync; the indexer only reads it.
type MarketRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	Slug          string `gorm:"size:191;uniqueIndex:uq_markets_slug"`
	Title         string `gorm:"size:512;not null"`
	ConditionID   string `gorm:"size:66"`
	FPMMAddress   string `gorm:"size:42;index:idx_markets_fpmm"`
	YesPositionID string `gorm:"size:66"`
	NoPositionID  string `gorm:"size:66"`
	OutcomeYes    string `gorm:"size:191;not null"`
	OutcomeNo     string `gorm:"size:191;not null"`
	Status        string `gorm:"size:16;not null;index:idx_markets_status"`
	Category      string `gorm:"size:64"`
	Tags          string `gorm:"size:512"` // comma-joined
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	ResolvedAt    *time.Time
	UpdatedAt     time.Time
}

func (MarketRecord) TableName() string { return "markets" }

// MarketSyncRecord is the per-market indexing cursor.
type MarketSyncRecord struct {
	MarketID         string `gorm:"primaryKey;size:64"`
	LastIndexedBlock uint64 `gorm:"not null"`
	Sweeping         bool   `gorm:"not null"`
	UpdatedAt        time.Time
}

func (MarketSyncRecord) TableName() string { return "market_sync" }

// TradeRecord is one persisted swap. The (tx_hash, log_index) unique key
// is the idempotence anchor: duplicate delivery is a silent no-op.
type TradeRecord struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	MarketID        string `gorm:"size:64;not null;index:idx_trades_market_time,priority:1"`
	FPMMAddress     string `gorm:"size:42;not null"`
	TxHash          string `gorm:"size:66;not null;uniqueIndex:uq_trades_tx_log,priority:1"`
	LogIndex        uint   `gorm:"not null;uniqueIndex:uq_trades_tx_log,priority:2"`
	BlockNumber     uint64 `gorm:"not null"`
	Timestamp       time.Time `gorm:"not null;index:idx_trades_market_time,priority:2"`
	Side            string `gorm:"size:4;not null"`
	Outcome         int    `gorm:"not null"`
	AmountInUSDF    string `gorm:"type:decimal(78,0);not null"`
	Price           string `gorm:"type:decimal(78,0);not null"`
	AmountOutShares string `gorm:"type:decimal(78,0);not null"`
	FeeUSDF         string `gorm:"type:decimal(78,0);not null"`
}

func (TradeRecord) TableName() string { return "trades" }

// LiquidityEventRecord captures post-event pool reserves. The latest row
// by (block_number desc, log_index desc) is the authoritative snapshot.
type LiquidityEventRecord struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	MarketID    string `gorm:"size:64;not null;index:idx_liq_market_block,priority:1"`
	FPMMAddress string `gorm:"size:42;not null"`
	TxHash      string `gorm:"size:66;not null;uniqueIndex:uq_liq_tx_log,priority:1"`
	LogIndex    uint   `gorm:"not null;uniqueIndex:uq_liq_tx_log,priority:2"`
	BlockNumber uint64 `gorm:"not null;index:idx_liq_market_block,priority:2,sort:desc"`
	Timestamp   time.Time `gorm:"not null"`
	Kind        string `gorm:"size:8;not null"`
	YesReserves string `gorm:"type:decimal(78,0);not null"`
	NoReserves  string `gorm:"type:decimal(78,0);not null"`
	TVLUSDF     string `gorm:"type:decimal(78,0);not null"`
	Source      string `gorm:"size:16"`
}

func (LiquidityEventRecord) TableName() string { return "liquidity_events" }

// CandleRecord is one 5-minute OHLCV bar, merged on conflict.
type CandleRecord struct {
	MarketID    string    `gorm:"primaryKey;size:64"`
	BucketStart time.Time `gorm:"primaryKey"`
	Open        string    `gorm:"type:decimal(78,0);not null"`
	High        string    `gorm:"type:decimal(78,0);not null"`
	Low         string    `gorm:"type:decimal(78,0);not null"`
	Close       string    `gorm:"type:decimal(78,0);not null"`
	VolumeUSDF  string    `gorm:"type:decimal(78,0);not null"`
}

func (CandleRecord) TableName() string { return "candles_5m" }

// SpotPointRecord is one sampled price observation.
type SpotPointRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	MarketID  string    `gorm:"size:64;not null;uniqueIndex:uq_spot_market_time,priority:1"`
	Timestamp time.Time `gorm:"not null;uniqueIndex:uq_spot_market_time,priority:2"`
	YesPrice  string    `gorm:"type:decimal(78,0);not null"`
	NoPrice   string    `gorm:"type:decimal(78,0);not null"`
}

func (SpotPointRecord) TableName() string { return "market_spot_points" }

// SchemaMigrationRecord guards the idempotent migration runner.
type SchemaMigrationRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	AppliedAt time.Time
}

func (SchemaMigrationRecord) TableName() string { return "schema_migrations" }

// SystemKVRecord is a small string KV table used for sweep locks and
// operational flags.
type SystemKVRecord struct {
	Key       string `gorm:"primaryKey;size:128;column:key_name"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (SystemKVRecord) TableName() string { return "system_kv" }

// QueueJobRecord backs the DB queue backend.
type QueueJobRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Queue     string `gorm:"size:16;not null;index:idx_queue_jobs_queue"`
	Payload   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (QueueJobRecord) TableName() string { return "queue_jobs" }

// ————————————————————————————————————————————————————————————————————————
// Model ↔ domain conversions
// ————————————————————————————————————————————————————————————————————————

func (m MarketRecord) Domain() types.Market {
	var tags []string
	if m.Tags != "" {
		tags = strings.Split(m.Tags, ",")
	}
	return types.Market{
		ID:            m.ID,
		Slug:          m.Slug,
		Title:         m.Title,
		ConditionID:   m.ConditionID,
		FPMMAddress:   strings.ToLower(m.FPMMAddress),
		YesPositionID: m.YesPositionID,
		NoPositionID:  m.NoPositionID,
		Outcomes:      [2]string{m.OutcomeYes, m.OutcomeNo},
		Status:        types.MarketStatus(m.Status),
		Category:      m.Category,
		Tags:          tags,
		CreatedAt:     m.CreatedAt,
		ExpiresAt:     m.ExpiresAt,
		ResolvedAt:    m.ResolvedAt,
	}
}

func (t TradeRecord) Domain() types.Trade {
	return types.Trade{
		MarketID:        t.MarketID,
		FPMMAddress:     t.FPMMAddress,
		TxHash:          t.TxHash,
		LogIndex:        t.LogIndex,
		BlockNumber:     t.BlockNumber,
		Timestamp:       t.Timestamp,
		Side:            types.Side(t.Side),
		Outcome:         types.Outcome(t.Outcome),
		AmountInUSDF:    types.ParseFixed18(t.AmountInUSDF),
		Price:           types.ParseFixed18(t.Price),
		AmountOutShares: types.ParseFixed18(t.AmountOutShares),
		FeeUSDF:         types.ParseFixed18(t.FeeUSDF),
	}
}

func (l LiquidityEventRecord) Domain() types.LiquidityEvent {
	return types.LiquidityEvent{
		MarketID:    l.MarketID,
		FPMMAddress: l.FPMMAddress,
		TxHash:      l.TxHash,
		LogIndex:    l.LogIndex,
		BlockNumber: l.BlockNumber,
		Timestamp:   l.Timestamp,
		Kind:        types.LiquidityKind(l.Kind),
		YesReserves: types.ParseFixed18(l.YesReserves),
		NoReserves:  types.ParseFixed18(l.NoReserves),
		TVLUSDF:     types.ParseFixed18(l.TVLUSDF),
		Source:      l.Source,
	}
}

func (c CandleRecord) Domain() types.Candle5m {
	return types.Candle5m{
		MarketID:    c.MarketID,
		BucketStart: c.BucketStart,
		Open:        types.ParseFixed18(c.Open),
		High:        types.ParseFixed18(c.High),
		Low:         types.ParseFixed18(c.Low),
		Close:       types.ParseFixed18(c.Close),
		VolumeUSDF:  types.ParseFixed18(c.VolumeUSDF),
	}
}

func (s SpotPointRecord) Domain() types.SpotPoint {
	return types.SpotPoint{
		MarketID:  s.MarketID,
		Timestamp: s.Timestamp,
		YesPrice:  types.ParseFixed18(s.YesPrice),
		NoPrice:   types.ParseFixed18(s.NoPrice),
	}
}

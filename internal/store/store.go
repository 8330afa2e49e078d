// Package store is the durable, idempotent persistence layer.
//
// Writes lean entirely on unique indexes for conflict resolution: trade
// and liquidity inserts no-op on a duplicate (tx_hash, log_index), candle
// upserts merge under the documented rule, and the sync cursor only ever
// moves forward (GREATEST in SQL, not read-modify-write in Go). There is
// no coarse locking — concurrent writers are safe by construction.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"fpmm-indexer/pkg/types"
)

// Store wraps the GORM handle. All methods are safe for concurrent use.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to MySQL, runs migrations, and returns the store.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=UTC".
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing GORM handle (tests).
func NewWithDB(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "store")}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DB exposes the GORM handle to the DB queue backend.
func (s *Store) DB() *gorm.DB { return s.db }

// ————————————————————————————————————————————————————————————————————————
// Event-row writes (idempotent)
// ————————————————————————————————————————————————————————————————————————

// InsertTrade appends one trade. Duplicate (tx_hash, log_index) is a
// silent no-op.
func (s *Store) InsertTrade(ctx context.Context, t types.Trade) error {
	rec := TradeRecord{
		MarketID:        t.MarketID,
		FPMMAddress:     strings.ToLower(t.FPMMAddress),
		TxHash:          strings.ToLower(t.TxHash),
		LogIndex:        t.LogIndex,
		BlockNumber:     t.BlockNumber,
		Timestamp:       t.Timestamp.UTC(),
		Side:            string(t.Side),
		Outcome:         int(t.Outcome),
		AmountInUSDF:    t.AmountInUSDF.String(),
		Price:           t.Price.String(),
		AmountOutShares: t.AmountOutShares.String(),
		FeeUSDF:         t.FeeUSDF.String(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("insert trade %s/%d: %w", rec.TxHash, rec.LogIndex, err)
	}
	return nil
}

// InsertLiquidityEvent appends one reserve snapshot, no-op on duplicates.
func (s *Store) InsertLiquidityEvent(ctx context.Context, l types.LiquidityEvent) error {
	rec := LiquidityEventRecord{
		MarketID:    l.MarketID,
		FPMMAddress: strings.ToLower(l.FPMMAddress),
		TxHash:      strings.ToLower(l.TxHash),
		LogIndex:    l.LogIndex,
		BlockNumber: l.BlockNumber,
		Timestamp:   l.Timestamp.UTC(),
		Kind:        string(l.Kind),
		YesReserves: l.YesReserves.String(),
		NoReserves:  l.NoReserves.String(),
		TVLUSDF:     l.TVLUSDF.String(),
		Source:      l.Source,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("insert liquidity event %s/%d: %w", rec.TxHash, rec.LogIndex, err)
	}
	return nil
}

// UpsertCandle merges one candle delta into its bucket:
// high=max, low=min, close=last write, volume accumulates, open is
// immutable after the first insert.
func (s *Store) UpsertCandle(ctx context.Context, c types.Candle5m) error {
	rec := CandleRecord{
		MarketID:    c.MarketID,
		BucketStart: c.BucketStart.UTC(),
		Open:        c.Open.String(),
		High:        c.High.String(),
		Low:         c.Low.String(),
		Close:       c.Close.String(),
		VolumeUSDF:  c.VolumeUSDF.String(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "market_id"}, {Name: "bucket_start"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"high":        gorm.Expr("GREATEST(high, VALUES(high))"),
				"low":         gorm.Expr("LEAST(low, VALUES(low))"),
				"close":       gorm.Expr("VALUES(`close`)"),
				"volume_usdf": gorm.Expr("volume_usdf + VALUES(volume_usdf)"),
			}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert candle %s/%s: %w", c.MarketID, rec.BucketStart, err)
	}
	return nil
}

// UpsertSpotPoint records one price sample, no-op on a duplicate
// (market_id, timestamp).
func (s *Store) UpsertSpotPoint(ctx context.Context, p types.SpotPoint) error {
	rec := SpotPointRecord{
		MarketID:  p.MarketID,
		Timestamp: p.Timestamp.UTC(),
		YesPrice:  p.YesPrice.String(),
		NoPrice:   p.NoPrice.String(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert spot point %s@%s: %w", p.MarketID, rec.Timestamp, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Sync cursor
// ————————————————————————————————————————————————————————————————————————

// EnsureMarketSync creates the cursor row at the baseline block if absent.
func (s *Store) EnsureMarketSync(ctx context.Context, marketID string, baseline uint64) error {
	rec := MarketSyncRecord{MarketID: marketID, LastIndexedBlock: baseline}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("ensure market sync %s: %w", marketID, err)
	}
	return nil
}

// AdvanceMarketSync moves the cursor forward, never backward. The
// GREATEST lives in SQL so concurrent advancers cannot regress each other.
func (s *Store) AdvanceMarketSync(ctx context.Context, marketID string, block uint64, sweeping bool) error {
	rec := MarketSyncRecord{MarketID: marketID, LastIndexedBlock: block, Sweeping: sweeping}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "market_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"last_indexed_block": gorm.Expr("GREATEST(last_indexed_block, VALUES(last_indexed_block))"),
				"sweeping":           sweeping,
				"updated_at":         time.Now().UTC(),
			}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("advance market sync %s: %w", marketID, err)
	}
	return nil
}

// RewindMarketSync sets the cursor to an explicit block. Only used by the
// first-trade bootstrap and the jump-ahead warp — ordinary advancement
// goes through AdvanceMarketSync.
func (s *Store) RewindMarketSync(ctx context.Context, marketID string, block uint64) error {
	err := s.db.WithContext(ctx).
		Model(&MarketSyncRecord{}).
		Where("market_id = ?", marketID).
		Updates(map[string]interface{}{
			"last_indexed_block": block,
			"updated_at":         time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("rewind market sync %s: %w", marketID, err)
	}
	return nil
}

// GetMarketSync loads one cursor row, or nil if the market has never been
// referenced.
func (s *Store) GetMarketSync(ctx context.Context, marketID string) (*types.MarketSync, error) {
	var rec MarketSyncRecord
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market sync %s: %w", marketID, err)
	}
	return &types.MarketSync{
		MarketID:         rec.MarketID,
		LastIndexedBlock: rec.LastIndexedBlock,
		Sweeping:         rec.Sweeping,
		UpdatedAt:        rec.UpdatedAt,
	}, nil
}

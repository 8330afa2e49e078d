// queries.go is the read surface: market lookup, latest liquidity, 24h
// volume, trade/candle/spot pages, and the lag leaderboard the health
// endpoint reports.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fpmm-indexer/pkg/types"
)

// MarketByKey resolves a market by slug or id, case-insensitive on slug,
// excluding soft-deleted rows. Returns nil when not found.
func (s *Store) MarketByKey(ctx context.Context, key string) (*types.Market, error) {
	var rec MarketRecord
	err := s.db.WithContext(ctx).
		Where("(id = ? OR LOWER(slug) = ?) AND status <> ?", key, strings.ToLower(key), string(types.StatusDeleted)).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("market by key %s: %w", key, err)
	}
	m := rec.Domain()
	return &m, nil
}

// MarketByPool resolves a market by its pool address (lowercased).
func (s *Store) MarketByPool(ctx context.Context, addr string) (*types.Market, error) {
	var rec MarketRecord
	err := s.db.WithContext(ctx).
		Where("LOWER(fpmm_address) = ? AND status <> ?", strings.ToLower(addr), string(types.StatusDeleted)).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("market by pool %s: %w", addr, err)
	}
	m := rec.Domain()
	return &m, nil
}

// PooledMarkets lists every non-deleted market with a seeded pool — the
// ingest watch-list and the reconciliation sweep set.
func (s *Store) PooledMarkets(ctx context.Context) ([]types.Market, error) {
	var recs []MarketRecord
	err := s.db.WithContext(ctx).
		Where("fpmm_address <> '' AND status <> ?", string(types.StatusDeleted)).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("pooled markets: %w", err)
	}
	out := make([]types.Market, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Domain())
	}
	return out, nil
}

// UpsertMarket writes a market definition (admin submission or catalog
// sync). Existing rows are updated in place by primary key.
func (s *Store) UpsertMarket(ctx context.Context, m types.Market) error {
	rec := MarketRecord{
		ID:            m.ID,
		Slug:          m.Slug,
		Title:         m.Title,
		ConditionID:   m.ConditionID,
		FPMMAddress:   strings.ToLower(m.FPMMAddress),
		YesPositionID: m.YesPositionID,
		NoPositionID:  m.NoPositionID,
		OutcomeYes:    m.Outcomes[0],
		OutcomeNo:     m.Outcomes[1],
		Status:        string(m.Status),
		Category:      m.Category,
		Tags:          strings.Join(m.Tags, ","),
		CreatedAt:     m.CreatedAt,
		ExpiresAt:     m.ExpiresAt,
		ResolvedAt:    m.ResolvedAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert market %s: %w", m.ID, err)
	}
	return nil
}

// LatestLiquidity returns the authoritative reserve snapshot — the newest
// liquidity event by (block_number, log_index) — or nil if none exists.
func (s *Store) LatestLiquidity(ctx context.Context, marketID string) (*types.LiquidityEvent, error) {
	var rec LiquidityEventRecord
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("block_number DESC, log_index DESC").
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest liquidity %s: %w", marketID, err)
	}
	l := rec.Domain()
	return &l, nil
}

// LoadMarketState hydrates reserves from the latest liquidity event, or
// (0, 0) if the pool has no history yet.
func (s *Store) LoadMarketState(ctx context.Context, marketID, fpmm string) (*types.MarketState, error) {
	state := types.NewMarketState(marketID, fpmm)
	latest, err := s.LatestLiquidity(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		state.YesReserve = latest.YesReserves.Int()
		state.NoReserve = latest.NoReserves.Int()
		state.LastProcessedBlock = latest.BlockNumber
		state.LastProcessedLogIndex = latest.LogIndex
		state.HasLiquidity = state.YesReserve.Sign() > 0 || state.NoReserve.Sign() > 0
	}
	return state, nil
}

// Volume24h sums trade volume over the trailing 24 hours.
func (s *Store) Volume24h(ctx context.Context, marketID string, now time.Time) (types.Fixed18, error) {
	var sum string
	err := s.db.WithContext(ctx).
		Model(&TradeRecord{}).
		Select("COALESCE(SUM(amount_in_usdf), 0)").
		Where("market_id = ? AND timestamp > ?", marketID, now.Add(-24*time.Hour).UTC()).
		Scan(&sum).Error
	if err != nil {
		return types.Fixed18{}, fmt.Errorf("volume 24h %s: %w", marketID, err)
	}
	// DECIMAL SUM may come back with a trailing ".000…"; keep the integer part.
	if i := strings.IndexByte(sum, '.'); i >= 0 {
		sum = sum[:i]
	}
	return types.ParseFixed18(sum), nil
}

// LastTrade returns the most recent trade, or nil.
func (s *Store) LastTrade(ctx context.Context, marketID string) (*types.Trade, error) {
	var rec TradeRecord
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("block_number DESC, log_index DESC").
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last trade %s: %w", marketID, err)
	}
	t := rec.Domain()
	return &t, nil
}

// Trades pages the feed newest-first; before is an optional exclusive
// upper bound on the trade timestamp.
func (s *Store) Trades(ctx context.Context, marketID string, limit int, before *time.Time) ([]types.Trade, error) {
	q := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("timestamp DESC, log_index DESC").
		Limit(clampLimit(limit))
	if before != nil {
		q = q.Where("timestamp < ?", before.UTC())
	}
	var recs []TradeRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("trades %s: %w", marketID, err)
	}
	out := make([]types.Trade, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Domain())
	}
	return out, nil
}

// Candles pages 5-minute bars newest-first.
func (s *Store) Candles(ctx context.Context, marketID string, limit int) ([]types.Candle5m, error) {
	var recs []CandleRecord
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("bucket_start DESC").
		Limit(clampLimit(limit)).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("candles %s: %w", marketID, err)
	}
	out := make([]types.Candle5m, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Domain())
	}
	return out, nil
}

// SpotSeries pages spot samples newest-first.
func (s *Store) SpotSeries(ctx context.Context, marketID string, limit int) ([]types.SpotPoint, error) {
	var recs []SpotPointRecord
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("timestamp DESC").
		Limit(clampLimit(limit)).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("spot series %s: %w", marketID, err)
	}
	out := make([]types.SpotPoint, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Domain())
	}
	return out, nil
}

// MarketLag pairs a market with its cursor distance from head.
type MarketLag struct {
	MarketID         string `json:"marketId"`
	Slug             string `json:"slug"`
	LastIndexedBlock uint64 `json:"lastIndexedBlock"`
	LagBlocks        uint64 `json:"lagBlocks"`
}

// LaggingMarkets returns the top-n markets furthest behind head.
func (s *Store) LaggingMarkets(ctx context.Context, head uint64, n int) ([]MarketLag, error) {
	var rows []struct {
		MarketID         string
		Slug             string
		LastIndexedBlock uint64
	}
	err := s.db.WithContext(ctx).
		Model(&MarketSyncRecord{}).
		Select("market_sync.market_id, markets.slug, market_sync.last_indexed_block").
		Joins("JOIN markets ON markets.id = market_sync.market_id").
		Where("markets.status <> ?", string(types.StatusDeleted)).
		Order("market_sync.last_indexed_block ASC").
		Limit(n).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("lagging markets: %w", err)
	}
	out := make([]MarketLag, 0, len(rows))
	for _, r := range rows {
		lag := uint64(0)
		if head > r.LastIndexedBlock {
			lag = head - r.LastIndexedBlock
		}
		out = append(out, MarketLag{
			MarketID:         r.MarketID,
			Slug:             r.Slug,
			LastIndexedBlock: r.LastIndexedBlock,
			LagBlocks:        lag,
		})
	}
	return out, nil
}

// FirstTradeBlock returns the block of the oldest persisted trade, or 0
// with ok=false when the market has no trades.
func (s *Store) FirstTradeBlock(ctx context.Context, marketID string) (uint64, bool, error) {
	var rec TradeRecord
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("block_number ASC, log_index ASC").
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("first trade block %s: %w", marketID, err)
	}
	return rec.BlockNumber, true, nil
}

// LatestCandleTime returns the newest bucket start, or zero time.
func (s *Store) LatestCandleTime(ctx context.Context, marketID string) (time.Time, error) {
	var rec CandleRecord
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("bucket_start DESC").
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest candle time %s: %w", marketID, err)
	}
	return rec.BucketStart, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// migrate.go brings the schema to the required shape on startup. Each
// migration is a list of idempotent statements guarded by a row in
// schema_migrations, so re-running on every boot is safe.
package store

import (
	"fmt"
	"time"
)

type migration struct {
	id    string
	stmts []string
}

var migrations = []migration{
	{
		id: "0001_markets",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS markets (
				id VARCHAR(64) NOT NULL PRIMARY KEY,
				slug VARCHAR(191) NULL,
				title VARCHAR(512) NOT NULL,
				condition_id VARCHAR(66) NULL,
				fpmm_address VARCHAR(42) NULL,
				yes_position_id VARCHAR(66) NULL,
				no_position_id VARCHAR(66) NULL,
				outcome_yes VARCHAR(191) NOT NULL,
				outcome_no VARCHAR(191) NOT NULL,
				status VARCHAR(16) NOT NULL,
				category VARCHAR(64) NULL,
				tags VARCHAR(512) NULL,
				created_at DATETIME(3) NULL,
				expires_at DATETIME(3) NULL,
				resolved_at DATETIME(3) NULL,
				updated_at DATETIME(3) NULL,
				UNIQUE KEY uq_markets_slug (slug),
				KEY idx_markets_fpmm (fpmm_address),
				KEY idx_markets_status (status)
			)`,
		},
	},
	{
		id: "0002_market_sync",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS market_sync (
				market_id VARCHAR(64) NOT NULL PRIMARY KEY,
				last_indexed_block BIGINT UNSIGNED NOT NULL DEFAULT 0,
				sweeping TINYINT(1) NOT NULL DEFAULT 0,
				updated_at DATETIME(3) NULL
			)`,
		},
	},
	{
		id: "0003_trades",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS trades (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
				market_id VARCHAR(64) NOT NULL,
				fpmm_address VARCHAR(42) NOT NULL,
				tx_hash VARCHAR(66) NOT NULL,
				log_index INT UNSIGNED NOT NULL,
				block_number BIGINT UNSIGNED NOT NULL,
				timestamp DATETIME(3) NOT NULL,
				side VARCHAR(4) NOT NULL,
				outcome INT NOT NULL,
				amount_in_usdf DECIMAL(78,0) NOT NULL,
				price DECIMAL(78,0) NOT NULL,
				amount_out_shares DECIMAL(78,0) NOT NULL,
				fee_usdf DECIMAL(78,0) NOT NULL DEFAULT 0,
				UNIQUE KEY uq_trades_tx_log (tx_hash, log_index),
				KEY idx_trades_market_time (market_id, timestamp)
			)`,
		},
	},
	{
		id: "0004_liquidity_events",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS liquidity_events (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
				market_id VARCHAR(64) NOT NULL,
				fpmm_address VARCHAR(42) NOT NULL,
				tx_hash VARCHAR(66) NOT NULL,
				log_index INT UNSIGNED NOT NULL,
				block_number BIGINT UNSIGNED NOT NULL,
				timestamp DATETIME(3) NOT NULL,
				kind VARCHAR(8) NOT NULL,
				yes_reserves DECIMAL(78,0) NOT NULL,
				no_reserves DECIMAL(78,0) NOT NULL,
				tvl_usdf DECIMAL(78,0) NOT NULL,
				source VARCHAR(16) NULL,
				UNIQUE KEY uq_liq_tx_log (tx_hash, log_index),
				KEY idx_liq_market_block (market_id, block_number DESC, log_index DESC)
			)`,
		},
	},
	{
		id: "0005_candles_5m",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS candles_5m (
				market_id VARCHAR(64) NOT NULL,
				bucket_start DATETIME(3) NOT NULL,
				open DECIMAL(78,0) NOT NULL,
				high DECIMAL(78,0) NOT NULL,
				low DECIMAL(78,0) NOT NULL,
				` + "`close`" + ` DECIMAL(78,0) NOT NULL,
				volume_usdf DECIMAL(78,0) NOT NULL,
				PRIMARY KEY (market_id, bucket_start)
			)`,
		},
	},
	{
		id: "0006_market_spot_points",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS market_spot_points (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
				market_id VARCHAR(64) NOT NULL,
				timestamp DATETIME(3) NOT NULL,
				yes_price DECIMAL(78,0) NOT NULL,
				no_price DECIMAL(78,0) NOT NULL,
				UNIQUE KEY uq_spot_market_time (market_id, timestamp)
			)`,
		},
	},
	{
		id: "0007_system_kv",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS system_kv (
				key_name VARCHAR(128) NOT NULL PRIMARY KEY,
				value TEXT NULL,
				updated_at DATETIME(3) NULL
			)`,
		},
	},
	{
		id: "0008_queue_jobs",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS queue_jobs (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
				queue VARCHAR(16) NOT NULL,
				payload TEXT NOT NULL,
				created_at DATETIME(3) NULL,
				KEY idx_queue_jobs_queue (queue, id)
			)`,
		},
	},
}

// Migrate applies any migrations not yet recorded in schema_migrations.
func (s *Store) Migrate() error {
	if err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		applied_at DATETIME(3) NULL
	)`).Error; err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var count int64
		if err := s.db.Model(&SchemaMigrationRecord{}).Where("id = ?", m.id).Count(&count).Error; err != nil {
			return fmt.Errorf("check migration %s: %w", m.id, err)
		}
		if count > 0 {
			continue
		}
		for _, stmt := range m.stmts {
			if err := s.db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("migration %s: %w", m.id, err)
			}
		}
		rec := SchemaMigrationRecord{ID: m.id, AppliedAt: time.Now().UTC()}
		if err := s.db.Create(&rec).Error; err != nil {
			return fmt.Errorf("record migration %s: %w", m.id, err)
		}
		s.logger.Info("applied migration", "id", m.id)
	}
	return nil
}

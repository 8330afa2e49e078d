// Package config defines all configuration for the market-state indexer.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every operationally relevant knob overridable via environment variables
// (RPC_URL, ETH_RPC_MAX_QPS, RECON_*, …).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	RPC       RPCConfig       `mapstructure:"rpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Recon     ReconConfig     `mapstructure:"recon"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RPCConfig holds chain endpoints and the shared rate-limiter parameters.
// Every outbound chain read passes through one token bucket sized by
// MaxQPS/Burst; BackoffBase/BackoffMax bound the adaptive retry sleep on
// rate-limit errors.
type RPCConfig struct {
	URL         string        `mapstructure:"url"`
	WSURL       string        `mapstructure:"ws_url"`
	FallbackURL string        `mapstructure:"fallback_url"`
	MaxQPS      float64       `mapstructure:"max_qps"`
	Burst       float64       `mapstructure:"burst"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// DatabaseConfig points at the MySQL instance backing the store.
// DSN format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=UTC".
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// IndexerConfig tunes the on-demand indexer and summary read path.
//
//   - ScanBlocksPerBatch: getLogs window width for sweeps.
//   - SweepWindowBlocks: max acceptable lag before a sweep is worth scheduling.
//   - SweepMaxBatches: upper bound on windows per sweep job.
//   - SweepCooldown: per-market reactive sweep throttle.
//   - SweepDedupeTTL: sweep-lock lifetime.
//   - BaselineBlock: cursor floor on first sight of a market.
//   - SummaryTimeout: per-read soft timeout in the summary assembler.
//   - ProbeCooldown: per-market on-chain reserve probe throttle.
type IndexerConfig struct {
	QueueBackend       string        `mapstructure:"queue_backend"` // "db" (durable) or "memory"
	ScanBlocksPerBatch uint64        `mapstructure:"scan_blocks_per_batch"`
	SweepWindowBlocks  uint64        `mapstructure:"sweep_window_blocks"`
	SweepMaxBatches    int           `mapstructure:"sweep_max_batches"`
	SweepCooldown      time.Duration `mapstructure:"sweep_cooldown"`
	SweepDedupeTTL     time.Duration `mapstructure:"sweep_dedupe_ttl"`
	InitLagBlocks      uint64        `mapstructure:"init_lag_blocks"`
	BaselineBlock      uint64        `mapstructure:"baseline_block"`
	SummaryTimeout     time.Duration `mapstructure:"summary_timeout"`
	ProbeCooldown      time.Duration `mapstructure:"probe_cooldown"`
}

// ReconConfig tunes the periodic reconciliation sweeper.
type ReconConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ScanBlocks    uint64        `mapstructure:"scan_blocks"`
	Confirmations uint64        `mapstructure:"confirmations"`
	JumpThreshold uint64        `mapstructure:"jump_threshold"`
}

// ContractsConfig names the known protocol contracts on the target chain.
type ContractsConfig struct {
	MarketFactory string `mapstructure:"market_factory"`
	CTF           string `mapstructure:"ctf"`
	USDF          string `mapstructure:"usdf"`
}

// CatalogConfig controls the optional market-catalog poller. When URL is
// empty the poller is disabled and markets arrive via admin writes only.
type CatalogConfig struct {
	URL          string        `mapstructure:"url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TxNotifyToken  string        `mapstructure:"tx_notify_token"`
	HealthzCache   time.Duration `mapstructure:"healthz_cache"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file, then applies env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine — defaults plus env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.max_qps", 2.0)
	v.SetDefault("rpc.backoff_base", 300*time.Millisecond)
	v.SetDefault("rpc.backoff_max", 5*time.Second)

	v.SetDefault("indexer.queue_backend", "db")
	v.SetDefault("indexer.scan_blocks_per_batch", 1000)
	v.SetDefault("indexer.sweep_window_blocks", 300)
	v.SetDefault("indexer.sweep_max_batches", 4)
	v.SetDefault("indexer.sweep_cooldown", 5*time.Minute)
	v.SetDefault("indexer.sweep_dedupe_ttl", 120*time.Second)
	v.SetDefault("indexer.init_lag_blocks", 2)
	v.SetDefault("indexer.summary_timeout", 1200*time.Millisecond)
	v.SetDefault("indexer.probe_cooldown", 60*time.Second)

	v.SetDefault("recon.interval", 30*time.Second)
	v.SetDefault("recon.scan_blocks", 1000)
	v.SetDefault("recon.confirmations", 2)
	v.SetDefault("recon.jump_threshold", 1000)

	v.SetDefault("catalog.poll_interval", 60*time.Second)

	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides maps the documented operational environment onto the
// config struct. These names are part of the deploy contract, so they win
// over the YAML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.RPC.URL, "RPC_URL")
	setStr(&cfg.RPC.WSURL, "RPC_WS_URL")
	setStr(&cfg.RPC.FallbackURL, "RPC_HTTP_FALLBACK_URL")
	setFloat(&cfg.RPC.MaxQPS, "ETH_RPC_MAX_QPS")
	setFloat(&cfg.RPC.Burst, "ETH_RPC_BURST")
	setMillis(&cfg.RPC.BackoffBase, "ETH_RPC_BACKOFF_BASE_MS")
	setMillis(&cfg.RPC.BackoffMax, "ETH_RPC_BACKOFF_MAX_MS")

	setStr(&cfg.Database.DSN, "DATABASE_DSN")

	setMillis(&cfg.Recon.Interval, "RECON_INTERVAL_MS")
	setUint(&cfg.Recon.ScanBlocks, "RECON_SCAN_BLOCKS")
	setUint(&cfg.Recon.Confirmations, "RECON_CONFIRMATIONS")
	setUint(&cfg.Recon.JumpThreshold, "RECON_JUMP_THRESHOLD")

	setUint(&cfg.Indexer.ScanBlocksPerBatch, "RECON_SCAN_BLOCKS")
	setUint(&cfg.Indexer.SweepWindowBlocks, "RECON_SWEEP_WINDOW_BLOCKS")
	setSecs(&cfg.Indexer.SweepDedupeTTL, "RECON_SWEEP_DEDUP_TTL_SEC")
	setMillis(&cfg.Indexer.SweepCooldown, "RECON_SWEEP_COOLDOWN_MS")
	setInt(&cfg.Indexer.SweepMaxBatches, "RECON_SWEEP_MAX_BATCHES_PER_SWEEP")
	setUint(&cfg.Indexer.BaselineBlock, "RECON_BASELINE_BLOCK")
	setMillis(&cfg.Indexer.SummaryTimeout, "SUMMARY_TIMEOUT_MS")
	setMillis(&cfg.Indexer.ProbeCooldown, "ONCHAIN_PROBE_COOLDOWN_MS")

	setStr(&cfg.Contracts.MarketFactory, "MARKET_FACTORY_ADDRESS")
	setStr(&cfg.Contracts.CTF, "CTF_ADDRESS")
	setStr(&cfg.Contracts.USDF, "USDF_ADDRESS")

	setStr(&cfg.Catalog.URL, "CATALOG_URL")

	setStr(&cfg.Server.TxNotifyToken, "TX_NOTIFY_TOKEN")
	setMillis(&cfg.Server.HealthzCache, "HEALTHZ_CACHE_MS")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return fmt.Errorf("rpc.url is required (set RPC_URL)")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set DATABASE_DSN)")
	}
	if c.RPC.MaxQPS <= 0 {
		return fmt.Errorf("rpc.max_qps must be > 0")
	}
	if c.Indexer.ScanBlocksPerBatch == 0 {
		return fmt.Errorf("indexer.scan_blocks_per_batch must be > 0")
	}
	if c.Indexer.SweepMaxBatches <= 0 {
		return fmt.Errorf("indexer.sweep_max_batches must be > 0")
	}
	if c.Recon.Interval <= 0 {
		return fmt.Errorf("recon.interval must be > 0")
	}
	return nil
}

// Burst defaults to MaxQPS when unset, matching the limiter contract.
func (c *RPCConfig) EffectiveBurst() float64 {
	if c.Burst > 0 {
		return c.Burst
	}
	return c.MaxQPS
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func setSecs(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

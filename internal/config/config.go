// Package config defines the top-level configuration for marketlab and
// provides validation helpers.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETLAB_* environment variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Collector  CollectorConfig  `toml:"collector"`
	Backfill   BackfillConfig   `toml:"backfill"`
	Backtest   BacktestConfig   `toml:"backtest"`
	Archive    ArchiveConfig    `toml:"archive"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds Polymarket API endpoints.
type PolymarketConfig struct {
	GammaHost string `toml:"gamma_host"`
	ClobHost  string `toml:"clob_host"`
	WsHost    string `toml:"ws_host"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// CollectorConfig holds parameters for the live collectors.
type CollectorConfig struct {
	// SnapshotInterval is the pause between book snapshot cycles.
	SnapshotInterval duration `toml:"snapshot_interval"`
	// SyncInterval is the pause between catalog metadata resyncs.
	SyncInterval duration `toml:"sync_interval"`
	// ReconnectMin/Max bound the feed reconnect backoff.
	ReconnectMin duration `toml:"reconnect_min"`
	ReconnectMax duration `toml:"reconnect_max"`
	// MarketLimit caps how many active markets the collectors track.
	MarketLimit int `toml:"market_limit"`
	// FeedBuffer is the size of the in-flight event queue in the ingestor.
	FeedBuffer int `toml:"feed_buffer"`
	// FetchTimeout bounds each upstream HTTP request.
	FetchTimeout duration `toml:"fetch_timeout"`
}

// BackfillConfig holds parameters for historical backfilling.
type BackfillConfig struct {
	Workers    int `toml:"workers"`
	BatchLimit int `toml:"batch_limit"`
}

// BacktestConfig holds parameters for a backtest run.
type BacktestConfig struct {
	Strategy       string         `toml:"strategy"`
	InitialCapital float64        `toml:"initial_capital"`
	OrderSize      float64        `toml:"order_size"`
	Markets        []string       `toml:"markets"` // empty means all backfilled markets
	From           string         `toml:"from"`    // RFC 3339, empty means unbounded
	To             string         `toml:"to"`
	Slippage       SlippageConfig `toml:"slippage"`
}

// SlippageConfig holds the execution-cost model constants.
//
// With the defaults (base_rate 0.5%, impact coefficient 0.005/sqrt(20),
// liquidity scale $500) a $100 order costs ~0.55%, $1K ~0.66% and $10K ~1.0%.
type SlippageConfig struct {
	BaseRate          float64 `toml:"base_rate"`
	ImpactCoefficient float64 `toml:"impact_coefficient"`
	LiquidityScale    float64 `toml:"liquidity_scale"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			GammaHost: "https://gamma-api.polymarket.com",
			ClobHost:  "https://clob.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketlab",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketlab-archive",
			ForcePathStyle: true,
		},
		Collector: CollectorConfig{
			SnapshotInterval: duration{60 * time.Second},
			SyncInterval:     duration{30 * time.Minute},
			ReconnectMin:     duration{time.Second},
			ReconnectMax:     duration{60 * time.Second},
			MarketLimit:      100,
			FeedBuffer:       4096,
			FetchTimeout:     duration{30 * time.Second},
		},
		Backfill: BackfillConfig{
			Workers:    4,
			BatchLimit: 50,
		},
		Backtest: BacktestConfig{
			Strategy:       "calibration",
			InitialCapital: 10_000,
			OrderSize:      100,
			Slippage: SlippageConfig{
				BaseRate:          0.005,
				ImpactCoefficient: 0.005 / math.Sqrt(20),
				LiquidityScale:    500,
			},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Mode:     "collect",
		LogLevel: "info",
	}
}

// Validate checks the configuration for invalid values. Configuration errors
// fail fast here rather than surfacing mid-collection.
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.Mode) {
	case "collect", "backfill", "backtest", "full":
	default:
		problems = append(problems, fmt.Sprintf("mode: unsupported %q", c.Mode))
	}

	if c.Polymarket.GammaHost == "" {
		problems = append(problems, "polymarket.gamma_host: required")
	}
	if c.Polymarket.ClobHost == "" {
		problems = append(problems, "polymarket.clob_host: required")
	}
	if c.Polymarket.WsHost == "" {
		problems = append(problems, "polymarket.ws_host: required")
	}

	if c.Collector.SnapshotInterval.Duration <= 0 {
		problems = append(problems, "collector.snapshot_interval: must be positive")
	}
	if c.Collector.ReconnectMin.Duration <= 0 {
		problems = append(problems, "collector.reconnect_min: must be positive")
	}
	if c.Collector.ReconnectMax.Duration < c.Collector.ReconnectMin.Duration {
		problems = append(problems, "collector.reconnect_max: must be >= reconnect_min")
	}
	if c.Collector.FetchTimeout.Duration <= 0 {
		problems = append(problems, "collector.fetch_timeout: must be positive")
	}

	if c.Backfill.Workers <= 0 {
		problems = append(problems, "backfill.workers: must be positive")
	}

	if c.Backtest.InitialCapital <= 0 {
		problems = append(problems, "backtest.initial_capital: must be positive")
	}
	if c.Backtest.OrderSize <= 0 {
		problems = append(problems, "backtest.order_size: must be positive")
	}
	if c.Backtest.Slippage.BaseRate < 0 {
		problems = append(problems, "backtest.slippage.base_rate: must be non-negative")
	}
	if c.Backtest.Slippage.ImpactCoefficient < 0 {
		problems = append(problems, "backtest.slippage.impact_coefficient: must be non-negative")
	}
	if c.Backtest.Slippage.LiquidityScale <= 0 {
		problems = append(problems, "backtest.slippage.liquidity_scale: must be positive")
	}
	if _, _, err := c.Backtest.TimeRange(); err != nil {
		problems = append(problems, fmt.Sprintf("backtest: %v", err))
	}

	if c.Archive.Enabled && c.Archive.RetentionDays <= 0 {
		problems = append(problems, "archive.retention_days: must be positive when enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TimeRange parses the backtest from/to bounds. Zero times mean unbounded.
func (b BacktestConfig) TimeRange() (from, to time.Time, err error) {
	if b.From != "" {
		from, err = time.Parse(time.RFC3339, b.From)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from %q: %w", b.From, err)
		}
	}
	if b.To != "" {
		to, err = time.Parse(time.RFC3339, b.To)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to %q: %w", b.To, err)
		}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("time range: to %v before from %v", to, from)
	}
	return from, to, nil
}

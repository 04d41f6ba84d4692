package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETLAB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETLAB_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.GammaHost, "MARKETLAB_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.ClobHost, "MARKETLAB_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "MARKETLAB_POLYMARKET_WS_HOST")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MARKETLAB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MARKETLAB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MARKETLAB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MARKETLAB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MARKETLAB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MARKETLAB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MARKETLAB_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MARKETLAB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARKETLAB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MARKETLAB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MARKETLAB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETLAB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETLAB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETLAB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETLAB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETLAB_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MARKETLAB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETLAB_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETLAB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETLAB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETLAB_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "MARKETLAB_S3_FORCE_PATH_STYLE")

	// ── Collector ──
	setDuration(&cfg.Collector.SnapshotInterval, "MARKETLAB_COLLECTOR_SNAPSHOT_INTERVAL")
	setDuration(&cfg.Collector.SyncInterval, "MARKETLAB_COLLECTOR_SYNC_INTERVAL")
	setDuration(&cfg.Collector.ReconnectMin, "MARKETLAB_COLLECTOR_RECONNECT_MIN")
	setDuration(&cfg.Collector.ReconnectMax, "MARKETLAB_COLLECTOR_RECONNECT_MAX")
	setInt(&cfg.Collector.MarketLimit, "MARKETLAB_COLLECTOR_MARKET_LIMIT")
	setInt(&cfg.Collector.FeedBuffer, "MARKETLAB_COLLECTOR_FEED_BUFFER")
	setDuration(&cfg.Collector.FetchTimeout, "MARKETLAB_COLLECTOR_FETCH_TIMEOUT")

	// ── Backfill ──
	setInt(&cfg.Backfill.Workers, "MARKETLAB_BACKFILL_WORKERS")
	setInt(&cfg.Backfill.BatchLimit, "MARKETLAB_BACKFILL_BATCH_LIMIT")

	// ── Backtest ──
	setStr(&cfg.Backtest.Strategy, "MARKETLAB_BACKTEST_STRATEGY")
	setFloat64(&cfg.Backtest.InitialCapital, "MARKETLAB_BACKTEST_INITIAL_CAPITAL")
	setFloat64(&cfg.Backtest.OrderSize, "MARKETLAB_BACKTEST_ORDER_SIZE")
	setStringSlice(&cfg.Backtest.Markets, "MARKETLAB_BACKTEST_MARKETS")
	setStr(&cfg.Backtest.From, "MARKETLAB_BACKTEST_FROM")
	setStr(&cfg.Backtest.To, "MARKETLAB_BACKTEST_TO")
	setFloat64(&cfg.Backtest.Slippage.BaseRate, "MARKETLAB_SLIPPAGE_BASE_RATE")
	setFloat64(&cfg.Backtest.Slippage.ImpactCoefficient, "MARKETLAB_SLIPPAGE_IMPACT_COEFFICIENT")
	setFloat64(&cfg.Backtest.Slippage.LiquidityScale, "MARKETLAB_SLIPPAGE_LIQUIDITY_SCALE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MARKETLAB_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "MARKETLAB_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "MARKETLAB_ARCHIVE_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETLAB_MODE")
	setStr(&cfg.LogLevel, "MARKETLAB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

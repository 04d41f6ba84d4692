package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/polyclawd/marketlab/internal/blob/s3"
	"github.com/polyclawd/marketlab/internal/cache/redis"
	"github.com/polyclawd/marketlab/internal/catalog"
	"github.com/polyclawd/marketlab/internal/config"
	"github.com/polyclawd/marketlab/internal/domain"
	"github.com/polyclawd/marketlab/internal/platform/polymarket"
	"github.com/polyclawd/marketlab/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the application modes need.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	MarketStore   domain.MarketStore
	PriceStore    domain.PriceStore
	BookStore     domain.BookStore
	TradeStore    domain.TradeStore
	BackfillStore domain.BackfillStore

	// Caches (nil in modes that do not use Redis)
	PriceCache  domain.PriceCache
	BookCache   domain.BookCache
	MarketCache domain.MarketCache

	// Platform clients
	Gamma *polymarket.GammaClient
	Clob  *polymarket.ClobClient
	Feed  *polymarket.WSClient

	// Services
	Catalog *catalog.Service

	// Cold storage (nil unless archiving is enabled)
	Archiver *s3blob.Archiver
}

// needsPostgres returns true for modes that require a database connection.
func needsPostgres(mode string) bool {
	switch mode {
	case "collect", "backfill", "backtest", "full":
		return true
	default:
		return false
	}
}

// needsRedis returns true for modes that keep hot lookups in Redis.
func needsRedis(mode string) bool {
	switch mode {
	case "collect", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true when cold archival must be wired.
func needsS3(mode string, cfg *config.Config) bool {
	if !cfg.Archive.Enabled {
		return false
	}
	switch mode {
	case "collect", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them with a cleanup function to be called on
// shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.PriceStore = postgres.NewPriceStore(pool)
		deps.BookStore = postgres.NewBookStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.BackfillStore = postgres.NewBackfillStore(pgClient)
	}

	// --- Redis ---
	if needsRedis(cfg.Mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.BookCache = redis.NewBookCache(redisClient)
		deps.MarketCache = redis.NewMarketCache(redisClient)
	}

	// --- Platform clients ---
	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost)
	deps.Clob = polymarket.NewClobClient(cfg.Polymarket.ClobHost)
	deps.Feed = polymarket.NewWSClient(cfg.Polymarket.WsHost)
	closers = append(closers, func() { _ = deps.Feed.Close() })

	// --- Catalog service ---
	if deps.MarketStore != nil {
		cache := deps.MarketCache
		if cache == nil {
			cache = noopMarketCache{}
		}
		deps.Catalog = catalog.NewService(
			deps.Gamma,
			deps.MarketStore,
			cache,
			cfg.Collector.MarketLimit,
			logger.With(slog.String("component", "catalog")),
		)
	}

	// --- Cold storage ---
	if needsS3(cfg.Mode, cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         true,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.PriceStore,
			deps.BookStore,
			logger.With(slog.String("component", "archiver")),
		)
	}

	return deps, cleanup, nil
}

// noopMarketCache satisfies domain.MarketCache when Redis is not wired;
// every read is a miss and writes vanish.
type noopMarketCache struct{}

func (noopMarketCache) Set(ctx context.Context, market domain.Market) error { return nil }

func (noopMarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func (noopMarketCache) GetByToken(ctx context.Context, tokenID string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func (noopMarketCache) Invalidate(ctx context.Context, id string) error { return nil }

// Package catalog maintains the registry of known markets: discovery from
// the Gamma API, persistence, and cached lookups.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polyclawd/marketlab/internal/domain"
)

// MarketFetcher is the slice of the Gamma API the catalog needs.
type MarketFetcher interface {
	GetActiveMarkets(ctx context.Context, limit, offset int) ([]domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
}

// syncPageSize is the Gamma page size used during discovery sweeps.
const syncPageSize = 100

// Service handles market discovery and metadata sync.
type Service struct {
	fetcher MarketFetcher
	markets domain.MarketStore
	cache   domain.MarketCache
	logger  *slog.Logger

	// marketLimit caps how many markets one sync sweep ingests.
	marketLimit int
}

// NewService creates a catalog Service with all required dependencies.
func NewService(
	fetcher MarketFetcher,
	markets domain.MarketStore,
	cache domain.MarketCache,
	marketLimit int,
	logger *slog.Logger,
) *Service {
	return &Service{
		fetcher:     fetcher,
		markets:     markets,
		cache:       cache,
		marketLimit: marketLimit,
		logger:      logger,
	}
}

// Sync sweeps the Gamma API page by page, upserting every tradeable market
// into the store and invalidating stale cache entries. It returns the number
// of markets ingested. Existing rows are updated in place; a market's
// backfilled marker is never touched by sync.
func (s *Service) Sync(ctx context.Context) (int, error) {
	total := 0

	for offset := 0; total < s.marketLimit; offset += syncPageSize {
		pageLimit := syncPageSize
		if remaining := s.marketLimit - total; remaining < pageLimit {
			pageLimit = remaining
		}

		page, err := s.fetcher.GetActiveMarkets(ctx, pageLimit, offset)
		if err != nil {
			return total, fmt.Errorf("catalog: sync page offset=%d: %w", offset, err)
		}
		if len(page) == 0 {
			break
		}

		batch := make([]domain.Market, 0, len(page))
		for _, m := range page {
			// Markets without both outcome tokens cannot be collected.
			if m.TokenIDs[0] == "" || m.TokenIDs[1] == "" {
				continue
			}
			batch = append(batch, m)
		}

		if err := s.upsertAndInvalidate(ctx, batch); err != nil {
			return total, err
		}
		total += len(batch)

		if len(page) < pageLimit {
			break
		}
	}

	stored, err := s.markets.Count(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "catalog: count markets failed",
			slog.String("error", err.Error()),
		)
	}
	s.logger.InfoContext(ctx, "catalog: sync complete",
		slog.Int("markets", total),
		slog.Int64("stored_total", stored),
	)
	return total, nil
}

// RunLoop runs Sync once immediately and then at every interval tick until
// the context is cancelled. Sync failures are logged and retried on the next
// tick rather than terminating the loop.
func (s *Service) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.ErrorContext(ctx, "catalog: sync failed",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get retrieves a market by ID, checking the cache first and falling back to
// the persistent store on a miss.
func (s *Service) Get(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.cache.Get(ctx, id)
	if err == nil {
		return m, nil
	}

	m, err = s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("catalog: get market %q: %w", id, err)
	}

	// Back-fill cache; log but do not fail on cache write errors.
	if cacheErr := s.cache.Set(ctx, m); cacheErr != nil {
		s.logger.WarnContext(ctx, "catalog: cache set failed",
			slog.String("market_id", id),
			slog.String("error", cacheErr.Error()),
		)
	}

	return m, nil
}

// GetByToken retrieves a market by one of its outcome token IDs, checking
// the cache first and falling back to the persistent store.
func (s *Service) GetByToken(ctx context.Context, tokenID string) (domain.Market, error) {
	m, err := s.cache.GetByToken(ctx, tokenID)
	if err == nil {
		return m, nil
	}

	m, err = s.markets.GetByTokenID(ctx, tokenID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("catalog: get market by token %q: %w", tokenID, err)
	}

	if cacheErr := s.cache.Set(ctx, m); cacheErr != nil {
		s.logger.WarnContext(ctx, "catalog: cache set failed",
			slog.String("token_id", tokenID),
			slog.String("error", cacheErr.Error()),
		)
	}

	return m, nil
}

// Ensure returns the market with the given ID, fetching it from the Gamma
// API and registering it when it is not yet known locally. The feed can
// reference markets a sync sweep has not seen yet.
func (s *Service) Ensure(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.Get(ctx, id)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Market{}, err
	}

	m, err = s.fetcher.GetMarket(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("catalog: ensure market %q: %w", id, err)
	}

	if err := s.upsertAndInvalidate(ctx, []domain.Market{m}); err != nil {
		return domain.Market{}, err
	}

	s.logger.InfoContext(ctx, "catalog: registered unknown market",
		slog.String("market_id", id),
	)
	return m, nil
}

// ListActive returns active markets from the persistent store, highest
// volume first.
func (s *Service) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.ListActive(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("catalog: list active: %w", err)
	}
	return markets, nil
}

// upsertAndInvalidate persists a batch and drops cached entries so the next
// read sees fresh data. Cache failures are non-fatal; entries expire on
// their own.
func (s *Service) upsertAndInvalidate(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}

	if err := s.markets.UpsertBatch(ctx, markets); err != nil {
		return fmt.Errorf("catalog: upsert batch: %w", err)
	}

	for _, m := range markets {
		if err := s.cache.Invalidate(ctx, m.ID); err != nil {
			s.logger.WarnContext(ctx, "catalog: cache invalidate failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

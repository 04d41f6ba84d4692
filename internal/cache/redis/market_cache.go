package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polyclawd/marketlab/internal/domain"
)

// marketCacheTTL bounds staleness between catalog resyncs.
const marketCacheTTL = 30 * time.Minute

// MarketCache implements domain.MarketCache using Redis. Markets are stored
// JSON-encoded at "market:{id}" with a secondary token index at
// "market_token:{tokenID}" pointing back to the market ID.
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

func marketKey(id string) string {
	return "market:" + id
}

func tokenIndexKey(tokenID string) string {
	return "market_token:" + tokenID
}

// Set stores a market and its token index entries.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}

	pipe := mc.rdb.Pipeline()
	pipe.Set(ctx, marketKey(market.ID), data, marketCacheTTL)
	for _, tokenID := range market.TokenIDs {
		if tokenID != "" {
			pipe.Set(ctx, tokenIndexKey(tokenID), market.ID, marketCacheTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// Get retrieves a market by ID. It returns domain.ErrNotFound on a miss.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.rdb.Get(ctx, marketKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var m domain.Market
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return m, nil
}

// GetByToken retrieves a market by one of its outcome token IDs.
func (mc *MarketCache) GetByToken(ctx context.Context, tokenID string) (domain.Market, error) {
	id, err := mc.rdb.Get(ctx, tokenIndexKey(tokenID)).Result()
	if err != nil {
		if err == redis.Nil {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market token index %s: %w", tokenID, err)
	}
	return mc.Get(ctx, id)
}

// Invalidate removes a market and its token index entries.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	m, err := mc.Get(ctx, id)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil
		}
		return err
	}

	keys := []string{marketKey(id)}
	for _, tokenID := range m.TokenIDs {
		if tokenID != "" {
			keys = append(keys, tokenIndexKey(tokenID))
		}
	}
	if err := mc.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

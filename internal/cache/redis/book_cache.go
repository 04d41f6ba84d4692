package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/polyclawd/marketlab/internal/domain"
)

// BookCache implements domain.BookCache using Redis string values holding the
// JSON-encoded latest snapshot per token at key "book:{tokenID}". Only the
// most recent snapshot is kept; history lives in PostgreSQL.
type BookCache struct {
	rdb *redis.Client
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.Underlying()}
}

func bookKey(tokenID string) string {
	return "book:" + tokenID
}

// SetDepth stores the latest depth snapshot for a token.
func (bc *BookCache) SetDepth(ctx context.Context, snap domain.BookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal book %s: %w", snap.TokenID, err)
	}
	if err := bc.rdb.Set(ctx, bookKey(snap.TokenID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set book %s: %w", snap.TokenID, err)
	}
	return nil
}

// GetDepth retrieves the latest depth snapshot for a token. It returns
// domain.ErrNotFound when no snapshot has been cached.
func (bc *BookCache) GetDepth(ctx context.Context, tokenID string) (domain.BookSnapshot, error) {
	data, err := bc.rdb.Get(ctx, bookKey(tokenID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.BookSnapshot{}, domain.ErrNotFound
		}
		return domain.BookSnapshot{}, fmt.Errorf("redis: get book %s: %w", tokenID, err)
	}

	var snap domain.BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: unmarshal book %s: %w", tokenID, err)
	}
	return snap, nil
}

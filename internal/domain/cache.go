package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest price per token.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error)
}

// BookCache stores the latest depth summary per token so consumers can
// derive a liquidity scale without a database round trip.
type BookCache interface {
	SetDepth(ctx context.Context, snap BookSnapshot) error
	GetDepth(ctx context.Context, tokenID string) (BookSnapshot, error)
}

// MarketCache provides fast market metadata lookups.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id string) (Market, error)
	GetByToken(ctx context.Context, tokenID string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

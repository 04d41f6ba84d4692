package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// TimeRange bounds a historical query. A zero From or To means unbounded on
// that end.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// MarketStore persists market metadata.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	UpsertBatch(ctx context.Context, markets []Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	GetByTokenID(ctx context.Context, tokenID string) (Market, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Market, error)
	ListBackfilled(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// PriceStore persists price-change records. Inserts are idempotent by the
// natural key (market, token, timestamp, seq); re-inserting an existing row
// is a no-op, not an error.
type PriceStore interface {
	InsertIfAbsent(ctx context.Context, changes []PriceChange) (inserted int64, err error)
	ReadRange(ctx context.Context, marketID string, tr TimeRange) ([]PriceChange, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]PriceChange, error)
}

// BookStore persists orderbook depth snapshots.
type BookStore interface {
	InsertIfAbsent(ctx context.Context, snap BookSnapshot) error
	ReadRange(ctx context.Context, marketID string, tr TimeRange) ([]BookSnapshot, error)
	ListCrossed(ctx context.Context, opts ListOpts) ([]BookSnapshot, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]BookSnapshot, error)
}

// TradeStore persists trade history.
type TradeStore interface {
	InsertBatch(ctx context.Context, trades []Trade) error
	ReadRange(ctx context.Context, marketID string, tr TimeRange) ([]Trade, error)
}

// BackfillUnit is everything a history backfill writes for one market. The
// store commits it atomically: all price rows plus the completion marker, or
// nothing.
type BackfillUnit struct {
	MarketID        string
	Prices          []PriceChange
	ResolvedOutcome *string
	ResolvedAt      *time.Time
}

// BackfillStore tracks which markets have complete historical coverage.
type BackfillStore interface {
	IsBackfilled(ctx context.Context, marketID string) (bool, error)
	ListPending(ctx context.Context, limit int) ([]string, error)
	// CommitBackfill writes the unit in a single transaction. A failure
	// leaves the market unmarked with zero partial rows observable.
	CommitBackfill(ctx context.Context, unit BackfillUnit) error
}

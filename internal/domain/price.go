package domain

import "time"

// PriceChange is a single price update for one outcome token. Rows are
// immutable once written; the natural key is (MarketID, TokenID, Timestamp,
// Seq) and duplicate inserts are idempotent no-ops at the store.
type PriceChange struct {
	MarketID  string
	TokenID   string
	Timestamp time.Time
	Price     float64 // in [0,1]
	Size      float64 // 0 when the feed does not report size
	Seq       int64   // disambiguates events sharing a timestamp
}

// Valid reports whether the record is well-formed enough to replay: a real
// timestamp and a price inside the probability interval.
func (p PriceChange) Valid() bool {
	return !p.Timestamp.IsZero() && p.Price >= 0 && p.Price <= 1 && p.MarketID != ""
}

// PricePoint is one (timestamp, price) pair from the historical price API.
type PricePoint struct {
	Timestamp time.Time
	Price     float64
}

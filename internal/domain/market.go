package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "active"
	MarketStatusClosed   MarketStatus = "closed"
	MarketStatusResolved MarketStatus = "resolved"
)

// Market is the normalized metadata for a binary prediction market. Markets
// are created by catalog sync and mutated only by resync; they are never
// deleted, only marked resolved.
type Market struct {
	ID              string
	Question        string
	Slug            string
	Category        string
	Outcomes        [2]string // e.g. ["Yes","No"]
	TokenIDs        [2]string // CLOB token IDs, one per outcome
	Volume          float64
	Liquidity       float64
	Status          MarketStatus
	ResolvedOutcome *string // nil until resolved
	Backfilled      bool    // full price history captured
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	UpdatedAt       time.Time
}

// Resolved reports whether the market has a final outcome.
func (m Market) Resolved() bool {
	return m.Status == MarketStatusResolved && m.ResolvedOutcome != nil
}

// YesToken returns the token ID of the first (Yes) outcome.
func (m Market) YesToken() string {
	return m.TokenIDs[0]
}

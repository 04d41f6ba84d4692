package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is a full depth snapshot of one outcome token's orderbook.
// Bids are ordered descending by price, asks ascending. Snapshots are
// immutable once written.
type BookSnapshot struct {
	MarketID  string
	TokenID   string
	Timestamp time.Time
	Bids      []PriceLevel
	Asks      []PriceLevel
	BestBid   float64
	BestAsk   float64
	Spread    float64
	BidDepth  float64 // sum of price*size over all bid levels, in dollars
	AskDepth  float64
	Crossed   bool // best bid >= best ask; stored and flagged, never fixed
}

// ComputeStats fills in the derived fields (BBO, spread, notional depths,
// crossed flag) from the raw levels.
func (b *BookSnapshot) ComputeStats() {
	b.BestBid, b.BestAsk = 0, 0
	b.BidDepth, b.AskDepth = 0, 0

	for _, l := range b.Bids {
		if l.Price > b.BestBid {
			b.BestBid = l.Price
		}
		b.BidDepth += l.Price * l.Size
	}
	first := true
	for _, l := range b.Asks {
		if first || l.Price < b.BestAsk {
			b.BestAsk = l.Price
			first = false
		}
		b.AskDepth += l.Price * l.Size
	}

	if b.BestBid > 0 && b.BestAsk > 0 {
		b.Spread = b.BestAsk - b.BestBid
		b.Crossed = b.BestBid >= b.BestAsk
	} else {
		b.Spread = 0
		b.Crossed = false
	}
}

// MidPrice returns the bid/ask midpoint, or 0 when either side is empty.
func (b BookSnapshot) MidPrice() float64 {
	if b.BestBid <= 0 || b.BestAsk <= 0 {
		return 0
	}
	return (b.BestBid + b.BestAsk) / 2
}

// DepthForSide returns the notional depth available to a taker on the given
// side: a buy consumes asks, a sell consumes bids.
func (b BookSnapshot) DepthForSide(side OrderSide) float64 {
	if side == OrderSideBuy {
		return b.AskDepth
	}
	return b.BidDepth
}

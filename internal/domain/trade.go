package domain

import "time"

// OrderSide is the taker direction of a trade or simulated order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Trade is a single executed trade on a market. Append-only and immutable.
type Trade struct {
	ID        int64
	MarketID  string
	TokenID   string
	Timestamp time.Time
	Price     float64
	Size      float64
	Side      OrderSide // taker direction, empty when unknown
}

package backtest

import (
	"fmt"
	"time"

	"github.com/polyclawd/marketlab/internal/domain"
)

// Order is a strategy's instruction to take a position at the current
// event's price. A buy takes exposure in the observed outcome; a sell takes
// the complement side.
type Order struct {
	MarketID string
	TokenID  string
	Side     domain.OrderSide
	// Notional is the dollar amount to commit. Zero uses the engine's
	// configured default order size.
	Notional float64
}

// TickView is what a strategy sees for one replayed event. It exposes only
// current-and-earlier state; strategies cannot observe future records.
type TickView struct {
	// Event is the price change being replayed.
	Event domain.PriceChange
	// Clock is the replay's current simulated time.
	Clock time.Time
	// Tick counts events seen so far for this market's token, starting at 1.
	Tick int
	// HasPosition reports whether the engine holds an open position for
	// this market.
	HasPosition bool
}

// Strategy decides trades from replayed events. Implementations keep their
// own per-market state; the engine calls OnEvent sequentially, never
// concurrently.
type Strategy interface {
	Name() string
	OnEvent(view TickView) []Order
}

// NewStrategy builds one of the named built-in strategies.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "calibration":
		return NewCalibrationStrategy(), nil
	case "momentum":
		return NewMomentumStrategy(), nil
	default:
		return nil, fmt.Errorf("backtest: %w: unknown strategy %q", domain.ErrInvalidConfig, name)
	}
}

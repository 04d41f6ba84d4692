package backtest

import (
	"github.com/polyclawd/marketlab/internal/domain"
)

// CalibrationStrategy fades miscalibrated extreme prices: once a market has
// enough history, a price in the low band suggests the market is
// overconfident (take the complement side), and a price in the high band
// suggests underconfidence (take the outcome side). One entry per market.
type CalibrationStrategy struct {
	// Warmup is the number of ticks observed before the entry decision.
	Warmup int
	// LowEntry/LowExit bound the overconfident band (entry < p < exit).
	LowEntry, LowExit float64
	// HighEntry/HighExit bound the underconfident band.
	HighEntry, HighExit float64

	entered map[string]bool
}

// NewCalibrationStrategy returns a CalibrationStrategy with the bands from
// the original calibration study: fade 15-35%, follow 65-85%.
func NewCalibrationStrategy() *CalibrationStrategy {
	return &CalibrationStrategy{
		Warmup:    20,
		LowEntry:  0.15,
		LowExit:   0.35,
		HighEntry: 0.65,
		HighExit:  0.85,
		entered:   make(map[string]bool),
	}
}

func (s *CalibrationStrategy) Name() string { return "calibration" }

func (s *CalibrationStrategy) OnEvent(view TickView) []Order {
	if view.Tick != s.Warmup || s.entered[view.Event.MarketID] || view.HasPosition {
		return nil
	}

	p := view.Event.Price
	var side domain.OrderSide
	switch {
	case p > s.LowEntry && p < s.LowExit:
		side = domain.OrderSideSell
	case p > s.HighEntry && p < s.HighExit:
		side = domain.OrderSideBuy
	default:
		return nil
	}

	s.entered[view.Event.MarketID] = true
	return []Order{{
		MarketID: view.Event.MarketID,
		TokenID:  view.Event.TokenID,
		Side:     side,
	}}
}

// MomentumStrategy follows recent price direction: when the price has moved
// more than Threshold over the last Lookback ticks, take exposure in the
// direction of the move. One entry per market.
type MomentumStrategy struct {
	// Lookback is how many ticks back the momentum is measured over.
	Lookback int
	// Threshold is the minimum absolute move that triggers an entry.
	Threshold float64

	history map[string][]float64
	entered map[string]bool
}

// NewMomentumStrategy returns a MomentumStrategy with a 5-tick lookback and
// a 5-cent threshold.
func NewMomentumStrategy() *MomentumStrategy {
	return &MomentumStrategy{
		Lookback:  5,
		Threshold: 0.05,
		history:   make(map[string][]float64),
		entered:   make(map[string]bool),
	}
}

func (s *MomentumStrategy) Name() string { return "momentum" }

func (s *MomentumStrategy) OnEvent(view TickView) []Order {
	key := view.Event.MarketID + "/" + view.Event.TokenID

	hist := append(s.history[key], view.Event.Price)
	if len(hist) > s.Lookback+1 {
		hist = hist[len(hist)-s.Lookback-1:]
	}
	s.history[key] = hist

	if s.entered[view.Event.MarketID] || view.HasPosition || len(hist) < s.Lookback+1 {
		return nil
	}

	momentum := hist[len(hist)-1] - hist[0]
	var side domain.OrderSide
	switch {
	case momentum > s.Threshold:
		side = domain.OrderSideBuy
	case momentum < -s.Threshold:
		side = domain.OrderSideSell
	default:
		return nil
	}

	s.entered[view.Event.MarketID] = true
	return []Order{{
		MarketID: view.Event.MarketID,
		TokenID:  view.Event.TokenID,
		Side:     side,
	}}
}

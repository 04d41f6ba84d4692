package backtest

import (
	"math"
	"time"

	"github.com/polyclawd/marketlab/internal/domain"
)

// ClosedTrade is one realized round trip.
type ClosedTrade struct {
	MarketID   string
	TokenID    string
	Side       domain.OrderSide
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice float64
	ExitPrice  float64
	Notional   float64
	Shares     float64
	PnL        float64
	// Finalized marks positions closed by end-of-data mark-to-last rather
	// than by the strategy.
	Finalized bool
}

// Report is the outcome of one backtest run.
type Report struct {
	RunID    string
	Strategy string
	State    State
	// Reason is set when the run aborted.
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time

	// From/To bound the replayed event timestamps.
	From    time.Time
	To      time.Time
	Events  int
	Markets int

	InitialCapital float64
	FinalCapital   float64

	// SignalsGenerated counts every order the strategy emitted;
	// SignalsExecuted counts the ones the engine actually filled. The gap
	// is orders skipped for an existing position, insufficient capital,
	// or a degenerate fill price.
	SignalsGenerated int
	SignalsExecuted  int
	// SlippagePaid is the total execution cost versus the observed price,
	// in dollars, across all fills.
	SlippagePaid float64

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPnL      float64
	AvgPnL        float64
	MaxPnL        float64
	MinPnL        float64
	// Sharpe is the mean/stddev ratio of per-trade PnL, zero when the
	// spread is zero.
	Sharpe      float64
	ReturnPct   float64
	MaxDrawdown float64

	Trades []ClosedTrade
}

// computeMetrics derives the aggregate statistics from the closed trades
// and the equity curve.
func (r *Report) computeMetrics(equity []float64) {
	r.TotalTrades = len(r.Trades)
	if r.TotalTrades == 0 {
		return
	}

	var sum float64
	r.MaxPnL = math.Inf(-1)
	r.MinPnL = math.Inf(1)
	for _, t := range r.Trades {
		sum += t.PnL
		if t.PnL > 0 {
			r.WinningTrades++
		} else if t.PnL < 0 {
			r.LosingTrades++
		}
		if t.PnL > r.MaxPnL {
			r.MaxPnL = t.PnL
		}
		if t.PnL < r.MinPnL {
			r.MinPnL = t.PnL
		}
	}

	r.TotalPnL = sum
	r.AvgPnL = sum / float64(r.TotalTrades)
	r.WinRate = float64(r.WinningTrades) / float64(r.TotalTrades)
	r.ReturnPct = (r.FinalCapital - r.InitialCapital) / r.InitialCapital * 100

	var variance float64
	for _, t := range r.Trades {
		d := t.PnL - r.AvgPnL
		variance += d * d
	}
	if std := math.Sqrt(variance / float64(r.TotalTrades)); std > 0 {
		r.Sharpe = r.AvgPnL / std
	}

	peak := math.Inf(-1)
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > r.MaxDrawdown {
			r.MaxDrawdown = dd
		}
	}
}

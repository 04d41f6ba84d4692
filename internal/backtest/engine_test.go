package backtest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyclawd/marketlab/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func tick(marketID string, offset time.Duration, price float64) domain.PriceChange {
	return domain.PriceChange{
		MarketID:  marketID,
		TokenID:   marketID + "-yes",
		Timestamp: t0.Add(offset),
		Price:     price,
	}
}

// scriptStrategy issues a canned order at a given tick and records every
// view it receives.
type scriptStrategy struct {
	buyAtTick int
	market    string
	side      domain.OrderSide
	notional  float64
	views     []TickView
}

func (s *scriptStrategy) Name() string { return "script" }

func (s *scriptStrategy) OnEvent(view TickView) []Order {
	s.views = append(s.views, view)
	if view.Event.MarketID == s.market && view.Tick == s.buyAtTick {
		return []Order{{
			MarketID: view.Event.MarketID,
			TokenID:  view.Event.TokenID,
			Side:     s.side,
			Notional: s.notional,
		}}
	}
	return nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{InitialCapital: 10_000, OrderSize: 100}, testLogger())
	require.NoError(t, err)
	return e
}

func TestEngineConfigValidation(t *testing.T) {
	_, err := NewEngine(EngineConfig{InitialCapital: 0, OrderSize: 100}, testLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewEngine(EngineConfig{InitialCapital: 1_000, OrderSize: 0}, testLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewEngine(EngineConfig{InitialCapital: 50, OrderSize: 100}, testLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestEngineEmptyRangeCompletes(t *testing.T) {
	e := newTestEngine(t)

	report, err := e.Run(context.Background(), &scriptStrategy{}, ReplayData{})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, StateCompleted, e.State())
	assert.Zero(t, report.TotalTrades)
	assert.Equal(t, 10_000.0, report.FinalCapital)
}

func TestEngineRunsOnce(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Run(context.Background(), &scriptStrategy{}, ReplayData{})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), &scriptStrategy{}, ReplayData{})
	assert.Error(t, err)
}

func TestEngineReplaysInTimestampOrder(t *testing.T) {
	e := newTestEngine(t)
	strat := &scriptStrategy{}

	// Deliberately shuffled input, including a same-timestamp tie across
	// markets and a same-timestamp seq tie within a market.
	data := ReplayData{Prices: []domain.PriceChange{
		tick("mB", 2*time.Minute, 0.52),
		tick("mA", time.Minute, 0.40),
		{MarketID: "mA", TokenID: "mA-yes", Timestamp: t0, Price: 0.31, Seq: 1},
		tick("mB", time.Minute, 0.50),
		{MarketID: "mA", TokenID: "mA-yes", Timestamp: t0, Price: 0.30, Seq: 0},
	}}

	_, err := e.Run(context.Background(), strat, data)
	require.NoError(t, err)

	require.Len(t, strat.views, 5)
	// Seq tie-break within mA at t0.
	assert.Equal(t, 0.30, strat.views[0].Event.Price)
	assert.Equal(t, 0.31, strat.views[1].Event.Price)
	// Market ID tie-break at t0+1m: mA before mB.
	assert.Equal(t, "mA", strat.views[2].Event.MarketID)
	assert.Equal(t, "mB", strat.views[3].Event.MarketID)
	for i := 1; i < len(strat.views); i++ {
		assert.False(t, strat.views[i].Event.Timestamp.Before(strat.views[i-1].Event.Timestamp))
	}
}

func TestEngineDeterministicAcrossRuns(t *testing.T) {
	data := ReplayData{Prices: []domain.PriceChange{
		tick("mB", time.Minute, 0.70),
		tick("mA", time.Minute, 0.20),
		tick("mA", 2*time.Minute, 0.80),
		tick("mB", 2*time.Minute, 0.10),
	}}

	run := func() []TickView {
		e := newTestEngine(t)
		strat := &scriptStrategy{}
		_, err := e.Run(context.Background(), strat, data)
		require.NoError(t, err)
		return strat.views
	}

	assert.Equal(t, run(), run())
}

func TestEngineNoLookAhead(t *testing.T) {
	e := newTestEngine(t)
	strat := &scriptStrategy{}

	data := ReplayData{Prices: []domain.PriceChange{
		tick("m1", 0, 0.50),
		tick("m1", time.Minute, 0.55),
		tick("m1", time.Hour, 0.99), // future spike
	}}

	_, err := e.Run(context.Background(), strat, data)
	require.NoError(t, err)

	// At the second event the strategy has seen only two prices; the spike
	// is not yet visible.
	assert.Equal(t, 2, strat.views[1].Tick)
	assert.Equal(t, 0.55, strat.views[1].Event.Price)
	for i, v := range strat.views[:2] {
		assert.True(t, v.Event.Price < 0.99, "view %d leaked the future spike", i)
	}
}

func TestEngineFillsBuyWithSlippageAndMarksToLast(t *testing.T) {
	e := newTestEngine(t)
	strat := &scriptStrategy{market: "m1", buyAtTick: 1, side: domain.OrderSideBuy, notional: 100}

	data := ReplayData{Prices: []domain.PriceChange{
		tick("m1", 0, 0.50),
		tick("m1", time.Minute, 0.80),
	}}

	report, err := e.Run(context.Background(), strat, data)
	require.NoError(t, err)

	require.Len(t, report.Trades, 1)
	tr := report.Trades[0]

	// Fill is worse than the quoted 0.50.
	assert.Greater(t, tr.EntryPrice, 0.50)
	assert.Less(t, tr.EntryPrice, 0.51)
	// Open position marked to the last observed price.
	assert.Equal(t, 0.80, tr.ExitPrice)
	assert.True(t, tr.Finalized)

	expectedPnL := (0.80 - tr.EntryPrice) * tr.Shares
	assert.InDelta(t, expectedPnL, tr.PnL, 1e-9)
	assert.InDelta(t, 10_000+expectedPnL, report.FinalCapital, 1e-9)
	assert.Equal(t, 1, report.WinningTrades)
	assert.Equal(t, 1.0, report.WinRate)

	// One signal, one fill, and the slippage cost is exactly the entry
	// premium over the quoted price.
	assert.Equal(t, 1, report.SignalsGenerated)
	assert.Equal(t, 1, report.SignalsExecuted)
	assert.InDelta(t, (tr.EntryPrice-0.50)*tr.Shares, report.SlippagePaid, 1e-9)
	assert.Greater(t, report.SlippagePaid, 0.0)
}

func TestEngineSellSideProfitsWhenPriceFalls(t *testing.T) {
	e := newTestEngine(t)
	strat := &scriptStrategy{market: "m1", buyAtTick: 1, side: domain.OrderSideSell, notional: 100}

	data := ReplayData{Prices: []domain.PriceChange{
		tick("m1", 0, 0.30),
		tick("m1", time.Minute, 0.05),
	}}

	report, err := e.Run(context.Background(), strat, data)
	require.NoError(t, err)

	require.Len(t, report.Trades, 1)
	tr := report.Trades[0]
	// Sell entry is adjusted below the quoted price.
	assert.Less(t, tr.EntryPrice, 0.30)
	assert.Greater(t, tr.PnL, 0.0)
	assert.Greater(t, report.FinalCapital, report.InitialCapital)
}

func TestEngineUsesBookDepthForSlippage(t *testing.T) {
	deepBook := domain.BookSnapshot{
		TokenID:   "m1-yes",
		Timestamp: t0,
		Asks:      []domain.PriceLevel{{Price: 0.50, Size: 1_000_000}},
		Bids:      []domain.PriceLevel{{Price: 0.49, Size: 1_000_000}},
	}
	deepBook.ComputeStats()

	run := func(books []domain.BookSnapshot) float64 {
		e := newTestEngine(t)
		strat := &scriptStrategy{market: "m1", buyAtTick: 1, side: domain.OrderSideBuy, notional: 5_000}
		report, err := e.Run(context.Background(), strat, ReplayData{
			Prices: []domain.PriceChange{tick("m1", time.Minute, 0.50)},
			Books:  books,
		})
		require.NoError(t, err)
		require.Len(t, report.Trades, 1)
		return report.Trades[0].EntryPrice
	}

	withDepth := run([]domain.BookSnapshot{deepBook})
	withoutDepth := run(nil)

	// A deep book shrinks the impact term, so the fill improves.
	assert.Less(t, withDepth, withoutDepth)
}

func TestEngineIgnoresFutureBooks(t *testing.T) {
	futureBook := domain.BookSnapshot{
		TokenID:   "m1-yes",
		Timestamp: t0.Add(time.Hour),
		Asks:      []domain.PriceLevel{{Price: 0.50, Size: 1_000_000}},
	}
	futureBook.ComputeStats()

	e := newTestEngine(t)
	strat := &scriptStrategy{market: "m1", buyAtTick: 1, side: domain.OrderSideBuy, notional: 5_000}
	report, err := e.Run(context.Background(), strat, ReplayData{
		Prices: []domain.PriceChange{tick("m1", 0, 0.50)},
		Books:  []domain.BookSnapshot{futureBook},
	})
	require.NoError(t, err)
	require.Len(t, report.Trades, 1)

	// The future book must not influence the fill: same price as with no
	// book data at all.
	m := DefaultSlippageModel()
	expected := m.Apply(0.50, domain.OrderSideBuy, m.Fraction(5_000))
	assert.InDelta(t, expected, report.Trades[0].EntryPrice, 1e-12)
}

func TestEngineAbortsOnMalformedRecord(t *testing.T) {
	e := newTestEngine(t)
	strat := &scriptStrategy{market: "m1", buyAtTick: 1, side: domain.OrderSideBuy, notional: 100}

	data := ReplayData{Prices: []domain.PriceChange{
		tick("m1", 0, 0.50),
		tick("m1", time.Minute, 1.7), // price outside [0,1]
		tick("m1", 2*time.Minute, 0.60),
	}}

	report, err := e.Run(context.Background(), strat, data)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedRecord)

	require.NotNil(t, report)
	assert.Equal(t, StateAborted, report.State)
	assert.Equal(t, StateAborted, e.State())
	assert.NotEmpty(t, report.Reason)
	// Partial results preserved: the first event was processed and the
	// open position was finalized.
	assert.Equal(t, 1, report.Events)
	assert.Len(t, report.Trades, 1)
}

func TestEngineSkipsOrdersBeyondCapital(t *testing.T) {
	e, err := NewEngine(EngineConfig{InitialCapital: 150, OrderSize: 100}, testLogger())
	require.NoError(t, err)

	// Orders for two markets at the same tick; only the first fits.
	strat := &twoMarketStrategy{}
	data := ReplayData{Prices: []domain.PriceChange{
		tick("mA", 0, 0.50),
		tick("mB", 0, 0.50),
		tick("mA", time.Minute, 0.60),
		tick("mB", time.Minute, 0.60),
	}}

	report, err := e.Run(context.Background(), strat, data)
	require.NoError(t, err)
	assert.Len(t, report.Trades, 1)
	assert.Equal(t, "mA", report.Trades[0].MarketID)

	// The skipped mB order still counts as a generated signal.
	assert.Equal(t, 2, report.SignalsGenerated)
	assert.Equal(t, 1, report.SignalsExecuted)
}

// cancellingStrategy cancels the run's context after a given number of
// events, buying on the first tick so a position is open at the stop.
type cancellingStrategy struct {
	cancel      context.CancelFunc
	cancelAfter int
	seen        int
}

func (s *cancellingStrategy) Name() string { return "cancelling" }

func (s *cancellingStrategy) OnEvent(view TickView) []Order {
	s.seen++
	if s.seen == s.cancelAfter {
		s.cancel()
	}
	if view.Tick == 1 {
		return []Order{{
			MarketID: view.Event.MarketID,
			TokenID:  view.Event.TokenID,
			Side:     domain.OrderSideBuy,
		}}
	}
	return nil
}

func TestEngineStopRequestCompletesWithFinalizedPositions(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	strat := &cancellingStrategy{cancel: cancel, cancelAfter: 2}

	data := ReplayData{Prices: []domain.PriceChange{
		tick("m1", 0, 0.50),
		tick("m1", time.Minute, 0.60),
		tick("m1", 2*time.Minute, 0.70),
		tick("m1", 3*time.Minute, 0.80),
	}}

	report, err := e.Run(ctx, strat, data)
	require.NoError(t, err)

	// A stop request is not a failure: the run completes over what was
	// replayed, with the open position marked to the last seen price.
	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, StateCompleted, e.State())
	assert.NotEmpty(t, report.Reason)
	assert.Equal(t, 2, report.Events)
	require.Len(t, report.Trades, 1)
	assert.True(t, report.Trades[0].Finalized)
	assert.Equal(t, 0.60, report.Trades[0].ExitPrice)
}

// twoMarketStrategy buys every market on its first tick.
type twoMarketStrategy struct{}

func (s *twoMarketStrategy) Name() string { return "two-market" }

func (s *twoMarketStrategy) OnEvent(view TickView) []Order {
	if view.Tick == 1 {
		return []Order{{
			MarketID: view.Event.MarketID,
			TokenID:  view.Event.TokenID,
			Side:     domain.OrderSideBuy,
		}}
	}
	return nil
}

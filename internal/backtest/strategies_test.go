package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyclawd/marketlab/internal/domain"
)

func TestNewStrategyByName(t *testing.T) {
	s, err := NewStrategy("calibration")
	require.NoError(t, err)
	assert.Equal(t, "calibration", s.Name())

	s, err = NewStrategy("momentum")
	require.NoError(t, err)
	assert.Equal(t, "momentum", s.Name())

	_, err = NewStrategy("martingale")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

// marketTicks builds a linear price path for one market.
func marketTicks(marketID string, start, end float64, n int) []domain.PriceChange {
	out := make([]domain.PriceChange, n)
	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n-1)
		out[i] = domain.PriceChange{
			MarketID:  marketID,
			TokenID:   marketID + "-yes",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Price:     start + (end-start)*frac,
		}
	}
	return out
}

func TestCalibrationFadesLowExtreme(t *testing.T) {
	// Price sits at 0.25 through the warmup window, then the market
	// resolves toward zero: the fade (sell) wins.
	prices := marketTicks("m1", 0.25, 0.25, 20)
	prices = append(prices, marketTicks("m1", 0.25, 0.02, 10)[1:]...)
	for i := range prices {
		prices[i].Timestamp = t0.Add(time.Duration(i) * time.Minute)
	}

	e := newTestEngine(t)
	report, err := e.Run(context.Background(), NewCalibrationStrategy(), ReplayData{Prices: prices})
	require.NoError(t, err)

	require.Len(t, report.Trades, 1)
	assert.Equal(t, domain.OrderSideSell, report.Trades[0].Side)
	assert.Greater(t, report.Trades[0].PnL, 0.0)
}

func TestCalibrationFollowsHighBand(t *testing.T) {
	prices := marketTicks("m1", 0.75, 0.75, 20)
	prices = append(prices, marketTicks("m1", 0.75, 0.98, 10)[1:]...)
	for i := range prices {
		prices[i].Timestamp = t0.Add(time.Duration(i) * time.Minute)
	}

	e := newTestEngine(t)
	report, err := e.Run(context.Background(), NewCalibrationStrategy(), ReplayData{Prices: prices})
	require.NoError(t, err)

	require.Len(t, report.Trades, 1)
	assert.Equal(t, domain.OrderSideBuy, report.Trades[0].Side)
	assert.Greater(t, report.Trades[0].PnL, 0.0)
}

func TestCalibrationIgnoresMidRangePrices(t *testing.T) {
	prices := marketTicks("m1", 0.50, 0.50, 40)

	e := newTestEngine(t)
	report, err := e.Run(context.Background(), NewCalibrationStrategy(), ReplayData{Prices: prices})
	require.NoError(t, err)
	assert.Empty(t, report.Trades)
}

func TestCalibrationEntersOncePerMarket(t *testing.T) {
	// Price stays inside the low band the whole time; only one entry.
	prices := marketTicks("m1", 0.20, 0.25, 60)

	e := newTestEngine(t)
	report, err := e.Run(context.Background(), NewCalibrationStrategy(), ReplayData{Prices: prices})
	require.NoError(t, err)
	assert.Len(t, report.Trades, 1)
}

func TestMomentumFollowsUptrend(t *testing.T) {
	// Steady climb from 0.40 to 0.90: momentum triggers a buy early and
	// the continued trend makes it a winner.
	prices := marketTicks("m1", 0.40, 0.90, 30)

	e := newTestEngine(t)
	report, err := e.Run(context.Background(), NewMomentumStrategy(), ReplayData{Prices: prices})
	require.NoError(t, err)

	require.Len(t, report.Trades, 1)
	assert.Equal(t, domain.OrderSideBuy, report.Trades[0].Side)
	assert.Greater(t, report.Trades[0].PnL, 0.0)
}

func TestMomentumFollowsDowntrend(t *testing.T) {
	prices := marketTicks("m1", 0.60, 0.10, 30)

	e := newTestEngine(t)
	report, err := e.Run(context.Background(), NewMomentumStrategy(), ReplayData{Prices: prices})
	require.NoError(t, err)

	require.Len(t, report.Trades, 1)
	assert.Equal(t, domain.OrderSideSell, report.Trades[0].Side)
	assert.Greater(t, report.Trades[0].PnL, 0.0)
}

func TestMomentumStaysOutOfFlatMarkets(t *testing.T) {
	prices := marketTicks("m1", 0.50, 0.51, 30)

	e := newTestEngine(t)
	report, err := e.Run(context.Background(), NewMomentumStrategy(), ReplayData{Prices: prices})
	require.NoError(t, err)
	assert.Empty(t, report.Trades)
}

func TestMomentumTracksMarketsIndependently(t *testing.T) {
	var prices []domain.PriceChange
	prices = append(prices, marketTicks("mUp", 0.40, 0.90, 30)...)
	prices = append(prices, marketTicks("mFlat", 0.50, 0.50, 30)...)

	e := newTestEngine(t)
	report, err := e.Run(context.Background(), NewMomentumStrategy(), ReplayData{Prices: prices})
	require.NoError(t, err)

	require.Len(t, report.Trades, 1)
	assert.Equal(t, "mUp", report.Trades[0].MarketID)
}

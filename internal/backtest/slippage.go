// Package backtest replays collected market data against trading strategies
// and produces performance reports.
package backtest

import (
	"fmt"
	"math"

	"github.com/polyclawd/marketlab/internal/domain"
)

// Default slippage parameters, calibrated so a $10k order against the
// default $500 liquidity scale costs about 1.0% total.
const (
	DefaultBaseRate       = 0.005
	DefaultImpactCoef     = 0.0011180339887498949 // 0.005 / sqrt(20)
	DefaultLiquidityScale = 500.0
)

// SlippageModel estimates execution cost as a fraction of notional:
//
//	fraction = baseRate + impactCoef * sqrt(notional / liquidityScale)
//
// The square-root impact term makes cost grow sublinearly with order size,
// while the liquidity scale anchors what "large" means for a market.
type SlippageModel struct {
	baseRate       float64
	impactCoef     float64
	liquidityScale float64
}

// NewSlippageModel validates the parameters and returns a model. The
// liquidity scale must be positive and the rates non-negative.
func NewSlippageModel(baseRate, impactCoef, liquidityScale float64) (*SlippageModel, error) {
	if liquidityScale <= 0 {
		return nil, fmt.Errorf("backtest: %w: liquidity scale must be positive, got %v",
			domain.ErrInvalidConfig, liquidityScale)
	}
	if baseRate < 0 || impactCoef < 0 {
		return nil, fmt.Errorf("backtest: %w: slippage rates must be non-negative (base=%v impact=%v)",
			domain.ErrInvalidConfig, baseRate, impactCoef)
	}
	return &SlippageModel{
		baseRate:       baseRate,
		impactCoef:     impactCoef,
		liquidityScale: liquidityScale,
	}, nil
}

// DefaultSlippageModel returns a model with the default parameters.
func DefaultSlippageModel() *SlippageModel {
	m, err := NewSlippageModel(DefaultBaseRate, DefaultImpactCoef, DefaultLiquidityScale)
	if err != nil {
		panic(err) // defaults are valid by construction
	}
	return m
}

// Fraction returns the slippage fraction for an order of the given notional
// against the model's default liquidity scale. Zero or negative notional
// costs nothing.
func (m *SlippageModel) Fraction(notional float64) float64 {
	return m.FractionWithDepth(notional, 0)
}

// FractionWithDepth returns the slippage fraction using the observed book
// depth as the liquidity scale. A non-positive depth falls back to the
// default scale.
func (m *SlippageModel) FractionWithDepth(notional, depth float64) float64 {
	if notional <= 0 {
		return 0
	}
	scale := m.liquidityScale
	if depth > 0 {
		scale = depth
	}
	return m.baseRate + m.impactCoef*math.Sqrt(notional/scale)
}

// Apply worsens a price in the trade direction by the given fraction: buys
// fill above the quoted price, sells below. The result is clamped to the
// probability interval [0,1].
func (m *SlippageModel) Apply(price float64, side domain.OrderSide, fraction float64) float64 {
	var adjusted float64
	if side == domain.OrderSideBuy {
		adjusted = price * (1 + fraction)
	} else {
		adjusted = price * (1 - fraction)
	}
	return math.Min(1, math.Max(0, adjusted))
}

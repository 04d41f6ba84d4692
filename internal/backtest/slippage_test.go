package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyclawd/marketlab/internal/domain"
)

func TestSlippageReferencePoints(t *testing.T) {
	m := DefaultSlippageModel()

	assert.InDelta(t, 0.0055, m.Fraction(100), 1e-4)
	assert.InDelta(t, 0.0066, m.Fraction(1_000), 1e-4)
	assert.InDelta(t, 0.0100, m.Fraction(10_000), 1e-4)
}

func TestSlippageZeroForNonPositiveNotional(t *testing.T) {
	m := DefaultSlippageModel()

	assert.Zero(t, m.Fraction(0))
	assert.Zero(t, m.Fraction(-500))
}

func TestSlippageMonotoneInNotional(t *testing.T) {
	m := DefaultSlippageModel()

	prev := 0.0
	for _, notional := range []float64{1, 10, 100, 1_000, 10_000, 100_000} {
		f := m.Fraction(notional)
		assert.GreaterOrEqual(t, f, prev, "notional %v", notional)
		prev = f
	}
}

func TestSlippagePure(t *testing.T) {
	m := DefaultSlippageModel()

	first := m.Fraction(2_500)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, m.Fraction(2_500))
	}
}

func TestSlippageDeeperBookCostsLess(t *testing.T) {
	m := DefaultSlippageModel()

	shallow := m.FractionWithDepth(1_000, 200)
	deep := m.FractionWithDepth(1_000, 20_000)
	assert.Greater(t, shallow, deep)

	// Non-positive depth falls back to the default scale.
	assert.Equal(t, m.Fraction(1_000), m.FractionWithDepth(1_000, 0))
	assert.Equal(t, m.Fraction(1_000), m.FractionWithDepth(1_000, -5))
}

func TestSlippageConstructorValidation(t *testing.T) {
	_, err := NewSlippageModel(0.005, 0.001, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewSlippageModel(0.005, 0.001, -10)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewSlippageModel(-0.005, 0.001, 500)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewSlippageModel(0.005, -0.001, 500)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	m, err := NewSlippageModel(0, 0, 500)
	require.NoError(t, err)
	assert.Zero(t, m.Fraction(10_000))
}

func TestApplyWorsensPriceInTradeDirection(t *testing.T) {
	m := DefaultSlippageModel()
	f := m.Fraction(1_000)

	buy := m.Apply(0.50, domain.OrderSideBuy, f)
	sell := m.Apply(0.50, domain.OrderSideSell, f)

	assert.Greater(t, buy, 0.50)
	assert.Less(t, sell, 0.50)
}

func TestApplyClampsToProbabilityInterval(t *testing.T) {
	m := DefaultSlippageModel()

	assert.Equal(t, 1.0, m.Apply(0.999, domain.OrderSideBuy, 0.05))
	assert.Equal(t, 0.0, m.Apply(0.0, domain.OrderSideSell, 0.05))
}

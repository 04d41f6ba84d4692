package polymarket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyclawd/marketlab/internal/domain"
)

func TestAPIMarketToDomain(t *testing.T) {
	m := APIMarket{
		ID:            "0xabc",
		Question:      "Will it rain tomorrow?",
		Slug:          "will-it-rain-tomorrow",
		Category:      "Weather",
		Active:        true,
		Outcomes:      `["Yes","No"]`,
		OutcomePrices: `["0.62","0.38"]`,
		ClobTokenIDs:  `["111","222"]`,
		Volume:        "12345.67",
		Liquidity:     "890.12",
		CreatedAt:     "2026-01-02T03:04:05Z",
	}

	dm := m.ToDomainMarket()

	assert.Equal(t, "0xabc", dm.ID)
	assert.Equal(t, domain.MarketStatusActive, dm.Status)
	assert.Equal(t, [2]string{"Yes", "No"}, dm.Outcomes)
	assert.Equal(t, [2]string{"111", "222"}, dm.TokenIDs)
	assert.InDelta(t, 12345.67, dm.Volume, 1e-9)
	assert.InDelta(t, 890.12, dm.Liquidity, 1e-9)
	assert.Nil(t, dm.ResolvedOutcome)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), dm.CreatedAt)
}

func TestAPIMarketToDomainResolved(t *testing.T) {
	m := APIMarket{
		ID:            "0xdef",
		Closed:        true,
		Outcomes:      `["Yes","No"]`,
		OutcomePrices: `["0","1"]`,
		ClobTokenIDs:  `["111","222"]`,
		ClosedTime:    "2026-02-01T00:00:00Z",
	}

	dm := m.ToDomainMarket()

	assert.Equal(t, domain.MarketStatusResolved, dm.Status)
	require.NotNil(t, dm.ResolvedOutcome)
	assert.Equal(t, "No", *dm.ResolvedOutcome)
	require.NotNil(t, dm.ResolvedAt)
	assert.Equal(t, 2026, dm.ResolvedAt.Year())
}

func TestAPIMarketToDomainClosedUnresolved(t *testing.T) {
	m := APIMarket{
		ID:            "0x123",
		Closed:        true,
		Outcomes:      `["Yes","No"]`,
		OutcomePrices: `["0.5","0.5"]`,
	}

	dm := m.ToDomainMarket()
	assert.Equal(t, domain.MarketStatusClosed, dm.Status)
	assert.Nil(t, dm.ResolvedOutcome)
}

func TestFlexBoolAcceptsStringAndBool(t *testing.T) {
	cases := map[string]bool{
		`true`:    true,
		`false`:   false,
		`"true"`:  true,
		`"True"`:  true,
		`"false"`: false,
		`"1"`:     true,
	}
	for raw, want := range cases {
		var f flexBool
		require.NoError(t, f.UnmarshalJSON([]byte(raw)), raw)
		assert.Equal(t, want, bool(f), raw)
	}
}

func TestParseAPITimestamp(t *testing.T) {
	// Milliseconds.
	ts := parseAPITimestamp("1756200000000")
	assert.Equal(t, int64(1756200000), ts.Unix())

	// Seconds.
	ts = parseAPITimestamp("1756200000")
	assert.Equal(t, int64(1756200000), ts.Unix())

	// Garbage yields zero time.
	assert.True(t, parseAPITimestamp("not-a-number").IsZero())
	assert.True(t, parseAPITimestamp("").IsZero())
}

func TestBookToDomainSnapshotComputesStats(t *testing.T) {
	b := APIBook{
		AssetID:   "111",
		Timestamp: "1756200000000",
		Bids: []APIPriceLevel{
			{Price: "0.60", Size: "100"},
			{Price: "0.58", Size: "50"},
		},
		Asks: []APIPriceLevel{
			{Price: "0.63", Size: "80"},
		},
	}

	snap := b.ToDomainSnapshot("0xabc")

	assert.Equal(t, "0xabc", snap.MarketID)
	assert.Equal(t, "111", snap.TokenID)
	assert.InDelta(t, 0.60, snap.BestBid, 1e-9)
	assert.InDelta(t, 0.63, snap.BestAsk, 1e-9)
	assert.InDelta(t, 0.03, snap.Spread, 1e-9)
	assert.InDelta(t, 0.60*100+0.58*50, snap.BidDepth, 1e-9)
	assert.InDelta(t, 0.63*80, snap.AskDepth, 1e-9)
	assert.False(t, snap.Crossed)
}

func TestBookToDomainSnapshotFlagsCrossed(t *testing.T) {
	b := APIBook{
		AssetID:   "111",
		Timestamp: "1756200000000",
		Bids:      []APIPriceLevel{{Price: "0.65", Size: "10"}},
		Asks:      []APIPriceLevel{{Price: "0.60", Size: "10"}},
	}

	snap := b.ToDomainSnapshot("0xabc")
	assert.True(t, snap.Crossed)
}

func TestWSPriceChangeMessageToDomainChanges(t *testing.T) {
	m := WSPriceChangeMessage{
		EventType: "price_change",
		Market:    "0xabc",
		AssetID:   "111",
		Timestamp: "1756200000000",
		Changes: []WSPriceChange{
			{Price: "0.61", Size: "25", Side: "BUY"},
			{Price: "0.62", Size: "0", Side: "SELL"},
		},
	}

	changes := m.ToDomainChanges()
	require.Len(t, changes, 2)

	assert.Equal(t, int64(0), changes[0].Seq)
	assert.Equal(t, int64(1), changes[1].Seq)
	assert.Equal(t, "0xabc", changes[0].MarketID)
	assert.Equal(t, "111", changes[0].TokenID)
	assert.InDelta(t, 0.61, changes[0].Price, 1e-9)
	assert.Equal(t, changes[0].Timestamp, changes[1].Timestamp)
	assert.True(t, changes[0].Valid())
}

func TestWSPriceChangeMessageFlatForm(t *testing.T) {
	m := WSPriceChangeMessage{
		EventType: "price_change",
		Market:    "0xabc",
		AssetID:   "111",
		Timestamp: "1756200000",
		Price:     "0.4",
		Size:      "12",
	}

	changes := m.ToDomainChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, "111", changes[0].TokenID)
	assert.InDelta(t, 0.4, changes[0].Price, 1e-9)
}

func TestWSLastTradeToDomainTrade(t *testing.T) {
	m := WSLastTradeMessage{
		EventType: "last_trade_price",
		Market:    "0xabc",
		AssetID:   "111",
		Price:     "0.55",
		Size:      "40",
		Side:      "SELL",
		Timestamp: "1756200000000",
	}

	tr := m.ToDomainTrade()
	assert.Equal(t, domain.OrderSideSell, tr.Side)
	assert.InDelta(t, 0.55, tr.Price, 1e-9)
	assert.InDelta(t, 40, tr.Size, 1e-9)
}

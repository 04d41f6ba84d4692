package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/polyclawd/marketlab/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
// Outcomes, OutcomePrices, and ClobTokenIDs arrive double-encoded: JSON
// arrays serialized into JSON strings.
type APIMarket struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	ConditionID   string   `json:"conditionId"`
	Slug          string   `json:"slug"`
	Category      string   `json:"category"`
	Active        flexBool `json:"active"` // API may send bool or "true"/"false" string
	Closed        flexBool `json:"closed"`
	Outcomes      string   `json:"outcomes"`      // JSON-encoded: e.g. "[\"Yes\",\"No\"]"
	OutcomePrices string   `json:"outcomePrices"` // JSON-encoded: e.g. "[\"0.5\",\"0.5\"]"
	ClobTokenIDs  string   `json:"clobTokenIds"`  // JSON-encoded: e.g. "[\"123\",\"456\"]"
	Volume        string   `json:"volume"`
	Liquidity     string   `json:"liquidity"`
	EndDateISO    string   `json:"endDateIso"`
	CreatedAt     string   `json:"createdAt"`
	UpdatedAt     string   `json:"updatedAt"`
	ClosedTime    string   `json:"closedTime"`
	Description   string   `json:"description"`
	EnableOrders  bool     `json:"enableOrderBook"`
}

// decodeStringArray parses a JSON-array-in-a-string field. Empty input
// yields an empty slice rather than an error.
func decodeStringArray(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// ToDomainMarket converts an APIMarket into the internal representation,
// parsing the double-encoded fields and deriving lifecycle status.
func (m *APIMarket) ToDomainMarket() domain.Market {
	dm := domain.Market{
		ID:       m.ID,
		Question: m.Question,
		Slug:     m.Slug,
		Category: m.Category,
	}

	outcomes := decodeStringArray(m.Outcomes)
	for i := 0; i < len(outcomes) && i < 2; i++ {
		dm.Outcomes[i] = outcomes[i]
	}
	tokens := decodeStringArray(m.ClobTokenIDs)
	for i := 0; i < len(tokens) && i < 2; i++ {
		dm.TokenIDs[i] = tokens[i]
	}

	dm.Volume, _ = strconv.ParseFloat(m.Volume, 64)
	dm.Liquidity, _ = strconv.ParseFloat(m.Liquidity, 64)

	switch {
	case bool(m.Closed):
		dm.Status = domain.MarketStatusClosed
		// A closed market with a settled outcome price is resolved: the
		// winning side's price pins to 1.
		if outcome, ok := m.resolvedOutcome(outcomes); ok {
			dm.Status = domain.MarketStatusResolved
			dm.ResolvedOutcome = &outcome
			if t, err := time.Parse(time.RFC3339, m.ClosedTime); err == nil {
				dm.ResolvedAt = &t
			}
		}
	case bool(m.Active):
		dm.Status = domain.MarketStatusActive
	default:
		dm.Status = domain.MarketStatusClosed
	}

	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		dm.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
		dm.UpdatedAt = t
	}

	return dm
}

// resolvedOutcome reports the winning outcome when the settled prices make
// one side's price >= 0.99.
func (m *APIMarket) resolvedOutcome(outcomes []string) (string, bool) {
	prices := decodeStringArray(m.OutcomePrices)
	for i, p := range prices {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			continue
		}
		if v >= 0.99 && i < len(outcomes) {
			return outcomes[i], true
		}
	}
	return "", false
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIPricePoint is one sample in a CLOB price history response.
type APIPricePoint struct {
	T int64   `json:"t"` // Unix seconds
	P float64 `json:"p"`
}

// APIPriceHistory is the response envelope of GET /prices-history.
type APIPriceHistory struct {
	History []APIPricePoint `json:"history"`
}

// APIBook is an orderbook as returned by GET /book.
type APIBook struct {
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Timestamp string          `json:"timestamp"` // Unix milliseconds as string
	Hash      string          `json:"hash"`
	Bids      []APIPriceLevel `json:"bids"`
	Asks      []APIPriceLevel `json:"asks"`
}

// APIPriceLevel is a single bid/ask level with string-encoded numbers.
type APIPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// APITrade is a trade record from the CLOB data API.
type APITrade struct {
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Side      string `json:"side"` // "BUY" or "SELL"
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

func parseLevels(levels []APIPriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, l := range levels {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(l.Size, 64)
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}

// parseAPITimestamp accepts Unix milliseconds or seconds, string-encoded.
// Polymarket sends milliseconds for books and seconds in some trade feeds.
func parseAPITimestamp(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// ToDomainSnapshot converts a book response into a snapshot with derived
// best-bid/ask, depth, and crossed-book statistics.
func (b *APIBook) ToDomainSnapshot(marketID string) domain.BookSnapshot {
	snap := domain.BookSnapshot{
		MarketID:  marketID,
		TokenID:   b.AssetID,
		Timestamp: parseAPITimestamp(b.Timestamp),
		Bids:      parseLevels(b.Bids),
		Asks:      parseLevels(b.Asks),
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	snap.ComputeStats()
	return snap
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSCommand is a subscribe/unsubscribe request frame.
type WSCommand struct {
	Type      string   `json:"type"`
	AssetIDs  []string `json:"assets_ids"`
	ChannelID string   `json:"channel,omitempty"`
}

// WSBookMessage is a full orderbook snapshot delivered over WebSocket.
type WSBookMessage struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Timestamp string          `json:"timestamp"`
	Hash      string          `json:"hash"`
	Bids      []APIPriceLevel `json:"bids"`
	Asks      []APIPriceLevel `json:"asks"`
}

// WSPriceChange is a single price-level change inside a price_change frame.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
}

// WSPriceChangeMessage carries one or more level updates for a market.
type WSPriceChangeMessage struct {
	EventType string          `json:"event_type"`
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Timestamp string          `json:"timestamp"`
	Changes   []WSPriceChange `json:"changes"`

	// Flat form: some frames carry the change inline instead of a list.
	Price string `json:"price"`
	Size  string `json:"size"`
	Side  string `json:"side"`
}

// WSLastTradeMessage is the most recent trade for an asset.
type WSLastTradeMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

// ToDomainSnapshot converts a WebSocket book frame into a snapshot.
func (b *WSBookMessage) ToDomainSnapshot() domain.BookSnapshot {
	snap := domain.BookSnapshot{
		MarketID:  b.Market,
		TokenID:   b.AssetID,
		Timestamp: parseAPITimestamp(b.Timestamp),
		Bids:      parseLevels(b.Bids),
		Asks:      parseLevels(b.Asks),
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	snap.ComputeStats()
	return snap
}

// ToDomainChanges flattens a price_change frame into tick events. Seq
// disambiguates multiple level updates sharing one frame timestamp.
func (m *WSPriceChangeMessage) ToDomainChanges() []domain.PriceChange {
	ts := parseAPITimestamp(m.Timestamp)
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	changes := m.Changes
	if len(changes) == 0 && m.Price != "" {
		changes = []WSPriceChange{{
			AssetID: m.AssetID, Price: m.Price, Size: m.Size, Side: m.Side,
		}}
	}

	out := make([]domain.PriceChange, 0, len(changes))
	for i, c := range changes {
		price, err := strconv.ParseFloat(c.Price, 64)
		if err != nil {
			continue
		}
		size, _ := strconv.ParseFloat(c.Size, 64)
		assetID := c.AssetID
		if assetID == "" {
			assetID = m.AssetID
		}
		out = append(out, domain.PriceChange{
			MarketID:  m.Market,
			TokenID:   assetID,
			Timestamp: ts,
			Price:     price,
			Size:      size,
			Seq:       int64(i),
		})
	}
	return out
}

// ToDomainTrade converts a last_trade_price frame into a trade record.
func (m *WSLastTradeMessage) ToDomainTrade() domain.Trade {
	ts := parseAPITimestamp(m.Timestamp)
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	price, _ := strconv.ParseFloat(m.Price, 64)
	size, _ := strconv.ParseFloat(m.Size, 64)
	side := domain.OrderSideBuy
	if strings.EqualFold(m.Side, "SELL") {
		side = domain.OrderSideSell
	}
	return domain.Trade{
		MarketID:  m.Market,
		TokenID:   m.AssetID,
		Timestamp: ts,
		Price:     price,
		Size:      size,
		Side:      side,
	}
}

package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/polyclawd/marketlab/internal/domain"
)

// ClobClient is the REST client for the public, read-only endpoints of the
// Polymarket CLOB API: price history, orderbooks, and recent trades.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewClobClient creates a new CLOB API client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
func NewClobClient(baseURL string) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetPriceHistory returns historical price samples for a token over the
// given window. fidelity is the sample resolution in minutes; zero lets the
// API pick.
func (c *ClobClient) GetPriceHistory(ctx context.Context, tokenID string, from, to time.Time, fidelity int) ([]domain.PricePoint, error) {
	params := url.Values{}
	params.Set("market", tokenID)
	params.Set("startTs", strconv.FormatInt(from.Unix(), 10))
	params.Set("endTs", strconv.FormatInt(to.Unix(), 10))
	if fidelity > 0 {
		params.Set("fidelity", strconv.Itoa(fidelity))
	}

	path := "/prices-history?" + params.Encode()

	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: get price history %s: %w", tokenID, err)
	}

	var hist APIPriceHistory
	if err := json.Unmarshal(body, &hist); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode price history: %w", err)
	}

	points := make([]domain.PricePoint, 0, len(hist.History))
	for _, p := range hist.History {
		points = append(points, domain.PricePoint{
			Timestamp: time.Unix(p.T, 0).UTC(),
			Price:     p.P,
		})
	}

	return points, nil
}

// GetBook returns the current orderbook for a token.
func (c *ClobClient) GetBook(ctx context.Context, marketID, tokenID string) (domain.BookSnapshot, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	path := "/book?" + params.Encode()

	body, err := c.doGet(ctx, path)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}

	var book APIBook
	if err := json.Unmarshal(body, &book); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	if book.AssetID == "" {
		book.AssetID = tokenID
	}

	return book.ToDomainSnapshot(marketID), nil
}

// GetTrades returns recent trades for a token, most recent first.
func (c *ClobClient) GetTrades(ctx context.Context, marketID, tokenID string, limit int) ([]domain.Trade, error) {
	params := url.Values{}
	params.Set("market", tokenID)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := "/trades?" + params.Encode()

	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: get trades %s: %w", tokenID, err)
	}

	var apiTrades []APITrade
	if err := json.Unmarshal(body, &apiTrades); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode trades: %w", err)
	}

	trades := make([]domain.Trade, 0, len(apiTrades))
	for _, t := range apiTrades {
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			continue
		}
		size, _ := strconv.ParseFloat(t.Size, 64)
		side := domain.OrderSideBuy
		if strings.EqualFold(t.Side, "SELL") {
			side = domain.OrderSideSell
		}
		trades = append(trades, domain.Trade{
			MarketID:  marketID,
			TokenID:   tokenID,
			Timestamp: parseAPITimestamp(t.Timestamp),
			Price:     price,
			Size:      size,
			Side:      side,
		})
	}

	return trades, nil
}

// doGet sends an unauthenticated GET request to the CLOB API.
func (c *ClobClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

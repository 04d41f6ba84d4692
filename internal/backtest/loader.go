package backtest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polyclawd/marketlab/internal/domain"
)

// Loader reads replay data for a set of markets out of the stores.
type Loader struct {
	prices domain.PriceStore
	books  domain.BookStore
	logger *slog.Logger
}

// NewLoader creates a Loader. The book store may be nil; runs then price
// slippage against the default liquidity scale only.
func NewLoader(prices domain.PriceStore, books domain.BookStore, logger *slog.Logger) *Loader {
	return &Loader{prices: prices, books: books, logger: logger}
}

// Load reads price history (and book snapshots when available) for the
// given markets inside the time range.
func (l *Loader) Load(ctx context.Context, marketIDs []string, tr domain.TimeRange) (ReplayData, error) {
	var data ReplayData

	for _, id := range marketIDs {
		prices, err := l.prices.ReadRange(ctx, id, tr)
		if err != nil {
			return ReplayData{}, fmt.Errorf("backtest: load prices %s: %w", id, err)
		}
		data.Prices = append(data.Prices, prices...)

		if l.books == nil {
			continue
		}
		books, err := l.books.ReadRange(ctx, id, tr)
		if err != nil {
			return ReplayData{}, fmt.Errorf("backtest: load books %s: %w", id, err)
		}
		data.Books = append(data.Books, books...)
	}

	l.logger.Info("backtest: replay data loaded",
		slog.Int("markets", len(marketIDs)),
		slog.Int("prices", len(data.Prices)),
		slog.Int("books", len(data.Books)),
	)
	return data, nil
}

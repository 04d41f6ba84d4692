package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polyclawd/marketlab/internal/domain"
)

// BookFetcher is the slice of the CLOB client the snapshotter needs.
type BookFetcher interface {
	GetBook(ctx context.Context, marketID, tokenID string) (domain.BookSnapshot, error)
}

// SnapshotResult summarizes one snapshot cycle.
type SnapshotResult struct {
	Markets  int
	Stored   int
	Failed   int
	Crossed  int
	Duration time.Duration
}

// SnapshotterConfig tunes the book snapshotter.
type SnapshotterConfig struct {
	// MarketLimit caps how many active markets are polled per cycle.
	MarketLimit int
	// FetchTimeout bounds each orderbook request.
	FetchTimeout time.Duration
}

// BookSnapshotter polls full orderbook depth for every tracked market on a
// fixed cadence. One market failing never aborts the cycle: failures are
// counted and the sweep continues. Crossed books are stored as received and
// flagged, never repaired.
type BookSnapshotter struct {
	fetcher BookFetcher
	catalog MarketResolver
	books   domain.BookStore
	cache   domain.BookCache
	cfg     SnapshotterConfig
	logger  *slog.Logger
}

// NewBookSnapshotter creates a BookSnapshotter. The book cache may be nil,
// in which case latest-depth mirroring is skipped.
func NewBookSnapshotter(
	fetcher BookFetcher,
	catalog MarketResolver,
	books domain.BookStore,
	cache domain.BookCache,
	cfg SnapshotterConfig,
	logger *slog.Logger,
) *BookSnapshotter {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &BookSnapshotter{
		fetcher: fetcher,
		catalog: catalog,
		books:   books,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
	}
}

// RunOnce performs a single snapshot sweep over all tracked markets and
// returns per-cycle counts.
func (b *BookSnapshotter) RunOnce(ctx context.Context) (SnapshotResult, error) {
	start := time.Now()

	markets, err := b.catalog.ListActive(ctx, domain.ListOpts{Limit: b.cfg.MarketLimit})
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("collector: list markets to snapshot: %w", err)
	}

	res := SnapshotResult{Markets: len(markets)}
	for _, m := range markets {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		for _, tokenID := range m.TokenIDs {
			if tokenID == "" {
				continue
			}
			if err := b.snapshotToken(ctx, m.ID, tokenID, &res); err != nil {
				res.Failed++
				b.logger.Warn("collector: snapshot failed",
					slog.String("market_id", m.ID),
					slog.String("token_id", tokenID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	res.Duration = time.Since(start)
	b.logger.Info("collector: snapshot cycle complete",
		slog.Int("markets", res.Markets),
		slog.Int("stored", res.Stored),
		slog.Int("failed", res.Failed),
		slog.Int("crossed", res.Crossed),
		slog.Duration("took", res.Duration),
	)
	return res, nil
}

// RunForever runs snapshot sweeps at every interval tick until the context
// is cancelled. Cycle errors are logged and the next tick tries again.
func (b *BookSnapshotter) RunForever(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := b.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Error("collector: snapshot cycle failed",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CrossedBooks returns stored snapshots where the best bid met or exceeded
// the best ask, newest first, for offline arbitrage review.
func (b *BookSnapshotter) CrossedBooks(ctx context.Context, limit int) ([]domain.BookSnapshot, error) {
	snaps, err := b.books.ListCrossed(ctx, domain.ListOpts{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("collector: list crossed books: %w", err)
	}
	return snaps, nil
}

func (b *BookSnapshotter) snapshotToken(ctx context.Context, marketID, tokenID string, res *SnapshotResult) error {
	fetchCtx, cancel := context.WithTimeout(ctx, b.cfg.FetchTimeout)
	defer cancel()

	snap, err := b.fetcher.GetBook(fetchCtx, marketID, tokenID)
	if err != nil {
		return err
	}

	if snap.Crossed {
		res.Crossed++
		b.logger.Warn("collector: crossed book",
			slog.String("market_id", marketID),
			slog.String("token_id", tokenID),
			slog.Float64("best_bid", snap.BestBid),
			slog.Float64("best_ask", snap.BestAsk),
		)
	}

	if err := b.books.InsertIfAbsent(ctx, snap); err != nil {
		return err
	}
	res.Stored++

	if b.cache != nil {
		if err := b.cache.SetDepth(ctx, snap); err != nil {
			b.logger.Warn("collector: book cache set failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polyclawd/marketlab/internal/domain"
)

const (
	// historyFidelity is the price history sample resolution in minutes.
	historyFidelity = 1

	// rateLimitRetries bounds retry attempts on a rate-limited request.
	rateLimitRetries = 3

	// rateLimitBackoff is the initial pause after a 429, doubling per retry.
	rateLimitBackoff = 2 * time.Second

	// tradeBackfillLimit caps how many trades are pulled per token.
	tradeBackfillLimit = 500
)

// HistoryFetcher is the slice of the CLOB client the backfiller needs.
type HistoryFetcher interface {
	GetPriceHistory(ctx context.Context, tokenID string, from, to time.Time, fidelity int) ([]domain.PricePoint, error)
	GetTrades(ctx context.Context, marketID, tokenID string, limit int) ([]domain.Trade, error)
}

// MarketLookup resolves market metadata for the backfiller.
type MarketLookup interface {
	Get(ctx context.Context, id string) (domain.Market, error)
}

// BackfillOutcome classifies the result of backfilling one market.
type BackfillOutcome int

const (
	// BackfillDone means history was fetched and committed.
	BackfillDone BackfillOutcome = iota
	// BackfillAlreadyComplete means the market was previously backfilled
	// and nothing was written.
	BackfillAlreadyComplete
	// BackfillFailed means no data was committed.
	BackfillFailed
)

func (o BackfillOutcome) String() string {
	switch o {
	case BackfillDone:
		return "done"
	case BackfillAlreadyComplete:
		return "already_complete"
	case BackfillFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BackfillSummary aggregates a BackfillPending run.
type BackfillSummary struct {
	Succeeded int
	Skipped   int
	Failed    map[string]error
}

// BackfillerConfig tunes the history backfiller.
type BackfillerConfig struct {
	// Workers is the number of markets backfilled concurrently.
	Workers int
	// BatchLimit caps how many pending markets one BackfillPending run takes.
	BatchLimit int
}

// HistoryBackfiller fetches complete price history for markets and commits
// each market's history atomically: every price row plus the completion
// marker land in one transaction, so a crash mid-backfill leaves the market
// cleanly pending rather than half-filled.
type HistoryBackfiller struct {
	history  HistoryFetcher
	markets  MarketLookup
	backfill domain.BackfillStore
	trades   domain.TradeStore
	cfg      BackfillerConfig
	logger   *slog.Logger
}

// NewHistoryBackfiller creates a HistoryBackfiller. The trade store may be
// nil, in which case trade-tape backfill is skipped.
func NewHistoryBackfiller(
	history HistoryFetcher,
	markets MarketLookup,
	backfill domain.BackfillStore,
	trades domain.TradeStore,
	cfg BackfillerConfig,
	logger *slog.Logger,
) *HistoryBackfiller {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	return &HistoryBackfiller{
		history:  history,
		markets:  markets,
		backfill: backfill,
		trades:   trades,
		cfg:      cfg,
		logger:   logger,
	}
}

// Backfill fetches and commits the full price history for one market. A
// market already marked backfilled is skipped without any writes, so the
// operation is safe to re-run.
func (h *HistoryBackfiller) Backfill(ctx context.Context, marketID string) (BackfillOutcome, error) {
	done, err := h.backfill.IsBackfilled(ctx, marketID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return BackfillFailed, fmt.Errorf("collector: check backfilled %s: %w", marketID, err)
	}
	if done {
		return BackfillAlreadyComplete, nil
	}

	m, err := h.markets.Get(ctx, marketID)
	if err != nil {
		return BackfillFailed, fmt.Errorf("collector: backfill market lookup %s: %w", marketID, err)
	}

	from := m.CreatedAt
	if from.IsZero() {
		// No creation timestamp known; take a generous window.
		from = time.Now().AddDate(-1, 0, 0)
	}
	to := time.Now()
	if m.ResolvedAt != nil {
		to = *m.ResolvedAt
	}

	unit := domain.BackfillUnit{
		MarketID:        marketID,
		ResolvedOutcome: m.ResolvedOutcome,
		ResolvedAt:      m.ResolvedAt,
	}

	for _, tokenID := range m.TokenIDs {
		if tokenID == "" {
			continue
		}
		points, err := h.fetchHistory(ctx, tokenID, from, to)
		if err != nil {
			return BackfillFailed, fmt.Errorf("collector: backfill history %s/%s: %w", marketID, tokenID, err)
		}
		for _, p := range points {
			pc := domain.PriceChange{
				MarketID:  marketID,
				TokenID:   tokenID,
				Timestamp: p.Timestamp,
				Price:     p.Price,
			}
			if !pc.Valid() {
				h.logger.Warn("collector: skipping malformed history point",
					slog.String("market_id", marketID),
					slog.String("token_id", tokenID),
					slog.Time("ts", p.Timestamp),
					slog.Float64("price", p.Price),
				)
				continue
			}
			unit.Prices = append(unit.Prices, pc)
		}
	}

	if err := h.backfill.CommitBackfill(ctx, unit); err != nil {
		return BackfillFailed, fmt.Errorf("collector: commit backfill %s: %w", marketID, err)
	}

	// The trade tape is best-effort enrichment: a failure here leaves the
	// market backfilled, it only goes without recent trades.
	if h.trades != nil {
		h.backfillTrades(ctx, m)
	}

	h.logger.Info("collector: market backfilled",
		slog.String("market_id", marketID),
		slog.Int("prices", len(unit.Prices)),
		slog.Bool("resolved", unit.ResolvedOutcome != nil),
	)
	return BackfillDone, nil
}

// BackfillPending backfills up to BatchLimit pending markets with Workers
// concurrent fetchers. One market failing never stops the batch; failures
// are collected in the summary.
func (h *HistoryBackfiller) BackfillPending(ctx context.Context) (BackfillSummary, error) {
	pending, err := h.backfill.ListPending(ctx, h.cfg.BatchLimit)
	if err != nil {
		return BackfillSummary{}, fmt.Errorf("collector: list pending backfills: %w", err)
	}

	summary := BackfillSummary{Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Workers)

	for _, marketID := range pending {
		marketID := marketID
		g.Go(func() error {
			outcome, err := h.Backfill(gctx, marketID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed[marketID] = err
			case outcome == BackfillAlreadyComplete:
				summary.Skipped++
			default:
				summary.Succeeded++
			}
			// Individual failures are not propagated so the group keeps
			// draining; only context cancellation stops the batch.
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("collector: backfill batch: %w", err)
	}

	h.logger.Info("collector: backfill batch complete",
		slog.Int("pending", len(pending)),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", len(summary.Failed)),
	)
	return summary, nil
}

// backfillTrades pulls the recent trade tape for each outcome token and
// stores it. Failures are logged, never propagated.
func (h *HistoryBackfiller) backfillTrades(ctx context.Context, m domain.Market) {
	for _, tokenID := range m.TokenIDs {
		if tokenID == "" {
			continue
		}
		trades, err := h.history.GetTrades(ctx, m.ID, tokenID, tradeBackfillLimit)
		if err != nil {
			h.logger.Warn("collector: trade backfill fetch failed",
				slog.String("market_id", m.ID),
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if len(trades) == 0 {
			continue
		}
		if err := h.trades.InsertBatch(ctx, trades); err != nil {
			h.logger.Warn("collector: trade backfill insert failed",
				slog.String("market_id", m.ID),
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// fetchHistory wraps the history call with bounded retries on rate limits.
func (h *HistoryBackfiller) fetchHistory(ctx context.Context, tokenID string, from, to time.Time) ([]domain.PricePoint, error) {
	backoff := rateLimitBackoff

	for attempt := 0; ; attempt++ {
		points, err := h.history.GetPriceHistory(ctx, tokenID, from, to, historyFidelity)
		if err == nil {
			return points, nil
		}
		if !errors.Is(err, domain.ErrRateLimited) || attempt >= rateLimitRetries {
			return nil, err
		}

		h.logger.Warn("collector: rate limited, backing off",
			slog.String("token_id", tokenID),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polyclawd/marketlab/internal/backtest"
	"github.com/polyclawd/marketlab/internal/collector"
	"github.com/polyclawd/marketlab/internal/domain"
)

// CollectMode runs the live collection pipeline: catalog resync loop, tick
// ingestor, book snapshotter, and (when enabled) the cold-storage archiver,
// all under one errgroup so a fatal failure in any worker stops the rest.
func (a *App) CollectMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "collect mode starting")

	// Initial sweep so the collectors have markets to track.
	if _, err := deps.Catalog.Sync(ctx); err != nil {
		return fmt.Errorf("app: initial catalog sync: %w", err)
	}

	ingestor := collector.NewTickIngestor(
		deps.Feed,
		deps.Catalog,
		deps.PriceStore,
		deps.TradeStore,
		deps.PriceCache,
		collector.IngestorConfig{
			MarketLimit:  a.cfg.Collector.MarketLimit,
			FeedBuffer:   a.cfg.Collector.FeedBuffer,
			ReconnectMin: a.cfg.Collector.ReconnectMin.Duration,
			ReconnectMax: a.cfg.Collector.ReconnectMax.Duration,
		},
		a.logger.With(slog.String("component", "ingestor")),
	)
	snapshotter := collector.NewBookSnapshotter(
		deps.Clob,
		deps.Catalog,
		deps.BookStore,
		deps.BookCache,
		collector.SnapshotterConfig{
			MarketLimit:  a.cfg.Collector.MarketLimit,
			FetchTimeout: a.cfg.Collector.FetchTimeout.Duration,
		},
		a.logger.With(slog.String("component", "snapshotter")),
	)

	if err := ingestor.Start(ctx); err != nil {
		return fmt.Errorf("app: start ingestor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Catalog.RunLoop(gctx, a.cfg.Collector.SyncInterval.Duration)
	})
	g.Go(func() error {
		return snapshotter.RunForever(gctx, a.cfg.Collector.SnapshotInterval.Duration)
	})
	if deps.Archiver != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return deps.Archiver.RunLoop(gctx, a.cfg.Archive.Interval.Duration, retention)
		})
	}

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if stopErr := ingestor.Stop(stopCtx); stopErr != nil {
		a.logger.Error("app: ingestor stop failed", slog.String("error", stopErr.Error()))
	}

	// Shutdown summary: crossed books on record are worth a manual look for
	// arbitrage opportunities.
	if crossed, cerr := snapshotter.CrossedBooks(stopCtx, 100); cerr != nil {
		a.logger.Warn("app: crossed book summary failed", slog.String("error", cerr.Error()))
	} else if len(crossed) > 0 {
		a.logger.Info("app: crossed books on record", slog.Int("count", len(crossed)))
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// BackfillMode refreshes the catalog and then backfills pending markets
// once, returning when the batch completes.
func (a *App) BackfillMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "backfill mode starting")

	if _, err := deps.Catalog.Sync(ctx); err != nil {
		return fmt.Errorf("app: catalog sync: %w", err)
	}

	backfiller := collector.NewHistoryBackfiller(
		deps.Clob,
		deps.Catalog,
		deps.BackfillStore,
		deps.TradeStore,
		collector.BackfillerConfig{
			Workers:    a.cfg.Backfill.Workers,
			BatchLimit: a.cfg.Backfill.BatchLimit,
		},
		a.logger.With(slog.String("component", "backfiller")),
	)

	summary, err := backfiller.BackfillPending(ctx)
	if err != nil {
		return fmt.Errorf("app: backfill: %w", err)
	}

	for marketID, ferr := range summary.Failed {
		a.logger.Warn("app: backfill failure",
			slog.String("market_id", marketID),
			slog.String("error", ferr.Error()),
		)
	}
	a.logger.InfoContext(ctx, "backfill mode finished",
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", len(summary.Failed)),
	)
	return nil
}

// BacktestMode loads the configured replay window, runs the strategy, and
// logs the report.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "backtest mode starting",
		slog.String("strategy", a.cfg.Backtest.Strategy),
	)

	strategy, err := backtest.NewStrategy(a.cfg.Backtest.Strategy)
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	slippage, err := backtest.NewSlippageModel(
		a.cfg.Backtest.Slippage.BaseRate,
		a.cfg.Backtest.Slippage.ImpactCoefficient,
		a.cfg.Backtest.Slippage.LiquidityScale,
	)
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	engine, err := backtest.NewEngine(backtest.EngineConfig{
		InitialCapital: a.cfg.Backtest.InitialCapital,
		OrderSize:      a.cfg.Backtest.OrderSize,
		Slippage:       slippage,
	}, a.logger.With(slog.String("component", "engine")))
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	marketIDs := a.cfg.Backtest.Markets
	if len(marketIDs) == 0 {
		marketIDs, err = a.backfilledMarkets(ctx, deps)
		if err != nil {
			return fmt.Errorf("app: backtest: %w", err)
		}
	}
	if len(marketIDs) == 0 {
		return fmt.Errorf("app: backtest: no backfilled markets to replay")
	}

	from, to, err := a.cfg.Backtest.TimeRange()
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	loader := backtest.NewLoader(deps.PriceStore, deps.BookStore,
		a.logger.With(slog.String("component", "loader")))
	data, err := loader.Load(ctx, marketIDs, domain.TimeRange{From: from, To: to})
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	report, err := engine.Run(ctx, strategy, data)
	if report != nil {
		a.logReport(report)
	}
	if err != nil {
		return fmt.Errorf("app: backtest run: %w", err)
	}
	return nil
}

// FullMode runs collection alongside a periodic backfill sweep.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.CollectMode(gctx, deps)
	})
	g.Go(func() error {
		backfiller := collector.NewHistoryBackfiller(
			deps.Clob,
			deps.Catalog,
			deps.BackfillStore,
			deps.TradeStore,
			collector.BackfillerConfig{
				Workers:    a.cfg.Backfill.Workers,
				BatchLimit: a.cfg.Backfill.BatchLimit,
			},
			a.logger.With(slog.String("component", "backfiller")),
		)

		ticker := time.NewTicker(a.cfg.Collector.SyncInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
			if _, err := backfiller.BackfillPending(gctx); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				a.logger.Error("app: periodic backfill failed",
					slog.String("error", err.Error()),
				)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// backfilledMarkets lists fully backfilled markets to replay when no
// explicit market set is configured.
func (a *App) backfilledMarkets(ctx context.Context, deps *Dependencies) ([]string, error) {
	markets, err := deps.MarketStore.ListBackfilled(ctx, domain.ListOpts{Limit: a.cfg.Collector.MarketLimit})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(markets))
	for _, m := range markets {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// logReport emits the performance summary of a finished run.
func (a *App) logReport(r *backtest.Report) {
	a.logger.Info("backtest report",
		slog.String("run_id", r.RunID),
		slog.String("strategy", r.Strategy),
		slog.String("state", string(r.State)),
		slog.String("reason", r.Reason),
		slog.Int("events", r.Events),
		slog.Int("markets", r.Markets),
		slog.Int("signals_generated", r.SignalsGenerated),
		slog.Int("signals_executed", r.SignalsExecuted),
		slog.Float64("slippage_paid", r.SlippagePaid),
		slog.Int("trades", r.TotalTrades),
		slog.Float64("win_rate", r.WinRate),
		slog.Float64("total_pnl", r.TotalPnL),
		slog.Float64("sharpe", r.Sharpe),
		slog.Float64("max_drawdown", r.MaxDrawdown),
		slog.Float64("final_capital", r.FinalCapital),
		slog.Float64("return_pct", r.ReturnPct),
	)
}

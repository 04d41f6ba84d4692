package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyclawd/marketlab/internal/domain"
)

// State is the engine lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// EngineConfig tunes a backtest run.
type EngineConfig struct {
	// InitialCapital is the starting bankroll in dollars.
	InitialCapital float64
	// OrderSize is the default notional per order when a strategy does not
	// specify one.
	OrderSize float64
	// Slippage prices execution cost. Nil uses the default model.
	Slippage *SlippageModel
}

// ReplayData is the event set one run replays. Books are optional; when
// present they supply per-token depth for slippage.
type ReplayData struct {
	Prices []domain.PriceChange
	Books  []domain.BookSnapshot
}

// position is one open lot.
type position struct {
	marketID   string
	tokenID    string
	side       domain.OrderSide
	shares     float64
	entryPrice float64
	notional   float64
	entryTime  time.Time
}

// Engine replays price history through a strategy and produces a
// performance report. A single engine runs once: Idle -> Running ->
// Completed or Aborted. Events are replayed in non-decreasing timestamp
// order across markets, ties broken by market ID then sequence number, so
// a run over the same data is deterministic and a strategy never observes
// an event out of order.
type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// NewEngine validates the configuration and returns an idle engine.
func NewEngine(cfg EngineConfig, logger *slog.Logger) (*Engine, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("backtest: %w: initial capital must be positive, got %v",
			domain.ErrInvalidConfig, cfg.InitialCapital)
	}
	if cfg.OrderSize <= 0 {
		return nil, fmt.Errorf("backtest: %w: order size must be positive, got %v",
			domain.ErrInvalidConfig, cfg.OrderSize)
	}
	if cfg.OrderSize > cfg.InitialCapital {
		return nil, fmt.Errorf("backtest: %w: order size %v exceeds initial capital %v",
			domain.ErrInvalidConfig, cfg.OrderSize, cfg.InitialCapital)
	}
	if cfg.Slippage == nil {
		cfg.Slippage = DefaultSlippageModel()
	}
	return &Engine{cfg: cfg, logger: logger, state: StateIdle}, nil
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run replays the data through the strategy. It returns the report in every
// terminal state: a completed run returns (report, nil), an aborted run
// returns the partial report alongside the abort cause. Cancelling the
// context stops the run gracefully: positions are finalized at the last
// price and the run counts as Completed with Reason set.
func (e *Engine) Run(ctx context.Context, strategy Strategy, data ReplayData) (*Report, error) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return nil, fmt.Errorf("backtest: engine already %s", e.state)
	}
	e.state = StateRunning
	e.mu.Unlock()

	report := &Report{
		RunID:          uuid.NewString(),
		Strategy:       strategy.Name(),
		StartedAt:      time.Now().UTC(),
		InitialCapital: e.cfg.InitialCapital,
		FinalCapital:   e.cfg.InitialCapital,
	}

	prices := make([]domain.PriceChange, len(data.Prices))
	copy(prices, data.Prices)
	sort.SliceStable(prices, func(i, j int) bool {
		a, b := prices[i], prices[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.Seq < b.Seq
	})

	books := make([]domain.BookSnapshot, len(data.Books))
	copy(books, data.Books)
	sort.SliceStable(books, func(i, j int) bool {
		return books[i].Timestamp.Before(books[j].Timestamp)
	})

	run := &runState{
		capital:   e.cfg.InitialCapital,
		lastPrice: make(map[string]tickRef),
		positions: make(map[string]*position),
		ticks:     make(map[string]int),
		depth:     make(map[string]domain.BookSnapshot),
		markets:   make(map[string]struct{}),
		equity:    []float64{e.cfg.InitialCapital},
	}

	bookIdx := 0
	for _, ev := range prices {
		// Cancellation is a stop request, not a failure: finalize what has
		// been replayed so far and complete.
		if err := ctx.Err(); err != nil {
			return e.stopEarly(report, run, fmt.Sprintf("stopped: %v", err)), nil
		}
		if !ev.Valid() {
			err := fmt.Errorf("backtest: %w: market=%s token=%s ts=%v price=%v",
				domain.ErrMalformedRecord, ev.MarketID, ev.TokenID, ev.Timestamp, ev.Price)
			return e.abort(report, run, err.Error()), err
		}

		// Advance book state up to the event's timestamp so depth lookups
		// never see the future.
		for bookIdx < len(books) && !books[bookIdx].Timestamp.After(ev.Timestamp) {
			run.depth[books[bookIdx].TokenID] = books[bookIdx]
			bookIdx++
		}

		run.markets[ev.MarketID] = struct{}{}
		key := ev.MarketID + "/" + ev.TokenID
		run.ticks[key]++
		run.lastPrice[ev.TokenID] = tickRef{price: ev.Price, ts: ev.Timestamp}
		report.Events++
		if report.From.IsZero() {
			report.From = ev.Timestamp
		}
		report.To = ev.Timestamp

		orders := strategy.OnEvent(TickView{
			Event:       ev,
			Clock:       ev.Timestamp,
			Tick:        run.ticks[key],
			HasPosition: run.positions[ev.MarketID] != nil,
		})
		report.SignalsGenerated += len(orders)
		for _, o := range orders {
			e.execute(run, report, o, ev)
		}
	}

	e.finalize(report, run)

	e.mu.Lock()
	e.state = StateCompleted
	e.mu.Unlock()
	report.State = StateCompleted
	report.FinishedAt = time.Now().UTC()

	e.logger.Info("backtest: run complete",
		slog.String("run_id", report.RunID),
		slog.String("strategy", report.Strategy),
		slog.Int("events", report.Events),
		slog.Int("trades", report.TotalTrades),
		slog.Float64("return_pct", report.ReturnPct),
	)
	return report, nil
}

// tickRef is the last observed price for a token.
type tickRef struct {
	price float64
	ts    time.Time
}

// runState is the mutable state of one replay.
type runState struct {
	capital   float64
	lastPrice map[string]tickRef
	positions map[string]*position
	ticks     map[string]int
	depth     map[string]domain.BookSnapshot
	markets   map[string]struct{}
	equity    []float64
}

// execute fills an order at the slippage-adjusted price. Orders the bankroll
// cannot cover are skipped, not partially filled.
func (e *Engine) execute(run *runState, report *Report, o Order, ev domain.PriceChange) {
	if run.positions[o.MarketID] != nil {
		return // one open position per market
	}

	notional := o.Notional
	if notional <= 0 {
		notional = e.cfg.OrderSize
	}
	if notional > run.capital {
		e.logger.Debug("backtest: order skipped, insufficient capital",
			slog.String("market_id", o.MarketID),
			slog.Float64("notional", notional),
			slog.Float64("capital", run.capital),
		)
		return
	}

	tokenID := o.TokenID
	if tokenID == "" {
		tokenID = ev.TokenID
	}

	var liquidity float64
	if book, ok := run.depth[tokenID]; ok {
		liquidity = book.DepthForSide(o.Side)
	}
	fraction := e.cfg.Slippage.FractionWithDepth(notional, liquidity)
	fillPrice := e.cfg.Slippage.Apply(ev.Price, o.Side, fraction)

	var shares float64
	if o.Side == domain.OrderSideBuy {
		if fillPrice <= 0 {
			return
		}
		shares = notional / fillPrice
	} else {
		complement := 1 - fillPrice
		if complement <= 0 {
			return
		}
		shares = notional / complement
	}

	slip := (fillPrice - ev.Price) * shares
	if o.Side == domain.OrderSideSell {
		slip = (ev.Price - fillPrice) * shares
	}
	report.SlippagePaid += slip
	report.SignalsExecuted++

	run.capital -= notional
	run.positions[o.MarketID] = &position{
		marketID:   o.MarketID,
		tokenID:    tokenID,
		side:       o.Side,
		shares:     shares,
		entryPrice: fillPrice,
		notional:   notional,
		entryTime:  ev.Timestamp,
	}
}

// closePosition realizes a position at the given exit price.
func (e *Engine) closePosition(run *runState, report *Report, pos *position, exitPrice float64, exitTime time.Time, finalized bool) {
	var pnl float64
	if pos.side == domain.OrderSideBuy {
		pnl = (exitPrice - pos.entryPrice) * pos.shares
	} else {
		pnl = (pos.entryPrice - exitPrice) * pos.shares
	}

	run.capital += pos.notional + pnl
	run.equity = append(run.equity, run.capital)

	report.Trades = append(report.Trades, ClosedTrade{
		MarketID:   pos.marketID,
		TokenID:    pos.tokenID,
		Side:       pos.side,
		EntryTime:  pos.entryTime,
		ExitTime:   exitTime,
		EntryPrice: pos.entryPrice,
		ExitPrice:  exitPrice,
		Notional:   pos.notional,
		Shares:     pos.shares,
		PnL:        pnl,
		Finalized:  finalized,
	})
	delete(run.positions, pos.marketID)
}

// finalize closes every open position at its token's last observed price
// and computes the report metrics.
func (e *Engine) finalize(report *Report, run *runState) {
	for _, pos := range sortedPositions(run.positions) {
		last, ok := run.lastPrice[pos.tokenID]
		if !ok {
			last = tickRef{price: pos.entryPrice, ts: pos.entryTime}
		}
		e.closePosition(run, report, pos, last.price, last.ts, true)
	}

	report.Markets = len(run.markets)
	report.FinalCapital = run.capital
	report.computeMetrics(run.equity)
}

// stopEarly finalizes on an external stop request: open positions are
// marked to the last observed price and the run completes over what was
// replayed so far.
func (e *Engine) stopEarly(report *Report, run *runState, reason string) *Report {
	e.finalize(report, run)

	e.mu.Lock()
	e.state = StateCompleted
	e.mu.Unlock()
	report.State = StateCompleted
	report.Reason = reason
	report.FinishedAt = time.Now().UTC()

	e.logger.Info("backtest: run stopped early",
		slog.String("run_id", report.RunID),
		slog.String("reason", reason),
		slog.Int("events", report.Events),
	)
	return report
}

// abort finalizes the partial report and moves the engine to Aborted.
func (e *Engine) abort(report *Report, run *runState, reason string) *Report {
	e.finalize(report, run)

	e.mu.Lock()
	e.state = StateAborted
	e.mu.Unlock()
	report.State = StateAborted
	report.Reason = reason
	report.FinishedAt = time.Now().UTC()

	e.logger.Warn("backtest: run aborted",
		slog.String("run_id", report.RunID),
		slog.String("reason", reason),
		slog.Int("events", report.Events),
	)
	return report
}

// sortedPositions returns open positions in market ID order so finalization
// is deterministic.
func sortedPositions(m map[string]*position) []*position {
	out := make([]*position, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].marketID < out[j].marketID })
	return out
}

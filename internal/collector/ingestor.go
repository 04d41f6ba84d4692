// Package collector contains the data collection workers: the live tick
// ingestor, the orderbook snapshotter, and the history backfiller.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polyclawd/marketlab/internal/domain"
	"github.com/polyclawd/marketlab/internal/platform/polymarket"
)

const (
	// flushBatch is the maximum number of queued events written per store call.
	flushBatch = 200

	// flushInterval bounds how long a queued event waits before being written.
	flushInterval = time.Second
)

// Feed is the slice of the WebSocket client the ingestor needs.
type Feed interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, assetIDs []string) error
	Close() error
	OnPriceChange(polymarket.PriceChangeHandler)
	OnTrade(polymarket.TradeHandler)
	OnDisconnect(polymarket.DisconnectHandler)
}

// MarketResolver is the slice of the catalog the collectors need.
type MarketResolver interface {
	GetByToken(ctx context.Context, tokenID string) (domain.Market, error)
	Ensure(ctx context.Context, id string) (domain.Market, error)
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
}

// IngestorHealth is a point-in-time view of the ingestor's feed and queue.
type IngestorHealth struct {
	Connected   bool
	QueueDepth  int
	Ingested    int64
	Dropped     int64
	Reconnects  int64
	LastEventAt time.Time
}

// IngestorConfig tunes the tick ingestor.
type IngestorConfig struct {
	// MarketLimit caps how many active markets are subscribed.
	MarketLimit int
	// FeedBuffer is the in-flight event queue size.
	FeedBuffer int
	// ReconnectMin/Max bound the reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// feedEvent is one queued item: exactly one of the fields is set.
type feedEvent struct {
	price *domain.PriceChange
	trade *domain.Trade
}

// TickIngestor consumes the real-time WebSocket feed and persists price
// changes and trades. Events flow through a bounded queue; when the queue is
// full new events are dropped and counted rather than blocking the feed
// reader. Disconnects trigger reconnection with exponential backoff, and the
// feed client restores subscriptions on reconnect.
type TickIngestor struct {
	feed    Feed
	catalog MarketResolver
	prices  domain.PriceStore
	trades  domain.TradeStore
	cache   domain.PriceCache
	cfg     IngestorConfig
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	queue   chan feedEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	accepting atomic.Bool

	connected   atomic.Bool
	ingested    atomic.Int64
	dropped     atomic.Int64
	reconnects  atomic.Int64
	lastEventNs atomic.Int64
}

// NewTickIngestor creates a TickIngestor. The price cache may be nil, in
// which case latest-price mirroring is skipped.
func NewTickIngestor(
	feed Feed,
	catalog MarketResolver,
	prices domain.PriceStore,
	trades domain.TradeStore,
	cache domain.PriceCache,
	cfg IngestorConfig,
	logger *slog.Logger,
) *TickIngestor {
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = 4096
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 60 * time.Second
	}
	return &TickIngestor{
		feed:    feed,
		catalog: catalog,
		prices:  prices,
		trades:  trades,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start connects the feed, subscribes to the tracked markets' tokens, and
// begins consuming events. Calling Start on a running ingestor is a no-op.
func (t *TickIngestor) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}
	if t.stopped {
		return fmt.Errorf("collector: ingestor already stopped")
	}

	markets, err := t.catalog.ListActive(ctx, domain.ListOpts{Limit: t.cfg.MarketLimit})
	if err != nil {
		return fmt.Errorf("collector: list markets to ingest: %w", err)
	}
	assetIDs := tokenIDs(markets)
	if len(assetIDs) == 0 {
		return fmt.Errorf("collector: no markets to ingest")
	}

	t.queue = make(chan feedEvent, t.cfg.FeedBuffer)
	t.stopCh = make(chan struct{})
	t.accepting.Store(true)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	t.feed.OnPriceChange(func(pc domain.PriceChange) {
		t.enqueue(feedEvent{price: &pc})
	})
	t.feed.OnTrade(func(tr domain.Trade) {
		t.enqueue(feedEvent{trade: &tr})
	})
	t.feed.OnDisconnect(func(err error) {
		t.connected.Store(false)
		t.logger.Warn("collector: feed disconnected",
			slog.String("error", err.Error()),
		)
		go t.reconnectLoop(runCtx)
	})

	if err := t.feed.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("collector: connect feed: %w", err)
	}
	if err := t.feed.Subscribe(ctx, assetIDs); err != nil {
		cancel()
		_ = t.feed.Close()
		return fmt.Errorf("collector: subscribe feed: %w", err)
	}
	t.connected.Store(true)

	t.wg.Add(1)
	go t.consume(runCtx)

	t.started = true
	t.logger.Info("collector: ingestor started",
		slog.Int("markets", len(markets)),
		slog.Int("tokens", len(assetIDs)),
	)
	return nil
}

// Stop closes the feed, drains the queue, and waits for the consumer to
// finish writing. Safe to call more than once.
func (t *TickIngestor) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	t.accepting.Store(false)
	err := t.feed.Close()
	close(t.stopCh)

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.cancel()
		return fmt.Errorf("collector: stop ingestor: %w", ctx.Err())
	}

	t.cancel()
	t.connected.Store(false)
	t.logger.Info("collector: ingestor stopped",
		slog.Int64("ingested", t.ingested.Load()),
		slog.Int64("dropped", t.dropped.Load()),
	)
	return err
}

// Health reports the current feed and queue state.
func (t *TickIngestor) Health() IngestorHealth {
	h := IngestorHealth{
		Connected:  t.connected.Load(),
		QueueDepth: len(t.queue),
		Ingested:   t.ingested.Load(),
		Dropped:    t.dropped.Load(),
		Reconnects: t.reconnects.Load(),
	}
	if ns := t.lastEventNs.Load(); ns > 0 {
		h.LastEventAt = time.Unix(0, ns)
	}
	return h
}

// enqueue adds an event to the queue, dropping it when the queue is full or
// the ingestor is shutting down.
func (t *TickIngestor) enqueue(ev feedEvent) {
	if !t.accepting.Load() {
		t.dropped.Add(1)
		return
	}
	select {
	case t.queue <- ev:
	default:
		t.dropped.Add(1)
	}
}

// consume drains the queue, batching writes to the stores. It exits when
// the queue is closed, flushing whatever remains.
func (t *TickIngestor) consume(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var prices []domain.PriceChange
	var trades []domain.Trade

	// Timestamps within a (market, token) stream must be non-decreasing;
	// a regression is a feed integrity anomaly, skipped rather than stored.
	lastTS := make(map[string]time.Time)

	flush := func() {
		if len(prices) > 0 {
			t.flushPrices(ctx, prices)
			prices = prices[:0]
		}
		if len(trades) > 0 {
			t.flushTrades(ctx, trades)
			trades = trades[:0]
		}
	}

	handle := func(ev feedEvent) {
		switch {
		case ev.price != nil:
			pc := *ev.price
			if !pc.Valid() {
				t.logger.Warn("collector: dropping malformed price change",
					slog.String("market_id", pc.MarketID),
					slog.String("token_id", pc.TokenID),
				)
				return
			}
			key := pc.MarketID + "/" + pc.TokenID
			if last, ok := lastTS[key]; ok && pc.Timestamp.Before(last) {
				t.logger.Warn("collector: dropping out-of-order price change",
					slog.String("market_id", pc.MarketID),
					slog.String("token_id", pc.TokenID),
					slog.Time("ts", pc.Timestamp),
					slog.Time("last_ts", last),
					slog.String("error", domain.ErrStaleTimestamp.Error()),
				)
				return
			}
			lastTS[key] = pc.Timestamp
			t.ensureKnown(ctx, pc.MarketID)
			prices = append(prices, pc)
			t.lastEventNs.Store(pc.Timestamp.UnixNano())
		case ev.trade != nil:
			trades = append(trades, *ev.trade)
			t.lastEventNs.Store(ev.trade.Timestamp.UnixNano())
		}
	}

	for {
		select {
		case ev := <-t.queue:
			handle(ev)
			if len(prices)+len(trades) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-t.stopCh:
			// Drain whatever is still queued, then write it out.
			for {
				select {
				case ev := <-t.queue:
					handle(ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushPrices writes a batch of price changes and mirrors the newest price
// per token into the cache. Store failures are logged; the batch is dropped
// rather than retried since the feed will keep producing.
func (t *TickIngestor) flushPrices(ctx context.Context, batch []domain.PriceChange) {
	inserted, err := t.prices.InsertIfAbsent(ctx, batch)
	if err != nil {
		t.logger.Error("collector: insert price changes failed",
			slog.Int("batch", len(batch)),
			slog.String("error", err.Error()),
		)
		return
	}
	t.ingested.Add(inserted)

	if t.cache == nil {
		return
	}
	latest := make(map[string]domain.PriceChange, len(batch))
	for _, pc := range batch {
		if cur, ok := latest[pc.TokenID]; !ok || pc.Timestamp.After(cur.Timestamp) {
			latest[pc.TokenID] = pc
		}
	}
	for tokenID, pc := range latest {
		if err := t.cache.SetPrice(ctx, tokenID, pc.Price, pc.Timestamp); err != nil {
			t.logger.Warn("collector: price cache set failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (t *TickIngestor) flushTrades(ctx context.Context, batch []domain.Trade) {
	if t.trades == nil {
		return
	}
	if err := t.trades.InsertBatch(ctx, batch); err != nil {
		t.logger.Error("collector: insert trades failed",
			slog.Int("batch", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

// ensureKnown registers a market the catalog has not seen yet. The feed can
// reference markets ahead of the next sync sweep.
func (t *TickIngestor) ensureKnown(ctx context.Context, marketID string) {
	if _, err := t.catalog.Ensure(ctx, marketID); err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Warn("collector: ensure market failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

// reconnectLoop re-establishes the feed connection with exponential backoff
// between ReconnectMin and ReconnectMax. The feed client restores the
// subscription set on a successful connect.
func (t *TickIngestor) reconnectLoop(ctx context.Context) {
	delay := t.cfg.ReconnectMin

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := t.feed.Connect(connectCtx)
		cancel()

		if err == nil {
			t.connected.Store(true)
			t.reconnects.Add(1)
			t.logger.Info("collector: feed reconnected")
			return
		}

		t.logger.Warn("collector: reconnect failed",
			slog.Duration("next_delay", delay),
			slog.String("error", err.Error()),
		)
		delay *= 2
		if delay > t.cfg.ReconnectMax {
			delay = t.cfg.ReconnectMax
		}
	}
}

// tokenIDs collects the outcome token IDs across markets, skipping blanks.
func tokenIDs(markets []domain.Market) []string {
	out := make([]string, 0, 2*len(markets))
	for _, m := range markets {
		for _, id := range m.TokenIDs {
			if id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

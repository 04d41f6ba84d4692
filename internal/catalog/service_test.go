package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyclawd/marketlab/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockFetcher serves markets from a canned list, one page at a time.
type mockFetcher struct {
	markets   []domain.Market
	pageCalls int
	getCalls  int
	getErr    error
}

func (f *mockFetcher) GetActiveMarkets(ctx context.Context, limit, offset int) ([]domain.Market, error) {
	f.pageCalls++
	if offset >= len(f.markets) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.markets) {
		end = len(f.markets)
	}
	return f.markets[offset:end], nil
}

func (f *mockFetcher) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	f.getCalls++
	if f.getErr != nil {
		return domain.Market{}, f.getErr
	}
	for _, m := range f.markets {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

// mockMarketStore is an in-memory domain.MarketStore.
type mockMarketStore struct {
	byID       map[string]domain.Market
	upsertErr  error
	countCalls int
}

func newMockMarketStore() *mockMarketStore {
	return &mockMarketStore{byID: make(map[string]domain.Market)}
}

func (s *mockMarketStore) Upsert(ctx context.Context, m domain.Market) error {
	return s.UpsertBatch(ctx, []domain.Market{m})
}

func (s *mockMarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for _, m := range markets {
		s.byID[m.ID] = m
	}
	return nil
}

func (s *mockMarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, ok := s.byID[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *mockMarketStore) GetByTokenID(ctx context.Context, tokenID string) (domain.Market, error) {
	for _, m := range s.byID {
		if m.TokenIDs[0] == tokenID || m.TokenIDs[1] == tokenID {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (s *mockMarketStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range s.byID {
		if m.Status == domain.MarketStatusActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *mockMarketStore) ListBackfilled(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range s.byID {
		if m.Backfilled {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *mockMarketStore) Count(ctx context.Context) (int64, error) {
	s.countCalls++
	return int64(len(s.byID)), nil
}

// mockMarketCache is an in-memory domain.MarketCache.
type mockMarketCache struct {
	byID        map[string]domain.Market
	invalidated []string
}

func newMockMarketCache() *mockMarketCache {
	return &mockMarketCache{byID: make(map[string]domain.Market)}
}

func (c *mockMarketCache) Set(ctx context.Context, m domain.Market) error {
	c.byID[m.ID] = m
	return nil
}

func (c *mockMarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	m, ok := c.byID[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *mockMarketCache) GetByToken(ctx context.Context, tokenID string) (domain.Market, error) {
	for _, m := range c.byID {
		if m.TokenIDs[0] == tokenID || m.TokenIDs[1] == tokenID {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (c *mockMarketCache) Invalidate(ctx context.Context, id string) error {
	delete(c.byID, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

func mkMarket(id string) domain.Market {
	return domain.Market{
		ID:       id,
		Question: "q-" + id,
		TokenIDs: [2]string{id + "-yes", id + "-no"},
		Status:   domain.MarketStatusActive,
	}
}

func TestSyncIngestsAllPages(t *testing.T) {
	var markets []domain.Market
	for i := 0; i < 250; i++ {
		markets = append(markets, mkMarket(fmt.Sprintf("m%03d", i)))
	}
	fetcher := &mockFetcher{markets: markets}
	store := newMockMarketStore()
	cache := newMockMarketCache()

	svc := NewService(fetcher, store, cache, 1000, testLogger())

	n, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Len(t, store.byID, 250)
	assert.GreaterOrEqual(t, fetcher.pageCalls, 3)
	// Sync reports the store-wide total alongside the swept count.
	assert.Equal(t, 1, store.countCalls)
}

func TestSyncHonorsMarketLimit(t *testing.T) {
	var markets []domain.Market
	for i := 0; i < 300; i++ {
		markets = append(markets, mkMarket(fmt.Sprintf("m%03d", i)))
	}
	fetcher := &mockFetcher{markets: markets}
	store := newMockMarketStore()

	svc := NewService(fetcher, store, newMockMarketCache(), 150, testLogger())

	n, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 150, n)
	assert.Len(t, store.byID, 150)
}

func TestSyncSkipsMarketsWithoutTokens(t *testing.T) {
	incomplete := mkMarket("m1")
	incomplete.TokenIDs = [2]string{"only-yes", ""}
	fetcher := &mockFetcher{markets: []domain.Market{incomplete, mkMarket("m2")}}
	store := newMockMarketStore()

	svc := NewService(fetcher, store, newMockMarketCache(), 100, testLogger())

	n, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.GetByID(context.Background(), "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSyncInvalidatesCache(t *testing.T) {
	fetcher := &mockFetcher{markets: []domain.Market{mkMarket("m1")}}
	store := newMockMarketStore()
	cache := newMockMarketCache()
	// Seed a stale entry.
	stale := mkMarket("m1")
	stale.Question = "stale"
	require.NoError(t, cache.Set(context.Background(), stale))

	svc := NewService(fetcher, store, cache, 100, testLogger())

	_, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Contains(t, cache.invalidated, "m1")
	_, err = cache.Get(context.Background(), "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetFallsBackToStoreAndFillsCache(t *testing.T) {
	store := newMockMarketStore()
	require.NoError(t, store.Upsert(context.Background(), mkMarket("m1")))
	cache := newMockMarketCache()

	svc := NewService(&mockFetcher{}, store, cache, 100, testLogger())

	m, err := svc.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)

	// Cache was back-filled.
	cached, err := cache.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", cached.ID)
}

func TestEnsureFetchesUnknownMarket(t *testing.T) {
	fetcher := &mockFetcher{markets: []domain.Market{mkMarket("m9")}}
	store := newMockMarketStore()

	svc := NewService(fetcher, store, newMockMarketCache(), 100, testLogger())

	m, err := svc.Ensure(context.Background(), "m9")
	require.NoError(t, err)
	assert.Equal(t, "m9", m.ID)
	assert.Equal(t, 1, fetcher.getCalls)

	// Now persisted: a second Ensure never hits the API again.
	_, err = svc.Ensure(context.Background(), "m9")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.getCalls)
}

func TestEnsurePropagatesFetchError(t *testing.T) {
	fetchErr := errors.New("gamma down")
	fetcher := &mockFetcher{getErr: fetchErr}

	svc := NewService(fetcher, newMockMarketStore(), newMockMarketCache(), 100, testLogger())

	_, err := svc.Ensure(context.Background(), "m9")
	assert.ErrorIs(t, err, fetchErr)
}

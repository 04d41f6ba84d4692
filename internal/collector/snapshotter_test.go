package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyclawd/marketlab/internal/domain"
)

// mockBookFetcher returns canned books per token, or an error.
type mockBookFetcher struct {
	books map[string]domain.BookSnapshot
	errs  map[string]error
}

func (f *mockBookFetcher) GetBook(ctx context.Context, marketID, tokenID string) (domain.BookSnapshot, error) {
	if err, ok := f.errs[tokenID]; ok {
		return domain.BookSnapshot{}, err
	}
	snap, ok := f.books[tokenID]
	if !ok {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	snap.MarketID = marketID
	snap.TokenID = tokenID
	return snap, nil
}

// mockBookStore records inserted snapshots.
type mockBookStore struct {
	mu       sync.Mutex
	inserted []domain.BookSnapshot
}

func (s *mockBookStore) InsertIfAbsent(ctx context.Context, snap domain.BookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, snap)
	return nil
}

func (s *mockBookStore) ReadRange(ctx context.Context, marketID string, tr domain.TimeRange) ([]domain.BookSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BookSnapshot
	for _, b := range s.inserted {
		if b.MarketID == marketID && tr.Contains(b.Timestamp) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *mockBookStore) ListCrossed(ctx context.Context, opts domain.ListOpts) ([]domain.BookSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BookSnapshot
	for _, b := range s.inserted {
		if !b.Crossed {
			continue
		}
		out = append(out, b)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *mockBookStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.BookSnapshot, error) {
	return nil, nil
}

// mockBookCache records the latest snapshot per token.
type mockBookCache struct {
	mu    sync.Mutex
	byTok map[string]domain.BookSnapshot
}

func newMockBookCache() *mockBookCache {
	return &mockBookCache{byTok: make(map[string]domain.BookSnapshot)}
}

func (c *mockBookCache) SetDepth(ctx context.Context, snap domain.BookSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTok[snap.TokenID] = snap
	return nil
}

func (c *mockBookCache) GetDepth(ctx context.Context, tokenID string) (domain.BookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.byTok[tokenID]
	if !ok {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func testBook(bid, ask float64) domain.BookSnapshot {
	snap := domain.BookSnapshot{
		Timestamp: time.Now().UTC(),
		Bids:      []domain.PriceLevel{{Price: bid, Size: 100}},
		Asks:      []domain.PriceLevel{{Price: ask, Size: 100}},
	}
	snap.ComputeStats()
	return snap
}

func TestSnapshotterRunOnceStoresAllBooks(t *testing.T) {
	resolver := &mockResolver{markets: []domain.Market{activeMarket("m1"), activeMarket("m2")}}
	fetcher := &mockBookFetcher{books: map[string]domain.BookSnapshot{
		"m1-yes": testBook(0.60, 0.63),
		"m1-no":  testBook(0.37, 0.40),
		"m2-yes": testBook(0.10, 0.12),
		"m2-no":  testBook(0.88, 0.90),
	}}
	store := &mockBookStore{}
	cache := newMockBookCache()

	snapper := NewBookSnapshotter(fetcher, resolver, store, cache,
		SnapshotterConfig{MarketLimit: 10}, testLogger())

	res, err := snapper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Markets)
	assert.Equal(t, 4, res.Stored)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 0, res.Crossed)
	assert.Len(t, store.inserted, 4)

	// Cache mirrors the latest depth.
	cached, err := cache.GetDepth(context.Background(), "m1-yes")
	require.NoError(t, err)
	assert.InDelta(t, 0.60, cached.BestBid, 1e-9)
}

func TestSnapshotterIsolatesPerMarketFailures(t *testing.T) {
	resolver := &mockResolver{markets: []domain.Market{activeMarket("m1"), activeMarket("m2")}}
	fetcher := &mockBookFetcher{
		books: map[string]domain.BookSnapshot{
			"m2-yes": testBook(0.5, 0.52),
			"m2-no":  testBook(0.48, 0.50),
		},
		errs: map[string]error{
			"m1-yes": errors.New("upstream 500"),
			"m1-no":  errors.New("upstream 500"),
		},
	}
	store := &mockBookStore{}

	snapper := NewBookSnapshotter(fetcher, resolver, store, nil,
		SnapshotterConfig{MarketLimit: 10}, testLogger())

	res, err := snapper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.Stored)
}

func TestSnapshotterCountsCrossedBooks(t *testing.T) {
	resolver := &mockResolver{markets: []domain.Market{activeMarket("m1")}}
	fetcher := &mockBookFetcher{books: map[string]domain.BookSnapshot{
		"m1-yes": testBook(0.65, 0.60), // crossed
		"m1-no":  testBook(0.35, 0.40),
	}}
	store := &mockBookStore{}

	snapper := NewBookSnapshotter(fetcher, resolver, store, nil,
		SnapshotterConfig{MarketLimit: 10}, testLogger())

	res, err := snapper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Crossed)
	// Crossed books are stored as received, not repaired.
	assert.Equal(t, 2, res.Stored)

	var crossed int
	for _, b := range store.inserted {
		if b.Crossed {
			crossed++
		}
	}
	assert.Equal(t, 1, crossed)

	// Stored crossed books stay retrievable for arbitrage review.
	snaps, err := snapper.CrossedBooks(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "m1-yes", snaps[0].TokenID)
	assert.True(t, snaps[0].Crossed)
}

func TestSnapshotterRunForeverStopsOnCancel(t *testing.T) {
	resolver := &mockResolver{markets: []domain.Market{activeMarket("m1")}}
	fetcher := &mockBookFetcher{books: map[string]domain.BookSnapshot{
		"m1-yes": testBook(0.5, 0.52),
		"m1-no":  testBook(0.48, 0.50),
	}}

	snapper := NewBookSnapshotter(fetcher, resolver, &mockBookStore{}, nil,
		SnapshotterConfig{MarketLimit: 10}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- snapper.RunForever(ctx, time.Hour)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("RunForever did not stop on cancel")
	}
}

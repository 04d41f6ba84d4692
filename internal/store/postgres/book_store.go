package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polyclawd/marketlab/internal/domain"
)

// BookStore implements domain.BookStore using PostgreSQL. Depth levels are
// stored as JSONB arrays alongside the derived summary columns.
type BookStore struct {
	pool *pgxpool.Pool
}

// NewBookStore creates a new BookStore backed by the given connection pool.
func NewBookStore(pool *pgxpool.Pool) *BookStore {
	return &BookStore{pool: pool}
}

// InsertIfAbsent writes a snapshot, skipping it if the natural key
// (market, token, ts) already exists.
func (s *BookStore) InsertIfAbsent(ctx context.Context, snap domain.BookSnapshot) error {
	bids, err := json.Marshal(snap.Bids)
	if err != nil {
		return fmt.Errorf("postgres: marshal bids: %w", err)
	}
	asks, err := json.Marshal(snap.Asks)
	if err != nil {
		return fmt.Errorf("postgres: marshal asks: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO book_snapshots (
			market_id, token_id, ts, bids, asks,
			best_bid, best_ask, spread, bid_depth, ask_depth, crossed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (market_id, token_id, ts) DO NOTHING`,
		snap.MarketID, snap.TokenID, snap.Timestamp, bids, asks,
		snap.BestBid, snap.BestAsk, snap.Spread, snap.BidDepth, snap.AskDepth, snap.Crossed,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert book snapshot %s: %w", snap.MarketID, err)
	}
	return nil
}

const bookCols = `market_id, token_id, ts, bids, asks,
	best_bid, best_ask, spread, bid_depth, ask_depth, crossed`

// ReadRange returns a market's book snapshots inside the time range, ordered
// by timestamp.
func (s *BookStore) ReadRange(ctx context.Context, marketID string, tr domain.TimeRange) ([]domain.BookSnapshot, error) {
	query := `SELECT ` + bookCols + ` FROM book_snapshots WHERE market_id = $1`
	args := []any{marketID}

	if !tr.From.IsZero() {
		args = append(args, tr.From)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !tr.To.IsZero() {
		args = append(args, tr.To)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	query += " ORDER BY ts, token_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: read book range %s: %w", marketID, err)
	}
	defer rows.Close()

	return scanBookSnapshots(rows)
}

// ListCrossed returns stored snapshots flagged as crossed, newest first.
// Crossed books are kept for later arbitrage analysis, never rejected.
func (s *BookStore) ListCrossed(ctx context.Context, opts domain.ListOpts) ([]domain.BookSnapshot, error) {
	query := `SELECT ` + bookCols + ` FROM book_snapshots WHERE crossed ORDER BY ts DESC`
	args := []any{}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list crossed books: %w", err)
	}
	defer rows.Close()

	return scanBookSnapshots(rows)
}

// ListBefore returns up to limit snapshots older than the cutoff, oldest
// first. Used by the cold-storage archiver.
func (s *BookStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.BookSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bookCols+` FROM book_snapshots WHERE ts < $1 ORDER BY ts LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list book snapshots before %v: %w", before, err)
	}
	defer rows.Close()

	return scanBookSnapshots(rows)
}

func scanBookSnapshots(rows pgx.Rows) ([]domain.BookSnapshot, error) {
	var snaps []domain.BookSnapshot
	for rows.Next() {
		var snap domain.BookSnapshot
		var bids, asks []byte
		if err := rows.Scan(
			&snap.MarketID, &snap.TokenID, &snap.Timestamp, &bids, &asks,
			&snap.BestBid, &snap.BestAsk, &snap.Spread,
			&snap.BidDepth, &snap.AskDepth, &snap.Crossed,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan book snapshot: %w", err)
		}
		if err := json.Unmarshal(bids, &snap.Bids); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal bids: %w", err)
		}
		if err := json.Unmarshal(asks, &snap.Asks); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal asks: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: book snapshot rows: %w", err)
	}
	return snaps, nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polyclawd/marketlab/internal/domain"
)

// PriceStore implements domain.PriceStore using PostgreSQL. Inserts are
// idempotent by the (market, token, ts, seq) natural key via
// ON CONFLICT DO NOTHING, which also resolves duplicate-insert races between
// the tick ingestor and the backfiller.
type PriceStore struct {
	pool *pgxpool.Pool
}

// NewPriceStore creates a new PriceStore backed by the given connection pool.
func NewPriceStore(pool *pgxpool.Pool) *PriceStore {
	return &PriceStore{pool: pool}
}

const priceInsertQuery = `
	INSERT INTO price_changes (market_id, token_id, ts, seq, price, size)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (market_id, token_id, ts, seq) DO NOTHING`

// InsertIfAbsent writes the given price changes, skipping rows whose natural
// key already exists. It returns the number of rows actually inserted.
func (s *PriceStore) InsertIfAbsent(ctx context.Context, changes []domain.PriceChange) (int64, error) {
	if len(changes) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, c := range changes {
		batch.Queue(priceInsertQuery, c.MarketID, c.TokenID, c.Timestamp, c.Seq, c.Price, c.Size)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for i := range changes {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("postgres: insert price change %d: %w", i, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// ReadRange returns a market's price changes inside the time range, ordered
// by (ts, token_id, seq).
func (s *PriceStore) ReadRange(ctx context.Context, marketID string, tr domain.TimeRange) ([]domain.PriceChange, error) {
	query := `SELECT market_id, token_id, ts, seq, price, size
		FROM price_changes WHERE market_id = $1`
	args := []any{marketID}

	if !tr.From.IsZero() {
		args = append(args, tr.From)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !tr.To.IsZero() {
		args = append(args, tr.To)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	query += " ORDER BY ts, token_id, seq"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: read price range %s: %w", marketID, err)
	}
	defer rows.Close()

	return scanPriceChanges(rows)
}

// ListBefore returns up to limit price changes older than the cutoff,
// oldest first. Used by the cold-storage archiver.
func (s *PriceStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.PriceChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, token_id, ts, seq, price, size
		FROM price_changes WHERE ts < $1 ORDER BY ts LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list price changes before %v: %w", before, err)
	}
	defer rows.Close()

	return scanPriceChanges(rows)
}

func scanPriceChanges(rows pgx.Rows) ([]domain.PriceChange, error) {
	var changes []domain.PriceChange
	for rows.Next() {
		var c domain.PriceChange
		if err := rows.Scan(&c.MarketID, &c.TokenID, &c.Timestamp, &c.Seq, &c.Price, &c.Size); err != nil {
			return nil, fmt.Errorf("postgres: scan price change: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: price change rows: %w", err)
	}
	return changes, nil
}

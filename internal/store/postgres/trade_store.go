package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polyclawd/marketlab/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// InsertBatch appends trades, ignoring exact duplicates.
func (s *TradeStore) InsertBatch(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(`
			INSERT INTO trades (market_id, token_id, ts, price, size, side)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (market_id, token_id, ts, price, size, side) DO NOTHING`,
			t.MarketID, t.TokenID, t.Timestamp, t.Price, t.Size, string(t.Side))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade %d: %w", i, err)
		}
	}
	return nil
}

// ReadRange returns a market's trades inside the time range, ordered by
// timestamp.
func (s *TradeStore) ReadRange(ctx context.Context, marketID string, tr domain.TimeRange) ([]domain.Trade, error) {
	query := `SELECT id, market_id, token_id, ts, price, size, side
		FROM trades WHERE market_id = $1`
	args := []any{marketID}

	if !tr.From.IsZero() {
		args = append(args, tr.From)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !tr.To.IsZero() {
		args = append(args, tr.To)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	query += " ORDER BY ts"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: read trade range %s: %w", marketID, err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side string
		if err := rows.Scan(&t.ID, &t.MarketID, &t.TokenID, &t.Timestamp, &t.Price, &t.Size, &side); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Side = domain.OrderSide(side)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: trade rows: %w", err)
	}
	return trades, nil
}

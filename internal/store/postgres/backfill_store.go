package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/polyclawd/marketlab/internal/domain"
)

// BackfillStore implements domain.BackfillStore using PostgreSQL. The commit
// path runs inside a single transaction so a half-backfilled market is never
// observable: either all price rows land together with the completion marker,
// or none do.
type BackfillStore struct {
	client *Client
}

// NewBackfillStore creates a new BackfillStore backed by the given client.
func NewBackfillStore(client *Client) *BackfillStore {
	return &BackfillStore{client: client}
}

// IsBackfilled reports whether the market's history is already complete.
func (s *BackfillStore) IsBackfilled(ctx context.Context, marketID string) (bool, error) {
	var backfilled bool
	err := s.client.pool.QueryRow(ctx,
		"SELECT backfilled FROM markets WHERE id = $1", marketID,
	).Scan(&backfilled)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("postgres: is backfilled %s: %w", marketID, err)
	}
	return backfilled, nil
}

// ListPending returns up to limit market IDs not yet marked backfilled,
// highest volume first so the most informative histories land earliest.
func (s *BackfillStore) ListPending(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.client.pool.Query(ctx,
		"SELECT id FROM markets WHERE NOT backfilled ORDER BY volume DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending backfills: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan pending backfill: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: pending backfill rows: %w", err)
	}
	return ids, nil
}

// CommitBackfill writes the unit atomically: every price row, the optional
// resolution, and the backfilled marker commit in one transaction.
func (s *BackfillStore) CommitBackfill(ctx context.Context, unit domain.BackfillUnit) error {
	err := s.client.WithTx(ctx, func(tx pgx.Tx) error {
		for _, c := range unit.Prices {
			if _, err := tx.Exec(ctx, priceInsertQuery,
				c.MarketID, c.TokenID, c.Timestamp, c.Seq, c.Price, c.Size); err != nil {
				return fmt.Errorf("insert price row: %w", err)
			}
		}

		if unit.ResolvedOutcome != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE markets SET
					status = $2, resolved_outcome = $3, resolved_at = $4,
					backfilled = TRUE, updated_at = NOW()
				WHERE id = $1`,
				unit.MarketID, string(domain.MarketStatusResolved),
				unit.ResolvedOutcome, unit.ResolvedAt); err != nil {
				return fmt.Errorf("mark resolved: %w", err)
			}
			return nil
		}

		if _, err := tx.Exec(ctx,
			"UPDATE markets SET backfilled = TRUE, updated_at = NOW() WHERE id = $1",
			unit.MarketID); err != nil {
			return fmt.Errorf("mark backfilled: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: commit backfill %s: %w", unit.MarketID, err)
	}
	return nil
}

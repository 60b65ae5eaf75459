package budgetsync

import (
	"context"
	"fmt"

	"github.com/niyogen/billing-proxy/internal/pgpool"
)

type PoolManager interface {
	Acquire(ctx context.Context) (pgpool.DB, error)
}

type PostgresStore struct {
	pools PoolManager
}

func NewPostgresStore(pools PoolManager) Store {
	return &PostgresStore{pools: pools}
}

// ClaimPending bumps the attempt count on the oldest pending entries and
// returns them. SKIP LOCKED only covers workers claiming at the same
// instant; the claim commits before the push, so another instance can
// re-claim a row between claim and MarkDone. That duplicate push is
// harmless: the budget update is an absolute value, not an increment.
func (s *PostgresStore) ClaimPending(ctx context.Context, limit int) ([]*Entry, error) {
	db, err := s.pools.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE budget_outbox
		SET attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM budget_outbox
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, max_budget, attempts, created_at
	`
	rows, err := db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.MaxBudget, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox entries: %w", err)
	}

	return entries, nil
}

func (s *PostgresStore) MarkDone(ctx context.Context, id string) error {
	db, err := s.pools.Acquire(ctx)
	if err != nil {
		return err
	}

	if _, err := db.Exec(ctx, `UPDATE budget_outbox SET status = 'done', updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark outbox entry done: %w", err)
	}

	return nil
}

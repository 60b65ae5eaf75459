package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/niyogen/billing-proxy/internal/pgpool"
)

// PoolManager hands out the shared pool, or pgpool.ErrUnavailable when
// Postgres is not configured or not reachable.
type PoolManager interface {
	Acquire(ctx context.Context) (pgpool.DB, error)
}

type PostgresStore struct {
	pools PoolManager
}

func NewPostgresStore(pools PoolManager) Store {
	return &PostgresStore{pools: pools}
}

// Insert appends one usage row. created_at is set server-side; there are no
// upsert semantics and no retries here.
func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	db, err := s.pools.Acquire(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO gateway_usage (
			created_at, tenant_id, model, prompt_tokens, completion_tokens,
			total_tokens, latency_ms, status, cost_usd, request_id
		) VALUES (NOW(), $1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	err = db.QueryRow(ctx, query,
		rec.TenantID, rec.Model, rec.PromptTokens, rec.CompletionTokens,
		rec.TotalTokens, rec.LatencyMs, rec.Status, rec.CostUSD, rec.RequestID,
	).Scan(&rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error) {
	db, err := s.pools.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT created_at, tenant_id, model, prompt_tokens, completion_tokens,
		       total_tokens, latency_ms, status, cost_usd, request_id
		FROM gateway_usage
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.CreatedAt, &r.TenantID, &r.Model, &r.PromptTokens, &r.CompletionTokens,
			&r.TotalTokens, &r.LatencyMs, &r.Status, &r.CostUSD, &r.RequestID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		recs = append(recs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return recs, nil
}

func (s *PostgresStore) TotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	db, err := s.pools.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM gateway_usage
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	if err := db.QueryRow(ctx, query, tenantID, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

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

// Credit applies one payment credit. The balance upsert, the transaction
// row and the budget outbox row commit together or not at all.
func (s *PostgresStore) Credit(ctx context.Context, p CreditParams) (float64, error) {
	db, err := s.pools.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin credit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.Dedupe && p.StripeChargeID != nil {
		tag, err := tx.Exec(ctx, `
			INSERT INTO transactions (tenant_id, stripe_charge_id, amount_usd, type, description)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (stripe_charge_id) DO NOTHING
		`, p.TenantID, p.StripeChargeID, p.AmountUSD, TypeCredit, p.Description)
		if err != nil {
			return 0, fmt.Errorf("failed to insert transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, ErrDuplicateEvent
		}
	} else {
		_, err := tx.Exec(ctx, `
			INSERT INTO transactions (tenant_id, stripe_charge_id, amount_usd, type, description)
			VALUES ($1, $2, $3, $4, $5)
		`, p.TenantID, p.StripeChargeID, p.AmountUSD, TypeCredit, p.Description)
		if err != nil {
			return 0, fmt.Errorf("failed to insert transaction: %w", err)
		}
	}

	// Insert-or-add in a single statement; the returned balance is the
	// value actually persisted, with no separate read-then-write.
	var balance float64
	err = tx.QueryRow(ctx, `
		INSERT INTO customers (tenant_id, email, balance_usd)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id)
		DO UPDATE SET balance_usd = customers.balance_usd + EXCLUDED.balance_usd
		RETURNING balance_usd
	`, p.TenantID, p.Email, p.AmountUSD).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert balance: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO budget_outbox (id, tenant_id, max_budget)
		VALUES ($1, $2, $3)
	`, uuid.New().String(), p.TenantID, p.FreeTierUSD+balance)
	if err != nil {
		return 0, fmt.Errorf("failed to record budget sync intent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit credit tx: %w", err)
	}

	return balance, nil
}

func (s *PostgresStore) CreateCustomer(ctx context.Context, tenantID, email string) error {
	db, err := s.pools.Acquire(ctx)
	if err != nil {
		return err
	}

	tag, err := db.Exec(ctx, `
		INSERT INTO customers (tenant_id, email, balance_usd)
		VALUES ($1, $2, 0)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID, email)
	if err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCustomerExists
	}

	return nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, tenantID string) (*Customer, error) {
	db, err := s.pools.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var c Customer
	err = db.QueryRow(ctx, `
		SELECT tenant_id, email, balance_usd, created_at
		FROM customers
		WHERE tenant_id = $1
	`, tenantID).Scan(&c.TenantID, &c.Email, &c.BalanceUSD, &c.CreatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}

	return &c, nil
}

package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrCustomerExists   = errors.New("customer already exists")
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrDuplicateEvent means a credit carrying an already-applied payment
	// reference was rejected (dedup mode only).
	ErrDuplicateEvent = errors.New("payment event already applied")
)

// NormalizeTenantID canonicalizes an email into the tenant id. Signup and
// payment webhooks both carry user-typed addresses; without a single
// canonical form one tenant splits into several ledger rows and the
// gateway-enforced budget tracks the wrong user id.
func NormalizeTenantID(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Customer is one row per tenant. BalanceUSD is a materialized aggregate of
// the transaction log and is mutated only through the atomic add-and-return
// in the store.
type Customer struct {
	TenantID   string    `json:"tenant_id"` // normalized email in this deployment
	Email      string    `json:"email"`
	BalanceUSD float64   `json:"balance_usd"`
	CreatedAt  time.Time `json:"created_at"`
}

// Transaction is an append-only ledger entry; never mutated after insert.
type Transaction struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	StripeChargeID *string   `json:"stripe_charge_id"`
	AmountUSD      float64   `json:"amount_usd"`
	Type           string    `json:"type"` // "credit"; debit/adjustment reserved
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
}

const TypeCredit = "credit"

// CreditParams describes one payment-confirmation credit.
type CreditParams struct {
	TenantID       string
	Email          string
	AmountUSD      float64
	StripeChargeID *string
	Description    string

	// FreeTierUSD is folded into the budget recorded for sync:
	// max_budget = FreeTierUSD + resulting balance.
	FreeTierUSD float64

	// Dedupe rejects a credit whose StripeChargeID was already applied.
	Dedupe bool
}

type Store interface {
	// Credit atomically upserts the customer balance, appends the
	// transaction row and records the budget-sync intent, all in one
	// database transaction. Returns the resulting balance.
	Credit(ctx context.Context, p CreditParams) (float64, error)
	CreateCustomer(ctx context.Context, tenantID, email string) error
	GetCustomer(ctx context.Context, tenantID string) (*Customer, error)
}

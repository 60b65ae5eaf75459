package ledger

import (
	"context"
	"log"
)

// Service applies payment credits and derives the budget the external
// gateway should enforce. The actual push happens asynchronously: the store
// records the intent in the same transaction as the balance update and the
// budget sync worker drains it.
type Service struct {
	store    Store
	freeTier float64
	dedupe   bool
	nudge    func() // wakes the budget sync worker; may be nil
}

func NewService(store Store, freeTier float64, dedupe bool, nudge func()) *Service {
	return &Service{store: store, freeTier: freeTier, dedupe: dedupe, nudge: nudge}
}

// TotalBudget derives the gateway spend ceiling for a given balance.
func (s *Service) TotalBudget(balance float64) float64 {
	return s.freeTier + balance
}

// ApplyCredit adds amountUSD to the tenant's balance, appends the ledger
// entry and schedules a budget push. Returns the new balance.
// ErrDuplicateEvent is returned when dedup mode rejects a replayed charge.
func (s *Service) ApplyCredit(ctx context.Context, tenantID, email string, amountUSD float64, stripeChargeID *string, description string) (float64, error) {
	tenantID = NormalizeTenantID(tenantID)
	balance, err := s.store.Credit(ctx, CreditParams{
		TenantID:       tenantID,
		Email:          NormalizeTenantID(email),
		AmountUSD:      amountUSD,
		StripeChargeID: stripeChargeID,
		Description:    description,
		FreeTierUSD:    s.freeTier,
		Dedupe:         s.dedupe,
	})
	if err != nil {
		return 0, err
	}

	log.Printf("ledger: credited %s $%.2f, balance $%.2f, budget $%.2f",
		tenantID, amountUSD, balance, s.TotalBudget(balance))

	if s.nudge != nil {
		s.nudge()
	}

	return balance, nil
}

// Signup provisions a zero-balance customer. ErrCustomerExists when the
// tenant is already present.
func (s *Service) Signup(ctx context.Context, email string) error {
	tenantID := NormalizeTenantID(email)
	return s.store.CreateCustomer(ctx, tenantID, tenantID)
}

// Lookup returns the customer for a tenant id.
func (s *Service) Lookup(ctx context.Context, tenantID string) (*Customer, error) {
	return s.store.GetCustomer(ctx, NormalizeTenantID(tenantID))
}

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeStore emulates the SQL semantics of the postgres store: the balance
// add-and-return is atomic and the transaction log grows with every
// accepted credit.
type fakeStore struct {
	mu          sync.Mutex
	balances    map[string]float64
	txs         []Transaction
	outbox      []float64 // max_budget values recorded for sync
	seenCharges map[string]bool

	creditErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		balances:    make(map[string]float64),
		seenCharges: make(map[string]bool),
	}
}

func (f *fakeStore) Credit(ctx context.Context, p CreditParams) (float64, error) {
	if f.creditErr != nil {
		return 0, f.creditErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if p.Dedupe && p.StripeChargeID != nil {
		if f.seenCharges[*p.StripeChargeID] {
			return 0, ErrDuplicateEvent
		}
		f.seenCharges[*p.StripeChargeID] = true
	}

	f.txs = append(f.txs, Transaction{
		TenantID:       p.TenantID,
		StripeChargeID: p.StripeChargeID,
		AmountUSD:      p.AmountUSD,
		Type:           TypeCredit,
		Description:    p.Description,
	})
	f.balances[p.TenantID] += p.AmountUSD
	balance := f.balances[p.TenantID]
	f.outbox = append(f.outbox, p.FreeTierUSD+balance)
	return balance, nil
}

func (f *fakeStore) CreateCustomer(ctx context.Context, tenantID, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.balances[tenantID]; ok {
		return ErrCustomerExists
	}
	f.balances[tenantID] = 0
	return nil
}

func (f *fakeStore) GetCustomer(ctx context.Context, tenantID string) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[tenantID]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return &Customer{TenantID: tenantID, Email: tenantID, BalanceUSD: balance}, nil
}

func TestApplyCredit_ConcurrentCredits(t *testing.T) {
	store := newFakeStore()
	store.balances["t1"] = 10.0
	svc := NewService(store, 0.50, false, nil)

	amounts := []float64{5.0, 3.0}
	returned := make([]float64, len(amounts))
	var wg sync.WaitGroup
	for i, amount := range amounts {
		wg.Add(1)
		go func(i int, amount float64) {
			defer wg.Done()
			balance, err := svc.ApplyCredit(context.Background(), "t1", "t1", amount, nil, "test")
			if err != nil {
				t.Errorf("ApplyCredit failed: %v", err)
				return
			}
			returned[i] = balance
		}(i, amount)
	}
	wg.Wait()

	c, err := store.GetCustomer(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetCustomer failed: %v", err)
	}
	if c.BalanceUSD != 18.0 {
		t.Errorf("Expected final balance 18.0, got %v", c.BalanceUSD)
	}

	// One of the two calls must have observed the final balance.
	if returned[0] != 18.0 && returned[1] != 18.0 {
		t.Errorf("Expected one returned balance to be 18.0, got %v", returned)
	}
}

func TestTotalBudget_Derivation(t *testing.T) {
	svc := NewService(newFakeStore(), 0.50, false, nil)
	if got := svc.TotalBudget(20.0); got != 20.50 {
		t.Errorf("Expected budget 20.50, got %v", got)
	}
}

func TestApplyCredit_RecordsBudgetIntent(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, 0.50, false, nil)

	if _, err := svc.ApplyCredit(context.Background(), "t1", "t1", 20.0, nil, "test"); err != nil {
		t.Fatalf("ApplyCredit failed: %v", err)
	}

	if len(store.outbox) != 1 || store.outbox[0] != 20.50 {
		t.Errorf("Expected outbox budget 20.50, got %v", store.outbox)
	}
}

func TestApplyCredit_ReplayWithoutDedup(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, 0.50, false, nil)
	charge := "pi_123"

	for i := 0; i < 2; i++ {
		if _, err := svc.ApplyCredit(context.Background(), "fresh@example.com", "fresh@example.com", 10.0, &charge, "Stripe Checkout"); err != nil {
			t.Fatalf("ApplyCredit %d failed: %v", i, err)
		}
	}

	c, _ := store.GetCustomer(context.Background(), "fresh@example.com")
	if c.BalanceUSD != 20.0 {
		t.Errorf("Expected replay to double-credit to 20.0, got %v", c.BalanceUSD)
	}
	if len(store.txs) != 2 {
		t.Errorf("Expected 2 transaction rows, got %d", len(store.txs))
	}
}

func TestApplyCredit_ReplayWithDedup(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, 0.50, true, nil)
	charge := "pi_123"

	if _, err := svc.ApplyCredit(context.Background(), "fresh@example.com", "fresh@example.com", 10.0, &charge, "Stripe Checkout"); err != nil {
		t.Fatalf("First ApplyCredit failed: %v", err)
	}
	_, err := svc.ApplyCredit(context.Background(), "fresh@example.com", "fresh@example.com", 10.0, &charge, "Stripe Checkout")
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("Expected ErrDuplicateEvent on replay, got %v", err)
	}

	c, _ := store.GetCustomer(context.Background(), "fresh@example.com")
	if c.BalanceUSD != 10.0 {
		t.Errorf("Expected balance 10.0 after rejected replay, got %v", c.BalanceUSD)
	}
	if len(store.txs) != 1 {
		t.Errorf("Expected 1 transaction row, got %d", len(store.txs))
	}
}

func TestApplyCredit_NudgesWorker(t *testing.T) {
	nudged := 0
	svc := NewService(newFakeStore(), 0.50, false, func() { nudged++ })

	if _, err := svc.ApplyCredit(context.Background(), "t1", "t1", 5.0, nil, "test"); err != nil {
		t.Fatalf("ApplyCredit failed: %v", err)
	}
	if nudged != 1 {
		t.Errorf("Expected 1 nudge, got %d", nudged)
	}
}

func TestTenantID_NormalizedOnEveryPath(t *testing.T) {
	// Signup and credit may see the same address with different casing;
	// both must land on one row.
	store := newFakeStore()
	svc := NewService(store, 0.50, false, nil)

	if err := svc.Signup(context.Background(), " A@Example.com "); err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	if _, err := svc.ApplyCredit(context.Background(), "A@EXAMPLE.COM", "A@EXAMPLE.COM", 10.0, nil, "Stripe Checkout"); err != nil {
		t.Fatalf("ApplyCredit failed: %v", err)
	}

	if len(store.balances) != 1 {
		t.Fatalf("Expected a single customer row, got %d: %v", len(store.balances), store.balances)
	}
	if store.balances["a@example.com"] != 10.0 {
		t.Errorf("Expected balance 10.0 under a@example.com, got %v", store.balances["a@example.com"])
	}

	c, err := svc.Lookup(context.Background(), "A@Example.com")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if c.TenantID != "a@example.com" {
		t.Errorf("Expected normalized tenant id, got %q", c.TenantID)
	}
}

func TestSignup_Conflict(t *testing.T) {
	svc := NewService(newFakeStore(), 0.50, false, nil)

	if err := svc.Signup(context.Background(), "a@example.com"); err != nil {
		t.Fatalf("First signup failed: %v", err)
	}
	if err := svc.Signup(context.Background(), "a@example.com"); !errors.Is(err, ErrCustomerExists) {
		t.Errorf("Expected ErrCustomerExists, got %v", err)
	}
}

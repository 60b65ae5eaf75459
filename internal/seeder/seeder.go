package seeder

import (
	"context"
	"errors"
	"log"

	"github.com/niyogen/billing-proxy/internal/gateway"
	"github.com/niyogen/billing-proxy/internal/ledger"
)

const DemoEmail = "demo@example.com"

// SeedDemoCustomer provisions a demo tenant with a free-tier key so a fresh
// deployment has something to poke at. Run with RUN_SEED=true.
func SeedDemoCustomer(ctx context.Context, svc *ledger.Service, keys *gateway.Client, freeTier float64, models []string, ttl string) {
	if err := svc.Signup(ctx, DemoEmail); err != nil {
		if errors.Is(err, ledger.ErrCustomerExists) {
			log.Printf("[Seeder] Demo customer already exists, skipping")
			return
		}
		log.Printf("[Seeder] Failed to create demo customer: %v", err)
		return
	}

	key, err := keys.GenerateKey(ctx, &gateway.KeyRequest{
		UserID:    DemoEmail,
		Models:    models,
		MaxBudget: freeTier,
		Duration:  ttl,
	})
	if err != nil {
		log.Printf("[Seeder] Demo key issuance failed: %v", err)
		return
	}

	log.Printf("[Seeder] Demo customer created successfully")
	log.Printf("[Seeder] Tenant: %s", DemoEmail)
	log.Printf("[Seeder] Key: %s", key)
}

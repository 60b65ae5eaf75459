// Package budgetsync drains the budget outbox: every committed credit
// leaves behind the spend ceiling the external gateway should enforce, and
// this worker pushes it. The ledger is the source of truth; a failed push
// stays pending and is retried on the next cycle.
package budgetsync

import (
	"context"
	"log"
	"time"
)

// Entry is one recorded budget-push intent.
type Entry struct {
	ID        string
	TenantID  string
	MaxBudget float64
	Attempts  int
	CreatedAt time.Time
}

type Store interface {
	// ClaimPending claims up to limit pending entries, oldest first,
	// bumping their attempt count. Entries stay pending until MarkDone.
	ClaimPending(ctx context.Context, limit int) ([]*Entry, error)
	MarkDone(ctx context.Context, id string) error
}

// Pusher updates the external gateway's enforced budget for a tenant.
type Pusher interface {
	UpdateUserBudget(ctx context.Context, userID string, maxBudget float64) error
}

const batchSize = 50

type Worker struct {
	store    Store
	pusher   Pusher
	interval time.Duration
	nudge    chan struct{}
}

func NewWorker(store Store, pusher Pusher, interval time.Duration) *Worker {
	return &Worker{
		store:    store,
		pusher:   pusher,
		interval: interval,
		nudge:    make(chan struct{}, 1),
	}
}

// Nudge wakes the worker early, typically right after a credit commits.
// Safe to call from any goroutine; a wake-up already queued is enough.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Process runs the drain loop until ctx is cancelled.
func (w *Worker) Process(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.nudge:
		}
		w.Drain(ctx)
	}
}

// Drain claims and pushes pending entries until the outbox is empty or a
// claim fails. Entries are pushed oldest first so the last push for a
// tenant always carries the latest ledger-derived budget.
func (w *Worker) Drain(ctx context.Context) {
	for {
		entries, err := w.store.ClaimPending(ctx, batchSize)
		if err != nil {
			log.Printf("budgetsync: claim failed: %v", err)
			return
		}
		if len(entries) == 0 {
			return
		}

		done := 0
		for _, e := range entries {
			if err := w.pusher.UpdateUserBudget(ctx, e.TenantID, e.MaxBudget); err != nil {
				log.Printf("budgetsync: push for %s failed (attempt %d): %v", e.TenantID, e.Attempts, err)
				continue
			}
			if err := w.store.MarkDone(ctx, e.ID); err != nil {
				log.Printf("budgetsync: mark done for %s failed: %v", e.ID, err)
				continue
			}
			done++
		}

		// No progress means the gateway is down or the batch is stuck;
		// leave the rest for the next cycle instead of spinning.
		if done == 0 || len(entries) < batchSize {
			return
		}
	}
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v82"
	"go.opentelemetry.io/otel"

	"github.com/niyogen/billing-proxy/config"
	"github.com/niyogen/billing-proxy/internal/budgetsync"
	"github.com/niyogen/billing-proxy/internal/gateway"
	"github.com/niyogen/billing-proxy/internal/ledger"
	"github.com/niyogen/billing-proxy/internal/pgpool"
	"github.com/niyogen/billing-proxy/internal/seeder"
	"github.com/niyogen/billing-proxy/internal/server"
	"github.com/niyogen/billing-proxy/internal/telemetry"
	"github.com/niyogen/billing-proxy/internal/usage"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("billing-proxy", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Postgres pool manager. Creation is lazy and soft-fails, so a
	// missing database only disables persistence instead of killing boot.
	ctx := context.Background()
	pools := pgpool.NewManager(nil, nil)
	if _, err := pools.Acquire(ctx); err != nil {
		log.Printf("PostgreSQL not available yet: %v", err)
	} else {
		log.Println("PostgreSQL connected")
	}

	// 4. Optional Redis (webhook replay guard)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")
	}

	// 5. Stripe API credentials (webhook verification only needs the
	// signing secret; the API key covers outbound calls such as refunds)
	stripe.Key = cfg.StripeAPIKey

	// 6. External gateway admin client
	gwClient := gateway.NewClient(cfg.GatewayURL, cfg.GatewayMasterKey)

	// 7. Budget sync worker over the outbox
	syncStore := budgetsync.NewPostgresStore(pools)
	syncWorker := budgetsync.NewWorker(syncStore, gwClient, cfg.BudgetSyncInterval)

	// 8. Ledger
	ledgerStore := ledger.NewPostgresStore(pools)
	ledgerSvc := ledger.NewService(ledgerStore, cfg.FreeTierAmount, cfg.DedupeStripeEvents, syncWorker.Nudge)

	// 9. Usage sink
	tracer := otel.GetTracerProvider().Tracer("billing-proxy")
	usageStore := usage.NewPostgresStore(pools)
	callback := usage.NewCallback(usageStore, tracer)

	// 10. HTTP handlers
	opts := server.Options{
		Ledger:         ledgerSvc,
		Usage:          usageStore,
		Keys:           gwClient,
		Callback:       callback,
		Dedupe:         cfg.DedupeStripeEvents,
		Tracer:         tracer,
		WebhookSecret:  cfg.StripeWebhookSecret,
		FreeTier:       cfg.FreeTierAmount,
		FreeTierModels: cfg.FreeTierModels,
		FreeTierKeyTTL: cfg.FreeTierKeyTTL,
	}
	if rdb != nil {
		opts.Cache = rdb
	}
	handler := server.NewHandler(opts)

	// 11. Seed demo tenant if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedDemoCustomer(ctx, ledgerSvc, gwClient, cfg.FreeTierAmount, cfg.FreeTierModels, cfg.FreeTierKeyTTL)
	}

	// 12. Routes
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"billing-proxy"}`))
	})

	r.Post("/webhook/stripe", handler.HandleStripeWebhook)
	r.Post("/user/signup", handler.HandleSignup)
	r.Post("/telemetry/event", handler.HandleTelemetryEvent)
	r.Get("/usage/{tenant}", handler.HandleUsage)

	// 13. Run worker + server with graceful shutdown
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go func() {
		if err := syncWorker.Process(workerCtx); err != nil && err != context.Canceled {
			log.Printf("budget sync worker stopped: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Billing proxy starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}

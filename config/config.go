package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8081

	// Cache (optional; enables the webhook replay guard when set)
	RedisAddr string

	// External LLM gateway admin API
	GatewayURL       string
	GatewayMasterKey string

	// Stripe
	StripeWebhookSecret string
	StripeAPIKey        string
	DedupeStripeEvents  bool // default: false, preserves replay double-credit

	// Free tier
	FreeTierAmount float64  // USD, default: 0.50
	FreeTierModels []string // model allow-list for signup keys
	FreeTierKeyTTL string   // gateway key duration, default: "30d"

	// Budget sync
	BudgetSyncInterval time.Duration // default: 15s

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

// Load reads configuration from the environment. Postgres settings are
// deliberately not validated here: the pool manager reads the PG* variables
// itself and treats missing ones as a soft skip, not a startup failure.
func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8081"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		GatewayURL:           getEnv("GATEWAY_URL", "http://127.0.0.1:4000"),
		GatewayMasterKey:     os.Getenv("GATEWAY_MASTER_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIKey:         os.Getenv("STRIPE_API_KEY"),
		FreeTierKeyTTL:       getEnv("FREE_TIER_KEY_TTL", "30d"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	amountStr := getEnv("FREE_TIER_AMOUNT", "0.50")
	amount, err := strconv.ParseFloat(amountStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid FREE_TIER_AMOUNT: %w", err)
	}
	cfg.FreeTierAmount = amount

	cfg.FreeTierModels = strings.Split(getEnv("FREE_TIER_MODELS", "gpt-4o,gpt-4o-mini"), ",")

	dedupeStr := getEnv("STRIPE_DEDUPE_EVENTS", "false")
	dedupe, err := strconv.ParseBool(dedupeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid STRIPE_DEDUPE_EVENTS: %w", err)
	}
	cfg.DedupeStripeEvents = dedupe

	intervalStr := getEnv("BUDGET_SYNC_INTERVAL", "15s")
	interval, err := time.ParseDuration(intervalStr)
	if err != nil || interval <= 0 {
		return nil, fmt.Errorf("invalid BUDGET_SYNC_INTERVAL: %q", intervalStr)
	}
	cfg.BudgetSyncInterval = interval

	// Validation
	if cfg.GatewayMasterKey == "" {
		return nil, fmt.Errorf("GATEWAY_MASTER_KEY is required")
	}
	if cfg.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

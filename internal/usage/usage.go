package usage

import (
	"context"
	"time"
)

// Record is one row per completed gateway request. Everything except the
// computed latency may be absent upstream, so those fields are pointers and
// persist as NULL. Rows are immutable once written.
type Record struct {
	CreatedAt        time.Time `json:"created_at"`
	TenantID         *string   `json:"tenant_id"`
	Model            *string   `json:"model"`
	PromptTokens     *int      `json:"prompt_tokens"`
	CompletionTokens *int      `json:"completion_tokens"`
	TotalTokens      *int      `json:"total_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	Status           *string   `json:"status"`
	CostUSD          *float64  `json:"cost_usd"`
	RequestID        *string   `json:"request_id"`
}

type Store interface {
	Insert(ctx context.Context, rec *Record) error
	ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error)
	TotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}

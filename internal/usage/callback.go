package usage

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/niyogen/billing-proxy/internal/pgpool"
)

// RequestEvent is the request side of a gateway telemetry event. Every
// field the gateway may omit is optional.
type RequestEvent struct {
	Model    *string          `json:"model"`
	Metadata *RequestMetadata `json:"metadata"`
}

type RequestMetadata struct {
	TenantID *string `json:"tenant_id"`
}

// ResponseEvent is the response side. Cost may arrive directly or inside
// metadata; the request id may arrive as "id" or "request_id".
type ResponseEvent struct {
	ID           *string           `json:"id"`
	RequestID    *string           `json:"request_id"`
	Status       *string           `json:"status"`
	StatusCode   *int              `json:"status_code"`
	ResponseCost *float64          `json:"response_cost"`
	Metadata     *ResponseMetadata `json:"metadata"`
	Usage        *TokenUsage       `json:"usage"`
}

type ResponseMetadata struct {
	ResponseCost *float64 `json:"response_cost"`
}

type TokenUsage struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

// Callback persists one usage row per completed gateway request. It runs
// inside the gateway's request-completion path, so it must never panic and
// never surface an error: a lost record is preferable to a failed response.
type Callback struct {
	store  Store
	tracer trace.Tracer
}

func NewCallback(store Store, tracer trace.Tracer) *Callback {
	return &Callback{store: store, tracer: tracer}
}

// LogEvent maps the event pair into a Record and inserts it. Unavailable
// Postgres is a silent skip; anything else is logged and swallowed.
func (c *Callback) LogEvent(ctx context.Context, req *RequestEvent, resp *ResponseEvent, startTime, endTime time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("usage: telemetry callback panic recovered: %v", r)
		}
	}()

	ctx, span := c.tracer.Start(ctx, "usage.log_event")
	defer span.End()

	rec := buildRecord(req, resp, startTime, endTime)
	if rec.TenantID != nil {
		span.SetAttributes(attribute.String("tenant_id", *rec.TenantID))
	}
	span.SetAttributes(attribute.Int64("latency_ms", rec.LatencyMs))

	if err := c.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, pgpool.ErrUnavailable) {
			return
		}
		log.Printf("usage: insert failed: %v", err)
	}
}

func buildRecord(req *RequestEvent, resp *ResponseEvent, startTime, endTime time.Time) *Record {
	rec := &Record{
		LatencyMs: latencyMs(startTime, endTime),
	}

	if req != nil {
		rec.Model = req.Model
		if req.Metadata != nil {
			rec.TenantID = req.Metadata.TenantID
		}
	}

	if resp != nil {
		if resp.Usage != nil {
			rec.PromptTokens = resp.Usage.PromptTokens
			rec.CompletionTokens = resp.Usage.CompletionTokens
			rec.TotalTokens = resp.Usage.TotalTokens
		}
		rec.Status = firstString(resp.Status, intString(resp.StatusCode))
		var metaCost *float64
		if resp.Metadata != nil {
			metaCost = resp.Metadata.ResponseCost
		}
		rec.CostUSD = firstFloat(resp.ResponseCost, metaCost)
		rec.RequestID = firstString(resp.ID, resp.RequestID)
	}

	return rec
}

// latencyMs computes the request span in milliseconds. Latency is always
// derived here, never copied from upstream metadata; anything that cannot
// be computed collapses to 0.
func latencyMs(startTime, endTime time.Time) int64 {
	if startTime.IsZero() || endTime.IsZero() {
		return 0
	}
	d := endTime.Sub(startTime)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// firstString returns the first non-nil candidate.
func firstString(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func intString(v *int) *string {
	if v == nil {
		return nil
	}
	s := strconv.Itoa(*v)
	return &s
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/niyogen/billing-proxy/internal/gateway"
	"github.com/niyogen/billing-proxy/internal/ledger"
	"github.com/niyogen/billing-proxy/internal/pgpool"
	"github.com/niyogen/billing-proxy/internal/usage"
)

const checkoutCompleted = "checkout.session.completed"

// KeyIssuer provisions scoped gateway credentials during signup.
type KeyIssuer interface {
	GenerateKey(ctx context.Context, req *gateway.KeyRequest) (string, error)
}

// ReplayCache is the slice of redis.Client the webhook replay guard needs.
type ReplayCache interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type Handler struct {
	ledger   *ledger.Service
	usage    usage.Store
	keys     KeyIssuer
	callback *usage.Callback
	cache    ReplayCache // optional replay guard; may be nil
	dedupe   bool
	tracer   trace.Tracer

	webhookSecret  string
	freeTier       float64
	freeTierModels []string
	freeTierKeyTTL string
}

type Options struct {
	Ledger   *ledger.Service
	Usage    usage.Store
	Keys     KeyIssuer
	Callback *usage.Callback
	Cache    ReplayCache
	Dedupe   bool
	Tracer   trace.Tracer

	WebhookSecret  string
	FreeTier       float64
	FreeTierModels []string
	FreeTierKeyTTL string
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		ledger:         opts.Ledger,
		usage:          opts.Usage,
		keys:           opts.Keys,
		callback:       opts.Callback,
		cache:          opts.Cache,
		dedupe:         opts.Dedupe,
		tracer:         opts.Tracer,
		webhookSecret:  opts.WebhookSecret,
		freeTier:       opts.FreeTier,
		freeTierModels: opts.FreeTierModels,
		freeTierKeyTTL: opts.FreeTierKeyTTL,
	}
}

// HandleStripeWebhook processes one payment-confirmation delivery.
// Stripe only needs to know the delivery was received: once the signature
// checks out, the answer is 200 even when the credit fails internally,
// otherwise provider-side retries would double-credit.
func (h *Handler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if isSignatureError(err) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "webhook.stripe")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", event.ID),
		attribute.String("event_type", string(event.Type)),
	)

	// Unrecognized event types must still be acknowledged or Stripe keeps
	// redelivering them.
	if string(event.Type) != checkoutCompleted {
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		log.Printf("webhook: failed to decode checkout session: %v", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}

	email := ""
	if session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}
	if email == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}

	if h.seenEvent(ctx, event.ID) {
		log.Printf("webhook: replayed event %s, skipping", event.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}

	amountUSD := float64(session.AmountTotal) / 100.0
	var chargeID *string
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		chargeID = &session.PaymentIntent.ID
	}

	log.Printf("webhook: payment received: %s, $%.2f", email, amountUSD)
	span.SetAttributes(attribute.String("tenant_id", email))

	_, err = h.ledger.ApplyCredit(ctx, email, email, amountUSD, chargeID, "Stripe Checkout")
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			log.Printf("webhook: duplicate charge for %s rejected", email)
		} else {
			log.Printf("webhook: credit for %s failed: %v", email, err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// seenEvent is a best-effort replay guard in front of the ledger-level
// dedup: first delivery of an event id wins the SET NX. Active only when
// dedup mode is on; with dedup off a replayed event must still credit.
func (h *Handler) seenEvent(ctx context.Context, eventID string) bool {
	if !h.dedupe || h.cache == nil || eventID == "" {
		return false
	}
	set, err := h.cache.SetNX(ctx, "stripe:event:"+eventID, 1, 24*time.Hour).Result()
	if err != nil {
		log.Printf("webhook: redis replay guard error: %v", err)
		return false
	}
	return !set
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld) ||
		errors.Is(err, webhook.ErrNoValidSignature)
}

type signupRequest struct {
	Email string `json:"email"`
}

// HandleSignup provisions a new tenant and its free-tier credential.
func (h *Handler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email required"})
		return
	}
	email := ledger.NormalizeTenantID(req.Email)

	ctx, span := h.tracer.Start(r.Context(), "signup")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", email))

	if err := h.ledger.Signup(ctx, email); err != nil {
		if errors.Is(err, ledger.ErrCustomerExists) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "user already exists"})
			return
		}
		log.Printf("signup: create customer for %s failed: %v", email, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	key, err := h.keys.GenerateKey(ctx, &gateway.KeyRequest{
		UserID:    email,
		Models:    h.freeTierModels,
		MaxBudget: h.freeTier,
		Duration:  h.freeTierKeyTTL,
	})
	if err != nil {
		// The customer row is kept; a retried signup conflicts at 409 and
		// the key is provisioned out of band.
		log.Printf("signup: key issuance for %s failed: %v", email, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to provision api key"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status":   "success",
		"message":  fmt.Sprintf("Account created with $%.2f free credit", h.freeTier),
		"api_key":  key,
		"api_base": fmt.Sprintf("https://%s/v1", r.Host),
	})
}

type telemetryPayload struct {
	Request   *usage.RequestEvent  `json:"request"`
	Response  *usage.ResponseEvent `json:"response"`
	StartTime time.Time            `json:"start_time"`
	EndTime   time.Time            `json:"end_time"`
}

// HandleTelemetryEvent receives the gateway's per-request success callback.
// It always answers 200: a telemetry problem must never surface into the
// gateway's request path.
func (h *Handler) HandleTelemetryEvent(w http.ResponseWriter, r *http.Request) {
	var p telemetryPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		log.Printf("telemetry: malformed event: %v", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	h.callback.LogEvent(r.Context(), p.Request, p.Response, p.StartTime, p.EndTime)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleUsage serves date-ranged usage rows and total cost for a tenant.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant required"})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	recs, err := h.usage.ListByTenant(r.Context(), tenantID, from, to)
	if err != nil {
		if errors.Is(err, pgpool.ErrUnavailable) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	totalCost, err := h.usage.TotalCostByTenant(r.Context(), tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":      tenantID,
		"total_requests": len(recs),
		"total_cost_usd": totalCost,
		"records":        recs,
		"from":           from,
		"to":             to,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

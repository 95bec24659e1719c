package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gdprhub/hublite/pkg/audit"
	"github.com/gdprhub/hublite/pkg/contracts"
	"github.com/gdprhub/hublite/pkg/idempotency"
	"github.com/gdprhub/hublite/pkg/pipeline"
	"github.com/gdprhub/hublite/pkg/store"
)

const maxBodyBytes = 1 << 20

// Shopify's mandatory webhook headers.
const (
	headerSignature  = "X-Shopify-Hmac-Sha256"
	headerTopic      = "X-Shopify-Topic"
	headerShopDomain = "X-Shopify-Shop-Domain"
	headerWebhookID  = "X-Shopify-Webhook-Id"
)

type shopifyPayload struct {
	ShopID     int64  `json:"shop_id"`
	ShopDomain string `json:"shop_domain"`
	Customer   struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
	} `json:"customer"`
}

// Metrics is an optional sink for delivery outcomes.
type Metrics interface {
	WebhookReceived(ctx context.Context, source, outcome string)
}

// Handler is the webhook ingress. Signature verification happens before
// anything else touches the body; deduplication happens before any
// request is created.
type Handler struct {
	verifier *Verifier
	guard    idempotency.Guard
	requests *store.RequestStore
	pipeline *pipeline.Pipeline
	audit    audit.Logger
	logger   *slog.Logger
	metrics  Metrics
	clock    func() time.Time
	// dedupTTL guards the shop+topic+body fallback key; inboundTTL
	// guards the shorter-lived delivery-id key.
	dedupTTL   time.Duration
	inboundTTL time.Duration
}

func NewHandler(
	verifier *Verifier,
	guard idempotency.Guard,
	requests *store.RequestStore,
	p *pipeline.Pipeline,
	auditLog audit.Logger,
	logger *slog.Logger,
	dedupTTL, inboundTTL time.Duration,
) *Handler {
	return &Handler{
		verifier:   verifier,
		guard:      guard,
		requests:   requests,
		pipeline:   p,
		audit:      auditLog,
		logger:     logger,
		clock:      time.Now,
		dedupTTL:   dedupTTL,
		inboundTTL: inboundTTL,
	}
}

// WithClock overrides the time source. Test hook.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// WithMetrics attaches a metrics sink.
func (h *Handler) WithMetrics(m Metrics) *Handler {
	h.metrics = m
	return h
}

func (h *Handler) count(ctx context.Context, outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookReceived(ctx, "shopify", outcome)
	}
}

// Shopify handles POST /webhooks/shopify.
func (h *Handler) Shopify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "body too large"})
		return
	}

	if err := h.verifier.Verify("shopify", r.Header.Get(headerSignature), body); err != nil {
		_ = h.audit.Record(ctx, audit.EventSecurity, "webhook_rejected", "source/shopify", map[string]any{
			"reason": err.Error(),
		})
		h.count(ctx, "rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
		return
	}

	topic := r.Header.Get(headerTopic)
	if !KnownTopic(topic) {
		h.count(ctx, "invalid")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported topic"})
		return
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		h.count(ctx, "invalid")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed payload"})
		return
	}
	if err := ValidatePayload(topic, raw); err != nil {
		h.logger.Warn("webhook payload rejected", "topic", topic, "error", err)
		h.count(ctx, "invalid")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	var payload shopifyPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.count(ctx, "invalid")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed payload"})
		return
	}
	shop := payload.ShopDomain
	if shop == "" {
		shop = r.Header.Get(headerShopDomain)
	}

	// The platform's delivery id is the preferred dedup key and gets the
	// short inbound window; the shop+topic+body digest fallback covers
	// redeliveries across the full dedup window.
	ttl := h.inboundTTL
	key, ok := idempotency.DeriveKey(r.Header.Get(headerWebhookID), nil)
	if !ok {
		key = idempotency.TopicKey(shop, topic, body)
		ttl = h.dedupTTL
	}
	claimed, err := h.guard.Claim(ctx, key, ttl)
	if err != nil {
		h.logger.Error("idempotency claim failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "temporarily unavailable"})
		return
	}
	if !claimed {
		h.count(ctx, "dedup")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "dedup": true})
		return
	}

	if topic == TopicShopRedact {
		_ = h.audit.Record(ctx, audit.EventPipeline, "shop_redact_acknowledged", "shop/"+shop, nil)
		h.count(ctx, "accepted")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	kind := contracts.KindAccess
	if topic == TopicRedact {
		kind = contracts.KindErasure
	}

	now := h.clock()
	req := &contracts.ComplianceRequest{
		ID:           uuid.New().String(),
		AccountID:    shop,
		Kind:         kind,
		Status:       contracts.StatusNew,
		SubjectEmail: payload.Customer.Email,
		Source:       "shopify",
		CreatedAt:    now,
		DueDate:      now.Add(contracts.ResponseWindow(kind)),
	}
	if err := h.requests.Create(ctx, req); err != nil {
		h.release(ctx, key)
		h.logger.Error("request creation failed", "topic", topic, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "temporarily unavailable"})
		return
	}
	if _, err := h.pipeline.EnqueueDiscover(ctx, req.ID); err != nil {
		h.release(ctx, key)
		h.logger.Error("discover enqueue failed", "request_id", req.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "temporarily unavailable"})
		return
	}

	_ = h.audit.Record(ctx, audit.EventPipeline, "request_opened", "request/"+req.ID, map[string]any{
		"topic": topic,
		"shop":  shop,
		"kind":  kind,
	})
	h.count(ctx, "accepted")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request_id": req.ID})
}

// release returns the idempotency claim after a downstream failure so
// the platform's redelivery is not swallowed as a duplicate.
func (h *Handler) release(ctx context.Context, key string) {
	if releaser, ok := h.guard.(idempotency.Releaser); ok {
		if err := releaser.Release(ctx, key); err != nil {
			h.logger.Warn("idempotency release failed", "key", key, "error", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdprhub/hublite/pkg/audit"
	"github.com/gdprhub/hublite/pkg/contracts"
	"github.com/gdprhub/hublite/pkg/download"
	"github.com/gdprhub/hublite/pkg/idempotency"
	"github.com/gdprhub/hublite/pkg/notify"
	"github.com/gdprhub/hublite/pkg/objectstore"
	"github.com/gdprhub/hublite/pkg/pipeline"
	"github.com/gdprhub/hublite/pkg/queue"
	"github.com/gdprhub/hublite/pkg/store"
)

const testSecret = "shhh"

type handlerFixture struct {
	handler  *Handler
	requests *store.RequestStore
	jobs     *queue.Store
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	requests, err := store.NewRequestStore(db)
	require.NoError(t, err)
	bundles, err := store.NewBundleStore(db)
	require.NoError(t, err)
	tokens, err := store.NewTokenStore(db)
	require.NoError(t, err)
	jobs, err := queue.NewStore(db)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	auditLog := &audit.Recorder{}
	objects := objectstore.NewMemoryStore()
	dispatcher := queue.NewDispatcher(jobs, logger)
	downloads := download.NewService(tokens, objects, auditLog, 24*time.Hour, 15*time.Minute)
	p := pipeline.New(requests, bundles, objects, downloads, dispatcher, nil, notify.NewRecorder(), auditLog, logger)

	verifier := NewVerifier(map[string]string{"shopify": testSecret})
	handler := NewHandler(verifier, idempotency.NewMemoryGuard(), requests, p, auditLog, logger, 24*time.Hour, 10*time.Minute)
	return &handlerFixture{handler: handler, requests: requests, jobs: jobs}
}

func deliver(t *testing.T, h *Handler, topic, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(body))
	req.Header.Set(headerSignature, signature)
	req.Header.Set(headerTopic, topic)
	req.Header.Set(headerShopDomain, "acme.myshopify.com")
	w := httptest.NewRecorder()
	h.Shopify(w, req)
	return w
}

func dataRequestBody() string {
	return `{"shop_id":42,"shop_domain":"acme.myshopify.com","customer":{"id":7,"email":"subject@example.com"}}`
}

func TestShopifyDataRequestOpensAccessRequest(t *testing.T) {
	f := newHandlerFixture(t)
	body := dataRequestBody()

	w := deliver(t, f.handler, TopicDataRequest, body, Sign(testSecret, []byte(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	requestID, _ := resp["request_id"].(string)
	require.NotEmpty(t, requestID)

	req, err := f.requests.Get(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, contracts.KindAccess, req.Kind)
	assert.Equal(t, "acme.myshopify.com", req.AccountID)
	assert.Equal(t, "subject@example.com", req.SubjectEmail)
	assert.Equal(t, req.CreatedAt.Add(7*24*time.Hour), req.DueDate)

	job, err := f.jobs.Get(context.Background(), pipeline.JobDiscover+":"+requestID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobDiscover, job.Name)
}

func TestShopifyRedactOpensErasureRequest(t *testing.T) {
	f := newHandlerFixture(t)
	body := dataRequestBody()

	w := deliver(t, f.handler, TopicRedact, body, Sign(testSecret, []byte(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	requestID, _ := resp["request_id"].(string)

	req, err := f.requests.Get(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, contracts.KindErasure, req.Kind)
	assert.Equal(t, req.CreatedAt.Add(28*24*time.Hour), req.DueDate)
}

func TestShopifyShopRedactAcknowledgedWithoutRequest(t *testing.T) {
	f := newHandlerFixture(t)
	body := `{"shop_id":42,"shop_domain":"acme.myshopify.com"}`

	w := deliver(t, f.handler, TopicShopRedact, body, Sign(testSecret, []byte(body)))
	require.Equal(t, http.StatusOK, w.Code)

	reqs, err := f.requests.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestShopifyBadSignatureRejected(t *testing.T) {
	f := newHandlerFixture(t)
	body := dataRequestBody()

	w := deliver(t, f.handler, TopicDataRequest, body, Sign("wrong", []byte(body)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	reqs, err := f.requests.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestShopifyMissingSignatureRejected(t *testing.T) {
	f := newHandlerFixture(t)
	body := dataRequestBody()

	w := deliver(t, f.handler, TopicDataRequest, body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestShopifyRedeliveryDeduplicated(t *testing.T) {
	f := newHandlerFixture(t)
	body := dataRequestBody()
	sig := Sign(testSecret, []byte(body))

	first := deliver(t, f.handler, TopicDataRequest, body, sig)
	require.Equal(t, http.StatusOK, first.Code)

	second := deliver(t, f.handler, TopicDataRequest, body, sig)
	require.Equal(t, http.StatusOK, second.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["dedup"])

	reqs, err := f.requests.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestShopifyDeliveryIDPreferredForDedup(t *testing.T) {
	f := newHandlerFixture(t)
	body := dataRequestBody()

	send := func(webhookID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(body))
		req.Header.Set(headerSignature, Sign(testSecret, []byte(body)))
		req.Header.Set(headerTopic, TopicDataRequest)
		req.Header.Set(headerShopDomain, "acme.myshopify.com")
		req.Header.Set(headerWebhookID, webhookID)
		w := httptest.NewRecorder()
		f.handler.Shopify(w, req)
		return w
	}

	first := send("abc-1")
	require.Equal(t, http.StatusOK, first.Code)

	second := send("abc-1")
	require.Equal(t, http.StatusOK, second.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["dedup"])

	// A distinct delivery id is a distinct delivery, same body or not.
	third := send("abc-2")
	require.Equal(t, http.StatusOK, third.Code)
	reqs, err := f.requests.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
}

// claimSpy records the TTL passed with each claim.
type claimSpy struct {
	idempotency.Guard
	keys []string
	ttls []time.Duration
}

func (g *claimSpy) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	g.keys = append(g.keys, key)
	g.ttls = append(g.ttls, ttl)
	return g.Guard.Claim(ctx, key, ttl)
}

func TestShopifyDedupWindowsPerKeyKind(t *testing.T) {
	f := newHandlerFixture(t)
	spy := &claimSpy{Guard: idempotency.NewMemoryGuard()}
	f.handler.guard = spy
	body := dataRequestBody()

	// Delivery-id keyed claim uses the short inbound window.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(body))
	req.Header.Set(headerSignature, Sign(testSecret, []byte(body)))
	req.Header.Set(headerTopic, TopicDataRequest)
	req.Header.Set(headerShopDomain, "acme.myshopify.com")
	req.Header.Set(headerWebhookID, "abc-1")
	w := httptest.NewRecorder()
	f.handler.Shopify(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Body-digest fallback uses the full dedup window.
	w = deliver(t, f.handler, TopicDataRequest, body, Sign(testSecret, []byte(body)))
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, spy.ttls, 2)
	assert.Equal(t, "idemp:abc-1", spy.keys[0])
	assert.Equal(t, 10*time.Minute, spy.ttls[0])
	assert.Contains(t, spy.keys[1], "acme.myshopify.com")
	assert.Equal(t, 24*time.Hour, spy.ttls[1])
}

type metricsSpy struct {
	outcomes []string
}

func (m *metricsSpy) WebhookReceived(_ context.Context, source, outcome string) {
	m.outcomes = append(m.outcomes, source+":"+outcome)
}

func TestShopifyDeliveryOutcomesCounted(t *testing.T) {
	f := newHandlerFixture(t)
	spy := &metricsSpy{}
	f.handler.WithMetrics(spy)
	body := dataRequestBody()
	sig := Sign(testSecret, []byte(body))

	deliver(t, f.handler, TopicDataRequest, body, sig)
	deliver(t, f.handler, TopicDataRequest, body, sig)
	deliver(t, f.handler, TopicDataRequest, body, Sign("wrong", []byte(body)))
	deliver(t, f.handler, "orders/create", body, sig)

	assert.Equal(t, []string{
		"shopify:accepted",
		"shopify:dedup",
		"shopify:rejected",
		"shopify:invalid",
	}, spy.outcomes)
}

func TestShopifyUnsupportedTopicRejected(t *testing.T) {
	f := newHandlerFixture(t)
	body := dataRequestBody()

	w := deliver(t, f.handler, "orders/create", body, Sign(testSecret, []byte(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestShopifyInvalidPayloadRejected(t *testing.T) {
	f := newHandlerFixture(t)

	for _, body := range []string{
		`not json`,
		`{"shop_domain":"acme.myshopify.com"}`,
		`{"shop_domain":"","customer":{"email":"a@b.co"}}`,
		`{"shop_domain":"acme.myshopify.com","customer":{}}`,
	} {
		w := deliver(t, f.handler, TopicDataRequest, body, Sign(testSecret, []byte(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code, "body: %s", body)
	}
}

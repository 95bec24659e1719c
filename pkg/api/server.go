package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gdprhub/hublite/pkg/audit"
	"github.com/gdprhub/hublite/pkg/download"
	"github.com/gdprhub/hublite/pkg/queue"
	"github.com/gdprhub/hublite/pkg/store"
	"github.com/gdprhub/hublite/pkg/webhook"
)

// Server wires the HTTP surface: webhook ingress, subject download
// endpoints and the JWT-protected operator API.
type Server struct {
	requests  *store.RequestStore
	breaches  *store.BreachStore
	bundles   *store.BundleStore
	jobs      *queue.Store
	downloads *download.Service
	webhooks  *webhook.Handler
	validator *JWTValidator
	limiter   *RateLimiter
	audit     audit.Logger
	logger    *slog.Logger
	clock     func() time.Time
}

func NewServer(
	requests *store.RequestStore,
	breaches *store.BreachStore,
	bundles *store.BundleStore,
	jobs *queue.Store,
	downloads *download.Service,
	webhooks *webhook.Handler,
	validator *JWTValidator,
	limiter *RateLimiter,
	auditLog audit.Logger,
	logger *slog.Logger,
) *Server {
	return &Server{
		requests:  requests,
		breaches:  breaches,
		bundles:   bundles,
		jobs:      jobs,
		downloads: downloads,
		webhooks:  webhooks,
		validator: validator,
		limiter:   limiter,
		audit:     auditLog,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Routes builds the handler tree. Webhook ingress is rate limited per
// IP; operator routes require a bearer token; download redemption is
// public because the token itself is the credential.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /webhooks/shopify", s.limiter.Middleware(http.HandlerFunc(s.webhooks.Shopify)))
	mux.HandleFunc("GET /downloads/{token}", s.handleRedeem)

	authed := AuthMiddleware(s.validator)
	mux.Handle("POST /downloads/{token}/revoke", authed(http.HandlerFunc(s.handleRevoke)))
	mux.Handle("GET /api/requests", authed(http.HandlerFunc(s.handleListRequests)))
	mux.Handle("GET /api/requests/{id}", authed(http.HandlerFunc(s.handleGetRequest)))
	mux.Handle("POST /api/requests/{id}/complete", authed(http.HandlerFunc(s.handleCompleteRequest)))
	mux.Handle("GET /api/breaches", authed(http.HandlerFunc(s.handleListBreaches)))
	mux.Handle("POST /api/breaches", authed(http.HandlerFunc(s.handleCreateBreach)))
	mux.Handle("POST /api/breaches/{id}/reportable", authed(http.HandlerFunc(s.handleMarkReportable)))
	mux.Handle("POST /api/breaches/{id}/authority-notified", authed(http.HandlerFunc(s.handleAuthorityNotified)))
	mux.Handle("POST /api/breaches/{id}/status", authed(http.HandlerFunc(s.handleSetBreachStatus)))
	mux.Handle("GET /api/jobs/failed", authed(http.HandlerFunc(s.handleFailedJobs)))

	return RequestIDMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

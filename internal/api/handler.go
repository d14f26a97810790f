package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/mintgate/internal/auth"
	"github.com/punchamoorthee/mintgate/internal/compliance"
	"github.com/punchamoorthee/mintgate/internal/deadletter"
	"github.com/punchamoorthee/mintgate/internal/idempotency"
	"github.com/punchamoorthee/mintgate/internal/service"
)

// Deps are the collaborators the HTTP layer routes to.
type Deps struct {
	Coordinator *service.Coordinator
	Gate        *compliance.Gate
	Archive     *deadletter.Archive
	Keeper      *idempotency.Keeper

	ClientAuth  *auth.Envelope
	WebhookAuth *auth.Envelope
	Tokens      *auth.TokenValidator

	// WebhookLimiter bounds the payment provider channel. Nil disables limiting.
	WebhookLimiter *rate.Limiter
	// StrictFingerprint rejects an idempotency key reused with a different body.
	StrictFingerprint bool
	// Ready reports storage health for /health. Nil means always ready.
	Ready func(ctx context.Context) error
}

type Handler struct {
	coord   *service.Coordinator
	gate    *compliance.Gate
	archive *deadletter.Archive
	keeper  *idempotency.Keeper

	clientAuth  *auth.Envelope
	webhookAuth *auth.Envelope
	tokens      *auth.TokenValidator
	limiter     *rate.Limiter

	strictFingerprint bool
	ready             func(ctx context.Context) error
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		coord:             d.Coordinator,
		gate:              d.Gate,
		archive:           d.Archive,
		keeper:            d.Keeper,
		clientAuth:        d.ClientAuth,
		webhookAuth:       d.WebhookAuth,
		tokens:            d.Tokens,
		limiter:           d.WebhookLimiter,
		strictFingerprint: d.StrictFingerprint,
		ready:             d.Ready,
	}
}

// Router wires every endpoint. Client routes carry the client envelope, the webhook carries
// its own envelope, and privileged routes additionally require a bearer role.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	client := h.clientAuth.Middleware
	officer := auth.RequireRole(h.tokens, auth.RoleOfficer)
	executor := auth.RequireRole(h.tokens, auth.RoleExecutor)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Handle("/intents", client(h.idempotent(h.submitIntent))).Methods(http.MethodPost)
	v1.Handle("/intents/{id}", client(http.HandlerFunc(h.GetIntentHandler))).Methods(http.MethodGet)
	v1.Handle("/intents/{id}/refund", client(executor(http.HandlerFunc(h.RefundIntentHandler)))).Methods(http.MethodPost)

	v1.Handle("/webhooks/payments", h.rateLimit(h.webhookAuth.Middleware(http.HandlerFunc(h.PaymentWebhookHandler)))).Methods(http.MethodPost)

	v1.Handle("/compliance/{user}", officer(http.HandlerFunc(h.GetComplianceHandler))).Methods(http.MethodGet)
	v1.Handle("/compliance/{user}", officer(http.HandlerFunc(h.PutComplianceHandler))).Methods(http.MethodPut)

	v1.Handle("/deadletters", executor(http.HandlerFunc(h.ListDeadLettersHandler))).Methods(http.MethodGet)
	v1.Handle("/deadletters/{id}", executor(http.HandlerFunc(h.GetDeadLetterHandler))).Methods(http.MethodGet)
	v1.Handle("/deadletters/{id}/replay", executor(http.HandlerFunc(h.ReplayDeadLetterHandler))).Methods(http.MethodPost)
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// rateLimit sheds webhook load beyond the configured rate with 429.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			respondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/mintgate/internal/domain"
	"github.com/punchamoorthee/mintgate/internal/idempotency"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	replayHeader         = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255

	completeAttempts   = 3
	completeRetryDelay = 50 * time.Millisecond
)

var stuckKeys = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mintgate_idempotency_stuck_keys_total",
	Help: "Idempotency keys whose response could not be recorded after retries",
})

// Response is a fully rendered reply. Handlers behind the idempotency decorator return one
// instead of writing to the ResponseWriter, so the exact bytes can be stored and replayed.
type Response struct {
	Status int
	Body   []byte
}

func jsonResponse(status int, payload any) Response {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{Status: http.StatusInternalServerError, Body: []byte(`{"error":"Internal server error"}` + "\n")}
	}
	return Response{Status: status, Body: append(body, '\n')}
}

func (resp Response) write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// resultFunc handles a request whose body has already been read.
type resultFunc func(r *http.Request, body []byte) Response

// idempotent deduplicates by the Idempotency-Key header. A completed key replays the stored
// status and body; an in-flight key gets 409. Any 2xx or 4xx outcome is recorded; a 5xx or a
// panic releases the key so the client may retry.
func (h *Handler) idempotent(fn resultFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" || len(key) > maxIdempotencyKeyLen {
			respondWithError(w, http.StatusBadRequest, "Missing or invalid Idempotency-Key header")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := idempotency.Fingerprint(body)

		ctx := r.Context()
		res, err := h.keeper.Begin(ctx, key, fingerprint)
		if err != nil {
			slog.ErrorContext(ctx, "idempotency lookup failed", "key", key, "error", err)
			respondWithError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
			return
		}

		switch res.State {
		case idempotency.InFlight:
			respondWithDomainError(w, r, domain.ErrInFlight)
			return
		case idempotency.Completed:
			if res.Record.RequestFingerprint != fingerprint {
				if h.strictFingerprint {
					respondWithError(w, http.StatusUnprocessableEntity, "Idempotency-Key reused with a different request body")
					return
				}
				slog.WarnContext(ctx, "idempotency key reused with a different body; replaying first response", "key", key)
			}
			w.Header().Set(replayHeader, "true")
			Response{Status: res.Record.ResponseStatus, Body: res.Record.ResponseBody}.write(w)
			return
		}

		resp := h.runOwned(ctx, key, r, body, fn)
		resp.write(w)
	})
}

// runOwned invokes fn for a freshly reserved key and records or releases it on every path.
func (h *Handler) runOwned(ctx context.Context, key string, r *http.Request, body []byte, fn resultFunc) (resp Response) {
	// The outcome must be recorded even if the client hangs up.
	bg := context.WithoutCancel(ctx)
	settled := false
	defer func() {
		if settled {
			return
		}
		if err := h.keeper.Release(bg, key); err != nil {
			slog.ErrorContext(ctx, "idempotency release failed", "key", key, "error", err)
		}
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "handler panicked", "key", key, "panic", p)
			resp = jsonResponse(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		}
	}()

	resp = fn(r, body)
	if resp.Status >= http.StatusInternalServerError {
		return resp
	}
	// past this point the side effect has happened; the key is recorded, never released
	settled = true
	h.complete(ctx, bg, key, resp)
	return resp
}

// complete records resp for key, retrying a bounded number of times. A key that still cannot
// be completed stays in flight until it expires; that is escalated, never silent.
func (h *Handler) complete(ctx, bg context.Context, key string, resp Response) {
	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		if err = h.keeper.Complete(bg, key, resp.Status, resp.Body); err == nil {
			return
		}
		slog.WarnContext(ctx, "idempotency completion failed", "key", key, "attempt", attempt, "error", err)
		if attempt < completeAttempts {
			time.Sleep(time.Duration(attempt) * completeRetryDelay)
		}
	}
	stuckKeys.Inc()
	slog.ErrorContext(ctx, "idempotency key left in flight; clients get 409 until it expires",
		"key", key, "status", resp.Status, "attempts", completeAttempts, "error", err)
}

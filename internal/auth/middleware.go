package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const maxBodyBytes = 1 << 20

var authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mintgate_auth_failures_total",
	Help: "Requests rejected by the authentication envelope, by channel",
}, []string{"channel"})

// Middleware rejects requests whose signature or timestamp does not verify.
// The body is buffered and restored for the next handler.
func (e *Envelope) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Unreadable request body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := e.Verify(body, r.Header.Get(TimestampHeader), r.Header.Get(SignatureHeader)); err != nil {
			authFailures.WithLabelValues(e.channel).Inc()
			slog.WarnContext(r.Context(), "request failed envelope verification",
				"channel", e.channel, "path", r.URL.Path, "remote", r.RemoteAddr)
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole admits only bearer tokens that carry role.
func RequireRole(v *TokenValidator, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || v == nil {
				unauthorized(w)
				return
			}
			principal, err := v.Validate(parts[1])
			if err != nil {
				slog.WarnContext(r.Context(), "bearer token rejected", "path", r.URL.Path, "error", err)
				unauthorized(w)
				return
			}
			if !principal.HasRole(role) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

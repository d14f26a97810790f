package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

var (
	clientSecret  = []byte("client-secret")
	webhookSecret = []byte("webhook-secret")
	fixedNow      = time.Unix(1_760_000_000, 0)
)

func newTestEnvelope(secret []byte) *Envelope {
	e := NewEnvelope("client", secret, 5*time.Minute)
	e.now = func() time.Time { return fixedNow }
	return e
}

func ts(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }

func TestEnvelope_Verify(t *testing.T) {
	body := []byte(`{"amount":1}`)
	e := newTestEnvelope(clientSecret)
	// roughly 300 years ahead, past the range of time.Duration
	farFuture := strconv.FormatInt(fixedNow.Unix()+300*365*24*3600, 10)

	tests := []struct {
		name      string
		timestamp string
		signature string
		wantErr   bool
	}{
		{"valid", ts(fixedNow), Sign(clientSecret, body, ts(fixedNow)), false},
		{"edge of window", ts(fixedNow.Add(-5 * time.Minute)), Sign(clientSecret, body, ts(fixedNow.Add(-5*time.Minute))), false},
		{"stale", ts(fixedNow.Add(-5*time.Minute - time.Second)), Sign(clientSecret, body, ts(fixedNow.Add(-5*time.Minute-time.Second))), true},
		{"future", ts(fixedNow.Add(6 * time.Minute)), Sign(clientSecret, body, ts(fixedNow.Add(6*time.Minute))), true},
		{"wrong channel secret", ts(fixedNow), Sign(webhookSecret, body, ts(fixedNow)), true},
		{"signature over other timestamp", ts(fixedNow), Sign(clientSecret, body, ts(fixedNow.Add(time.Second))), true},
		{"far future", farFuture, Sign(clientSecret, body, farFuture), true},
		{"far past", "-9000000000000", Sign(clientSecret, body, "-9000000000000"), true},
		{"not hex", ts(fixedNow), "zz", true},
		{"empty", "", "", true},
		{"garbage timestamp", "yesterday", Sign(clientSecret, body, "yesterday"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Verify(body, tt.timestamp, tt.signature)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrUnauthorized))
		})
	}
}

func TestEnvelope_TamperedBody(t *testing.T) {
	e := newTestEnvelope(clientSecret)
	sig := Sign(clientSecret, []byte(`{"amount":1}`), ts(fixedNow))
	assert.Error(t, e.Verify([]byte(`{"amount":2}`), ts(fixedNow), sig))
}

func TestMiddleware_GenericFailureBody(t *testing.T) {
	e := newTestEnvelope(clientSecret)
	var seen []byte
	h := e.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))

	body := []byte(`{"x":1}`)
	do := func(timestamp, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
		req.Header.Set(TimestampHeader, timestamp)
		req.Header.Set(SignatureHeader, sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	ok := do(ts(fixedNow), Sign(clientSecret, body, ts(fixedNow)))
	assert.Equal(t, http.StatusNoContent, ok.Code)
	assert.Equal(t, body, seen, "body is restored for the next handler")

	badSig := do(ts(fixedNow), "00")
	stale := do(ts(fixedNow.Add(-time.Hour)), Sign(clientSecret, body, ts(fixedNow.Add(-time.Hour))))

	assert.Equal(t, http.StatusUnauthorized, badSig.Code)
	assert.Equal(t, http.StatusUnauthorized, stale.Code)
	assert.Equal(t, badSig.Body.String(), stale.Body.String(), "failure reason must not leak")
}

func TestRequireRole(t *testing.T) {
	secret := []byte("jwt-secret")
	v := NewTokenValidator(secret)
	h := RequireRole(v, RoleOfficer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(p.ID))
	}))

	officer, err := IssueToken(secret, "officer-1", time.Minute, RoleOfficer)
	require.NoError(t, err)
	executor, err := IssueToken(secret, "exec-1", time.Minute, RoleExecutor)
	require.NoError(t, err)
	forged, err := IssueToken([]byte("other"), "officer-1", time.Minute, RoleOfficer)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "officer-1", -time.Minute, RoleOfficer)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"officer", "Bearer " + officer, http.StatusOK},
		{"wrong role", "Bearer " + executor, http.StatusForbidden},
		{"forged", "Bearer " + forged, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
		{"basic scheme", "Basic abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/mintgate/internal/auth"
	"github.com/punchamoorthee/mintgate/internal/compliance"
	"github.com/punchamoorthee/mintgate/internal/deadletter"
	"github.com/punchamoorthee/mintgate/internal/domain"
	"github.com/punchamoorthee/mintgate/internal/idempotency"
	"github.com/punchamoorthee/mintgate/internal/ledger"
	"github.com/punchamoorthee/mintgate/internal/retry"
	"github.com/punchamoorthee/mintgate/internal/service"
	"github.com/punchamoorthee/mintgate/internal/store"
)

var (
	clientSecret  = []byte("client-secret-for-tests")
	webhookSecret = []byte("webhook-secret-for-tests")
	jwtSecret     = []byte("jwt-secret-for-tests")
)

const testUser = "0x5aeda56215b167893e80b4fe645ba6d5bab767de"

// flakyIntents fails CreateIntent while failCreate is set.
type flakyIntents struct {
	*store.Memory
	failCreate atomic.Bool
}

func (f *flakyIntents) CreateIntent(ctx context.Context, in domain.Intent) error {
	if f.failCreate.Load() {
		return errors.New("connection reset by peer")
	}
	return f.Memory.CreateIntent(ctx, in)
}

// flakyKeys fails CompleteKey while failures remain.
type flakyKeys struct {
	*store.Memory
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyKeys) CompleteKey(ctx context.Context, key string, status int, body []byte, at time.Time) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return f.Memory.CompleteKey(ctx, key, status, body, at)
}

type testServer struct {
	router  http.Handler
	store   *store.Memory
	intents *flakyIntents
	ledger  *ledger.Memory
	user    string
}

type serverOption func(*Deps)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	mem := store.NewMemory()
	intents := &flakyIntents{Memory: mem}
	lc := ledger.NewMemory()
	gate := compliance.NewGate(mem, 50)
	sched := retry.NewScheduler(mem, retry.Policy{
		InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, MaxAttempts: 4,
	}, retry.Options{Interval: time.Second})
	coord := service.NewCoordinator(intents, lc, gate, sched, service.Options{TargetClass: "US", LedgerTimeout: time.Second})

	d := Deps{
		Coordinator: coord,
		Gate:        gate,
		Archive:     deadletter.NewArchive(mem, coord),
		Keeper:      idempotency.NewKeeper(mem, time.Hour),
		ClientAuth:  auth.NewEnvelope("client", clientSecret, 5*time.Minute),
		WebhookAuth: auth.NewEnvelope("webhook", webhookSecret, 5*time.Minute),
		Tokens:      auth.NewTokenValidator(jwtSecret),
	}
	for _, o := range opts {
		o(&d)
	}

	user, err := domain.NormalizeUser(testUser)
	require.NoError(t, err)
	return &testServer{router: NewHandler(d).Router(), store: mem, intents: intents, ledger: lc, user: user}
}

func (s *testServer) makeCompliant(t *testing.T) {
	t.Helper()
	require.NoError(t, s.store.PutCompliance(context.Background(), domain.ComplianceRecord{
		User: s.user, RiskScore: 20, AttestationRef: "att-1", Verified: true, LastUpdated: time.Now(),
	}))
}

func signed(t *testing.T, method, path string, secret, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(auth.TimestampHeader, ts)
	req.Header.Set(auth.SignatureHeader, auth.Sign(secret, body, ts))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) submit(t *testing.T, key string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := signed(t, http.MethodPost, "/api/v1/intents", clientSecret, body)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	return s.do(req)
}

func (s *testServer) webhook(t *testing.T, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return s.do(signed(t, http.MethodPost, "/api/v1/webhooks/payments", webhookSecret, body))
}

func bearer(t *testing.T, req *http.Request, roles ...string) *http.Request {
	t.Helper()
	tok, err := auth.IssueToken(jwtSecret, "ops@example.com", time.Hour, roles...)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func submitBody(ref string, amount string) []byte {
	return []byte(fmt.Sprintf(`{"user":%q,"amount":%s,"target_class":"US","external_reference":%q}`, testUser, amount, ref))
}

func decodeIntentResponse(t *testing.T, rr *httptest.ResponseRecorder) domain.IntentResponse {
	t.Helper()
	var resp domain.IntentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestSubmit_CreatesIntent(t *testing.T) {
	s := newTestServer(t)
	rr := s.submit(t, "key-1", submitBody("wire-1", "1000000000000000000"))

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	resp := decodeIntentResponse(t, rr)
	assert.Equal(t, domain.OutcomeSubmitted, resp.Outcome)
	assert.Equal(t, domain.StatusPending, resp.Intent.Status)
	assert.Equal(t, "1000000000000000000", resp.Intent.Amount.String())
	assert.Equal(t, s.user, resp.Intent.User)
}

func TestSubmit_ReplayIsByteIdentical(t *testing.T) {
	s := newTestServer(t)
	body := submitBody("wire-1", "250")

	first := s.submit(t, "key-1", body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := s.submit(t, "key-1", body)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, "true", second.Header().Get(replayHeader))
	assert.Equal(t, 1, s.ledger.Calls("submit"))
}

func TestSubmit_RequiresIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	rr := s.submit(t, "", submitBody("wire-1", "1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, s.ledger.Calls("submit"))
}

func TestSubmit_ValidationErrorIsRecorded(t *testing.T) {
	s := newTestServer(t)
	first := s.submit(t, "key-1", submitBody("wire-1", "0"))
	require.Equal(t, http.StatusBadRequest, first.Code)
	assert.JSONEq(t, `{"error":"amount must be a positive integer"}`, first.Body.String())

	second := s.submit(t, "key-1", submitBody("wire-1", "0"))
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	bad := s.submit(t, "key-2", []byte(`{"amount":`))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestSubmit_ServerErrorReleasesKey(t *testing.T) {
	s := newTestServer(t)
	body := submitBody("wire-1", "5")

	s.intents.failCreate.Store(true)
	rr := s.submit(t, "key-1", body)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rr.Body.String())

	s.intents.failCreate.Store(false)
	rr = s.submit(t, "key-1", body)
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestSubmit_CompletionRetriedUntilRecorded(t *testing.T) {
	keys := &flakyKeys{Memory: store.NewMemory()}
	keys.failures.Store(completeAttempts - 1)
	s := newTestServer(t, func(d *Deps) { d.Keeper = idempotency.NewKeeper(keys, time.Hour) })
	body := submitBody("wire-1", "5")

	first := s.submit(t, "key-1", body)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, int32(completeAttempts), keys.calls.Load())

	second := s.submit(t, "key-1", body)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, "true", second.Header().Get(replayHeader))
	assert.Equal(t, 1, s.ledger.Calls("submit"))
}

func TestSubmit_CompletionFailureIsEscalatedNotReleased(t *testing.T) {
	keys := &flakyKeys{Memory: store.NewMemory()}
	keys.failures.Store(100)
	s := newTestServer(t, func(d *Deps) { d.Keeper = idempotency.NewKeeper(keys, time.Hour) })
	body := submitBody("wire-1", "5")
	stuckBefore := testutil.ToFloat64(stuckKeys)

	first := s.submit(t, "key-1", body)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, int32(completeAttempts), keys.calls.Load())
	assert.Equal(t, stuckBefore+1, testutil.ToFloat64(stuckKeys))

	// still reserved, so a retry cannot lock custody a second time
	again := s.submit(t, "key-1", body)
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.JSONEq(t, `{"error":"request with this Idempotency-Key is in progress"}`, again.Body.String())
	assert.Equal(t, 1, s.ledger.Calls("submit"))
}

func TestSubmit_ConcurrentSameKeyCreatesOneIntent(t *testing.T) {
	s := newTestServer(t)
	body := submitBody("wire-1", "77")

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := s.submit(t, "shared", body)
			mu.Lock()
			codes[rr.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.ledger.Calls("submit"))
	assert.GreaterOrEqual(t, codes[http.StatusCreated], 1)
	assert.Equal(t, 12, codes[http.StatusCreated]+codes[http.StatusConflict])
}

func TestSubmit_StrictFingerprint(t *testing.T) {
	lenient := newTestServer(t)
	require.Equal(t, http.StatusCreated, lenient.submit(t, "k", submitBody("a", "1")).Code)
	rr := lenient.submit(t, "k", submitBody("b", "2"))
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "a", decodeIntentResponse(t, rr).Intent.ExternalReference)

	strict := newTestServer(t, func(d *Deps) { d.StrictFingerprint = true })
	require.Equal(t, http.StatusCreated, strict.submit(t, "k", submitBody("a", "1")).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, strict.submit(t, "k", submitBody("b", "2")).Code)
}

func TestClientAuth_Rejections(t *testing.T) {
	s := newTestServer(t)
	body := submitBody("wire-1", "1")

	badSig := signed(t, http.MethodPost, "/api/v1/intents", []byte("wrong"), body)
	badSig.Header.Set(IdempotencyKeyHeader, "k")
	rr1 := s.do(badSig)

	stale := httptest.NewRequest(http.MethodPost, "/api/v1/intents", bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	stale.Header.Set(auth.TimestampHeader, ts)
	stale.Header.Set(auth.SignatureHeader, auth.Sign(clientSecret, body, ts))
	stale.Header.Set(IdempotencyKeyHeader, "k")
	rr2 := s.do(stale)

	// webhook secret is not valid on the client channel
	crossed := signed(t, http.MethodPost, "/api/v1/intents", webhookSecret, body)
	crossed.Header.Set(IdempotencyKeyHeader, "k")
	rr3 := s.do(crossed)

	for _, rr := range []*httptest.ResponseRecorder{rr1, rr2, rr3} {
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.JSONEq(t, `{"error":"Unauthorized"}`, rr.Body.String())
	}
	assert.Zero(t, s.ledger.Calls("submit"))
}

func TestWebhook_ConfirmMintsOnce(t *testing.T) {
	s := newTestServer(t)
	s.makeCompliant(t)
	require.Equal(t, http.StatusCreated, s.submit(t, "k", submitBody("wire-9", "1000000000000000000")).Code)

	rr := s.webhook(t, map[string]string{"external_reference": "wire-9", "status": "succeeded"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeIntentResponse(t, rr)
	assert.Equal(t, domain.OutcomeExecuted, resp.Outcome)

	rr = s.webhook(t, map[string]string{"external_reference": "wire-9", "status": "succeeded"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.OutcomeAlreadyFinalized, decodeIntentResponse(t, rr).Outcome)

	want, _ := new(big.Int).SetString("1000000000000000000", 10)
	assert.Equal(t, want, s.ledger.Credited(s.user))
}

func TestWebhook_Outcomes(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.submit(t, "k1", submitBody("ref-a", "10")).Code)
	require.Equal(t, http.StatusCreated, s.submit(t, "k2", submitBody("ref-b", "10")).Code)

	// unknown user record: terminal rejection, not an error
	rr := s.webhook(t, map[string]string{"external_reference": "ref-a", "status": "succeeded"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.OutcomeRejected, decodeIntentResponse(t, rr).Outcome)

	rr = s.webhook(t, map[string]string{"external_reference": "ref-b", "status": "failed", "reason": "chargeback"})
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeIntentResponse(t, rr)
	assert.Equal(t, domain.OutcomeRefunded, resp.Outcome)
	assert.Equal(t, "chargeback", resp.Intent.RefundReason)

	s.makeCompliant(t)
	s.ledger.FailNext("execute", context.DeadlineExceeded)
	rr = s.webhook(t, map[string]string{"external_reference": "ref-a", "status": "succeeded"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, domain.OutcomeQueued, decodeIntentResponse(t, rr).Outcome)

	rr = s.webhook(t, map[string]string{"external_reference": "nope", "status": "succeeded"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.webhook(t, map[string]string{"external_reference": "ref-a", "status": "pending"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhook_RejectsClientSecret(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"intent_id":"x","status":"succeeded"}`)
	rr := s.do(signed(t, http.MethodPost, "/api/v1/webhooks/payments", clientSecret, body))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWebhook_RateLimited(t *testing.T) {
	s := newTestServer(t, func(d *Deps) { d.WebhookLimiter = rate.NewLimiter(rate.Every(time.Hour), 1) })
	payload := map[string]string{"intent_id": "x", "status": "succeeded"}

	assert.Equal(t, http.StatusNotFound, s.webhook(t, payload).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.webhook(t, payload).Code)
}

func TestGetIntent(t *testing.T) {
	s := newTestServer(t)
	created := decodeIntentResponse(t, s.submit(t, "k", submitBody("r", "3")))

	rr := s.do(signed(t, http.MethodGet, "/api/v1/intents/"+created.Intent.ID, clientSecret, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var in domain.Intent
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &in))
	assert.Equal(t, created.Intent.ID, in.ID)

	rr = s.do(signed(t, http.MethodGet, "/api/v1/intents/0xmissing", clientSecret, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRefund_RequiresExecutorRole(t *testing.T) {
	s := newTestServer(t)
	created := decodeIntentResponse(t, s.submit(t, "k", submitBody("r", "3")))
	path := "/api/v1/intents/" + created.Intent.ID + "/refund"
	body := []byte(`{"reason":"customer request"}`)

	assert.Equal(t, http.StatusUnauthorized, s.do(signed(t, http.MethodPost, path, clientSecret, body)).Code)
	assert.Equal(t, http.StatusForbidden, s.do(bearer(t, signed(t, http.MethodPost, path, clientSecret, body), auth.RoleOfficer)).Code)

	rr := s.do(bearer(t, signed(t, http.MethodPost, path, clientSecret, body), auth.RoleExecutor))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, domain.OutcomeRefunded, decodeIntentResponse(t, rr).Outcome)

	rr = s.do(bearer(t, signed(t, http.MethodPost, path, clientSecret, body), auth.RoleExecutor))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.OutcomeAlreadyFinalized, decodeIntentResponse(t, rr).Outcome)
}

func TestCompliance_OfficerEndpoints(t *testing.T) {
	s := newTestServer(t)
	path := "/api/v1/compliance/" + testUser
	put := func(body string, roles ...string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, path, bytes.NewBufferString(body))
		if len(roles) > 0 {
			bearer(t, req, roles...)
		}
		return s.do(req)
	}

	assert.Equal(t, http.StatusUnauthorized, put(`{"risk_score":10}`).Code)
	assert.Equal(t, http.StatusForbidden, put(`{"risk_score":10}`, auth.RoleExecutor).Code)
	assert.Equal(t, http.StatusBadRequest, put(`{"risk_score":101,"verified":true}`, auth.RoleOfficer).Code)

	get := bearer(t, httptest.NewRequest(http.MethodGet, path, nil), auth.RoleOfficer)
	assert.Equal(t, http.StatusNotFound, s.do(get).Code)

	rr := put(`{"risk_score":50,"attestation_ref":"doc-7","verified":true}`, auth.RoleOfficer)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = s.do(bearer(t, httptest.NewRequest(http.MethodGet, path, nil), auth.RoleOfficer))
	require.Equal(t, http.StatusOK, rr.Code)
	var view complianceView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.True(t, view.Compliant)
	assert.Equal(t, s.user, view.Record.User)
	assert.Equal(t, 50, view.Record.RiskScore)
}

func TestDeadLetters_ListAndReplay(t *testing.T) {
	s := newTestServer(t)
	s.makeCompliant(t)
	created := decodeIntentResponse(t, s.submit(t, "k", submitBody("r", "8")))

	ctx := context.Background()
	now := time.Now().UTC()
	_, err := s.store.EnqueueRetry(ctx, domain.RetryItem{
		ID: "retry-1", IntentID: created.Intent.ID, Operation: domain.OpExecute, Payload: []byte(`{}`),
		MaxAttempts: 4, NextRetryAt: now, CreatedAt: now,
	})
	require.NoError(t, err)
	ok, err := s.store.PromoteRetry(ctx, "retry-1", 0, domain.DeadLetterEntry{
		ID: "dl-1", Operation: domain.OpExecute, IntentID: created.Intent.ID, Payload: []byte(`{}`),
		Attempts: 4, LastError: "timeout", CreatedAt: now, FailedAt: now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	list := s.do(bearer(t, httptest.NewRequest(http.MethodGet, "/api/v1/deadletters", nil), auth.RoleExecutor))
	require.Equal(t, http.StatusOK, list.Code)
	var page struct {
		Entries []domain.DeadLetterEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &page))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, 4, page.Entries[0].Attempts)

	bad := s.do(bearer(t, httptest.NewRequest(http.MethodGet, "/api/v1/deadletters?limit=-1", nil), auth.RoleExecutor))
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	replay := s.do(bearer(t, httptest.NewRequest(http.MethodPost, "/api/v1/deadletters/dl-1/replay", nil), auth.RoleExecutor))
	require.Equal(t, http.StatusOK, replay.Code, replay.Body.String())
	var res deadletter.ReplayResult
	require.NoError(t, json.Unmarshal(replay.Body.Bytes(), &res))
	assert.Equal(t, domain.OutcomeExecuted, res.Outcome)
	assert.Equal(t, "8", s.ledger.Credited(s.user).String())

	missing := s.do(bearer(t, httptest.NewRequest(http.MethodGet, "/api/v1/deadletters/dl-1", nil), auth.RoleExecutor))
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)

	down := newTestServer(t, func(d *Deps) {
		d.Ready = func(context.Context) error { return errors.New("db down") }
	})
	assert.Equal(t, http.StatusServiceUnavailable, down.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

package store

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

// Memory implements every storage contract in process. A single mutex gives each call
// the atomicity a transactional store would.
type Memory struct {
	mu          sync.Mutex
	intents     map[string]domain.Intent
	compliance  map[string]domain.ComplianceRecord
	idempotency map[string]domain.IdempotencyRecord
	retries     map[string]domain.RetryItem
	deadLetters map[string]domain.DeadLetterEntry
}

func NewMemory() *Memory {
	return &Memory{
		intents:     make(map[string]domain.Intent),
		compliance:  make(map[string]domain.ComplianceRecord),
		idempotency: make(map[string]domain.IdempotencyRecord),
		retries:     make(map[string]domain.RetryItem),
		deadLetters: make(map[string]domain.DeadLetterEntry),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func cloneIntent(in domain.Intent) domain.Intent {
	if in.Amount != nil {
		in.Amount = new(big.Int).Set(in.Amount)
	}
	if in.FinalizedAt != nil {
		t := *in.FinalizedAt
		in.FinalizedAt = &t
	}
	return in
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// Intents

func (m *Memory) CreateIntent(_ context.Context, in domain.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[in.ID]; ok {
		return domain.ErrDuplicateIntent
	}
	m.intents[in.ID] = cloneIntent(in)
	return nil
}

func (m *Memory) GetIntent(_ context.Context, id string) (*domain.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	out := cloneIntent(in)
	return &out, nil
}

func (m *Memory) GetIntentByReference(_ context.Context, ref string) (*domain.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Intent
	for _, in := range m.intents {
		if in.ExternalReference != ref {
			continue
		}
		if latest == nil || in.SubmittedAt.After(latest.SubmittedAt) ||
			(in.SubmittedAt.Equal(latest.SubmittedAt) && in.ID > latest.ID) {
			c := cloneIntent(in)
			latest = &c
		}
	}
	if latest == nil {
		return nil, domain.ErrIntentNotFound
	}
	return latest, nil
}

func (m *Memory) TransitionIntent(_ context.Context, id string, from, to domain.IntentStatus, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return false, domain.ErrIntentNotFound
	}
	if in.Status != from {
		return false, nil
	}
	in.Status = to
	in.RefundReason = reason
	in.FinalizedAt = &at
	m.intents[id] = in
	return true, nil
}

// Compliance

func (m *Memory) GetCompliance(_ context.Context, user string) (*domain.ComplianceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.compliance[user]
	if !ok {
		return nil, domain.ErrNoComplianceRecord
	}
	return &rec, nil
}

func (m *Memory) PutCompliance(_ context.Context, rec domain.ComplianceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compliance[rec.User] = rec
	return nil
}

// Idempotency

func (m *Memory) ReserveKey(_ context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.idempotency[rec.Key]; ok && existing.ExpiresAt.After(rec.CreatedAt) {
		existing.ResponseBody = cloneRaw(existing.ResponseBody)
		return &existing, nil
	}
	m.idempotency[rec.Key] = rec
	return nil, nil
}

func (m *Memory) CompleteKey(_ context.Context, key string, status int, body []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idempotency[key]
	if !ok || !rec.InFlight() {
		return errKeyNotInFlight(key)
	}
	rec.ResponseStatus = status
	rec.ResponseBody = cloneRaw(body)
	rec.CompletedAt = &at
	m.idempotency[key] = rec
	return nil
}

func (m *Memory) ReleaseKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.idempotency[key]; ok && rec.InFlight() {
		delete(m.idempotency, key)
	}
	return nil
}

func (m *Memory) PurgeExpiredKeys(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.idempotency {
		if !rec.ExpiresAt.After(now) {
			delete(m.idempotency, k)
			n++
		}
	}
	return n, nil
}

// Retries

func (m *Memory) EnqueueRetry(_ context.Context, item domain.RetryItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.retries {
		if r.IntentID == item.IntentID && r.Operation == item.Operation {
			return false, nil
		}
	}
	item.Payload = cloneRaw(item.Payload)
	m.retries[item.ID] = item
	return true, nil
}

func (m *Memory) ClaimDueRetries(_ context.Context, now time.Time, limit int, lease time.Duration) ([]domain.RetryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.RetryItem
	for _, r := range m.retries {
		if !r.NextRetryAt.After(now) && r.Attempt < r.MaxAttempts {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for _, r := range due {
		leased := r
		leased.NextRetryAt = now.Add(lease)
		m.retries[r.ID] = leased
	}
	return due, nil
}

func (m *Memory) RescheduleRetry(_ context.Context, item domain.RetryItem, claimedAttempt int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.retries[item.ID]
	if !ok || cur.Attempt != claimedAttempt {
		return false, nil
	}
	cur.Attempt = item.Attempt
	cur.NextRetryAt = item.NextRetryAt
	cur.LastError = item.LastError
	m.retries[item.ID] = cur
	return true, nil
}

func (m *Memory) DeleteRetry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retries, id)
	return nil
}

func (m *Memory) PromoteRetry(_ context.Context, id string, claimedAttempt int, entry domain.DeadLetterEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.retries[id]
	if !ok || cur.Attempt != claimedAttempt {
		return false, nil
	}
	delete(m.retries, id)
	entry.Payload = cloneRaw(entry.Payload)
	m.deadLetters[entry.ID] = entry
	return true, nil
}

func (m *Memory) ListRetries(_ context.Context) ([]domain.RetryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RetryItem, 0, len(m.retries))
	for _, r := range m.retries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	return out, nil
}

// Dead letters

func (m *Memory) ListDeadLetters(_ context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0, len(m.deadLetters))
	for _, e := range m.deadLetters {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetDeadLetter(_ context.Context, id string) (*domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.deadLetters[id]
	if !ok {
		return nil, domain.ErrDeadLetterNotFound
	}
	e.Payload = cloneRaw(e.Payload)
	return &e, nil
}

func (m *Memory) DeleteDeadLetter(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deadLetters[id]; !ok {
		return domain.ErrDeadLetterNotFound
	}
	delete(m.deadLetters, id)
	return nil
}

// Package idempotency deduplicates inbound requests by a caller-supplied key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

// State is the outcome of Begin.
type State int

const (
	// Fresh means the caller owns the key and must Complete or Release it.
	Fresh State = iota
	// InFlight means another request holds the key and has not finished.
	InFlight
	// Completed means the stored response must be replayed as-is.
	Completed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	}
	return "unknown"
}

var beginOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mintgate_idempotency_begin_total",
	Help: "Idempotency key lookups by resulting state",
}, []string{"state"})

// Store persists idempotency records. Implementations enforce key uniqueness.
type Store interface {
	// ReserveKey inserts rec unless an unexpired record for rec.Key exists.
	// It returns nil when rec was inserted, otherwise the existing record.
	ReserveKey(ctx context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, error)
	// CompleteKey records the response for an in-flight key.
	CompleteKey(ctx context.Context, key string, status int, body []byte, at time.Time) error
	// ReleaseKey deletes an in-flight key so the request can be retried.
	ReleaseKey(ctx context.Context, key string) error
	// PurgeExpiredKeys deletes records whose expiry is at or before now.
	PurgeExpiredKeys(ctx context.Context, now time.Time) (int64, error)
}

// Result is what Begin found for a key.
type Result struct {
	State  State
	Record *domain.IdempotencyRecord
}

// Keeper implements begin/complete on top of a Store.
type Keeper struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewKeeper(store Store, ttl time.Duration) *Keeper {
	return &Keeper{store: store, ttl: ttl, now: time.Now}
}

// Fingerprint hashes a request body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Begin claims key for a new request or reports what already holds it.
func (k *Keeper) Begin(ctx context.Context, key, fingerprint string) (Result, error) {
	now := k.now().UTC()
	rec := domain.IdempotencyRecord{
		Key:                key,
		RequestFingerprint: fingerprint,
		CreatedAt:          now,
		ExpiresAt:          now.Add(k.ttl),
	}

	existing, err := k.store.ReserveKey(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency reserve: %w", err)
	}

	var res Result
	switch {
	case existing == nil:
		res = Result{State: Fresh, Record: &rec}
	case existing.InFlight():
		res = Result{State: InFlight, Record: existing}
	default:
		res = Result{State: Completed, Record: existing}
	}
	beginOutcomes.WithLabelValues(res.State.String()).Inc()
	return res, nil
}

// Complete records the response for key. Call exactly once after a Fresh Begin.
func (k *Keeper) Complete(ctx context.Context, key string, status int, body []byte) error {
	if err := k.store.CompleteKey(ctx, key, status, body, k.now().UTC()); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

// Release gives up a Fresh key without recording a response.
func (k *Keeper) Release(ctx context.Context, key string) error {
	if err := k.store.ReleaseKey(ctx, key); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

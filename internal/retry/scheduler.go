package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

var (
	enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mintgate_retry_enqueued_total",
		Help: "Ledger operations handed to the retry scheduler",
	}, []string{"operation"})

	attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mintgate_retry_attempts_total",
		Help: "Retry attempts by operation and result",
	}, []string{"operation", "result"})

	exhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mintgate_retry_dead_lettered_total",
		Help: "Retry items promoted to the dead-letter archive",
	}, []string{"operation"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mintgate_retry_sweep_duration_seconds",
		Help:    "Time spent processing one batch of due retry items",
		Buckets: prometheus.DefBuckets,
	})
)

// Store persists retry items. Claims are leased so concurrent sweepers do not share items.
type Store interface {
	EnqueueRetry(ctx context.Context, item domain.RetryItem) (bool, error)
	ClaimDueRetries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.RetryItem, error)
	RescheduleRetry(ctx context.Context, item domain.RetryItem, claimedAttempt int) (bool, error)
	DeleteRetry(ctx context.Context, id string) error
	PromoteRetry(ctx context.Context, id string, claimedAttempt int, entry domain.DeadLetterEntry) (bool, error)
}

// Dispatcher re-issues one operation. A nil error or domain.ErrAlreadyFinalized completes the item.
// Errors classified as transient are retried; anything else goes straight to the dead-letter archive.
type Dispatcher interface {
	Dispatch(ctx context.Context, op domain.OperationKind, intentID string, payload domain.OperationPayload) error
}

// Options tune the sweep loop.
type Options struct {
	Interval  time.Duration
	BatchSize int
	// Lease is how long a claimed item stays invisible to other sweepers.
	Lease time.Duration
}

type Scheduler struct {
	store  Store
	policy Policy
	opts   Options
	now    func() time.Time
	newID  func() string
}

func NewScheduler(store Store, policy Policy, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	return &Scheduler{
		store:  store,
		policy: policy,
		opts:   opts,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Enqueue records the first failure of an operation. It reports false when the same
// operation for the same intent is already queued.
func (s *Scheduler) Enqueue(ctx context.Context, intentID string, op domain.OperationKind, payload domain.OperationPayload, cause error) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode retry payload: %w", err)
	}
	now := s.now().UTC()
	item := domain.RetryItem{
		ID:          s.newID(),
		IntentID:    intentID,
		Operation:   op,
		Payload:     raw,
		Attempt:     0,
		MaxAttempts: s.policy.MaxAttempts,
		NextRetryAt: now.Add(s.policy.Backoff(0)),
		LastError:   errString(cause),
		CreatedAt:   now,
	}
	added, err := s.store.EnqueueRetry(ctx, item)
	if err != nil {
		return false, fmt.Errorf("enqueue retry: %w", err)
	}
	if added {
		enqueued.WithLabelValues(string(op)).Inc()
		slog.WarnContext(ctx, "ledger operation queued for retry",
			"intent_id", intentID, "operation", op, "next_retry_at", item.NextRetryAt, "error", item.LastError)
	}
	return added, nil
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, d Dispatcher) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx, d); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "retry sweep failed", "error", err)
			}
		}
	}
}

// Sweep claims one batch of due items, oldest due first, and processes each once.
// It returns the number of items claimed.
func (s *Scheduler) Sweep(ctx context.Context, d Dispatcher) (int, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	items, err := s.store.ClaimDueRetries(ctx, s.now().UTC(), s.opts.BatchSize, s.opts.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim due retries: %w", err)
	}
	for _, item := range items {
		if ctx.Err() != nil {
			// unprocessed items become due again once their lease runs out
			return len(items), ctx.Err()
		}
		if err := s.process(ctx, d, item); err != nil {
			slog.ErrorContext(ctx, "retry item bookkeeping failed",
				"retry_id", item.ID, "intent_id", item.IntentID, "error", err)
		}
	}
	return len(items), nil
}

func (s *Scheduler) process(ctx context.Context, d Dispatcher, item domain.RetryItem) error {
	var payload domain.OperationPayload
	if len(item.Payload) > 0 {
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return s.promote(ctx, item, item.Attempt+1, fmt.Errorf("decode payload: %w", err))
		}
	}

	err := d.Dispatch(ctx, item.Operation, item.IntentID, payload)
	if err == nil || errors.Is(err, domain.ErrAlreadyFinalized) {
		attempts.WithLabelValues(string(item.Operation), "succeeded").Inc()
		slog.InfoContext(ctx, "retried ledger operation completed",
			"intent_id", item.IntentID, "operation", item.Operation, "attempt", item.Attempt)
		return s.store.DeleteRetry(ctx, item.ID)
	}

	next := item.Attempt + 1
	if !domain.IsTransient(err) {
		attempts.WithLabelValues(string(item.Operation), "permanent").Inc()
		return s.promote(ctx, item, next, err)
	}
	attempts.WithLabelValues(string(item.Operation), "transient").Inc()
	if next >= item.MaxAttempts {
		return s.promote(ctx, item, next, fmt.Errorf("%w: %w", domain.ErrRetriesExhausted, err))
	}

	updated := item
	updated.Attempt = next
	updated.NextRetryAt = s.now().UTC().Add(s.policy.Backoff(next))
	updated.LastError = err.Error()
	ok, serr := s.store.RescheduleRetry(ctx, updated, item.Attempt)
	if serr != nil {
		return serr
	}
	if !ok {
		slog.DebugContext(ctx, "retry item changed while claimed", "retry_id", item.ID)
		return nil
	}
	slog.WarnContext(ctx, "ledger operation failed again",
		"intent_id", item.IntentID, "operation", item.Operation,
		"attempt", next, "next_retry_at", updated.NextRetryAt, "error", err)
	return nil
}

func (s *Scheduler) promote(ctx context.Context, item domain.RetryItem, attemptsMade int, cause error) error {
	entry := domain.DeadLetterEntry{
		ID:        s.newID(),
		Operation: item.Operation,
		IntentID:  item.IntentID,
		Payload:   item.Payload,
		Attempts:  attemptsMade,
		LastError: errString(cause),
		CreatedAt: item.CreatedAt,
		FailedAt:  s.now().UTC(),
	}
	ok, err := s.store.PromoteRetry(ctx, item.ID, item.Attempt, entry)
	if err != nil {
		return err
	}
	if !ok {
		slog.DebugContext(ctx, "retry item changed while claimed", "retry_id", item.ID)
		return nil
	}
	exhausted.WithLabelValues(string(item.Operation)).Inc()
	slog.ErrorContext(ctx, "ledger operation moved to dead-letter archive",
		"intent_id", item.IntentID, "operation", item.Operation, "kind", domain.KindOf(cause).String(),
		"attempts", attemptsMade, "dead_letter_id", entry.ID, "error", entry.LastError)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Package deadletter exposes the archive of operations that exhausted automatic retry.
// Entries are only removed by an operator replay that the coordinator accepts.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

var replays = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mintgate_deadletter_replays_total",
	Help: "Operator replays of dead-letter entries by result",
}, []string{"operation", "result"})

type Store interface {
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetterEntry, error)
	DeleteDeadLetter(ctx context.Context, id string) error
}

// Replayer re-submits an operation through the same entry points live traffic uses.
type Replayer interface {
	Redrive(ctx context.Context, op domain.OperationKind, intentID string, payload domain.OperationPayload) (*domain.IntentResponse, error)
}

// ReplayResult reports what happened to a replayed entry.
type ReplayResult struct {
	Entry   domain.DeadLetterEntry `json:"entry"`
	Outcome string                 `json:"outcome"`
	Intent  *domain.Intent         `json:"intent,omitempty"`
}

type Archive struct {
	store    Store
	replayer Replayer
}

func NewArchive(store Store, replayer Replayer) *Archive {
	return &Archive{store: store, replayer: replayer}
}

func (a *Archive) List(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	return a.store.ListDeadLetters(ctx, limit)
}

func (a *Archive) Get(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	return a.store.GetDeadLetter(ctx, id)
}

// Replay re-enters the pipeline as a brand-new attempt. The entry is deleted when the
// coordinator completed the operation, found the intent already finalized, or queued a
// fresh retry; on any other error it stays archived.
func (a *Archive) Replay(ctx context.Context, id string) (*ReplayResult, error) {
	entry, err := a.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}

	var payload domain.OperationPayload
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return nil, domain.E(domain.KindValidation, "deadletter replay", fmt.Errorf("stored payload: %w", err))
		}
	}

	result := &ReplayResult{Entry: *entry}
	resp, err := a.replayer.Redrive(ctx, entry.Operation, entry.IntentID, payload)
	switch {
	case err == nil:
		result.Outcome = resp.Outcome
		in := resp.Intent
		result.Intent = &in
	case errors.Is(err, domain.ErrAlreadyFinalized):
		result.Outcome = domain.OutcomeAlreadyFinalized
		if resp != nil {
			in := resp.Intent
			result.Intent = &in
		}
	default:
		replays.WithLabelValues(string(entry.Operation), "failed").Inc()
		slog.WarnContext(ctx, "dead-letter replay failed",
			"dead_letter_id", id, "intent_id", entry.IntentID, "operation", entry.Operation, "error", err)
		return nil, err
	}

	if err := a.store.DeleteDeadLetter(ctx, id); err != nil && !errors.Is(err, domain.ErrDeadLetterNotFound) {
		return nil, fmt.Errorf("delete replayed entry: %w", err)
	}
	replays.WithLabelValues(string(entry.Operation), result.Outcome).Inc()
	slog.InfoContext(ctx, "dead-letter entry replayed",
		"dead_letter_id", id, "intent_id", entry.IntentID, "operation", entry.Operation, "outcome", result.Outcome)
	return result, nil
}

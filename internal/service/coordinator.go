// Package service holds the intent coordinator: submit, confirm, execute and refund
// against the ledger, gated by compliance and backed by the retry scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/mintgate/internal/domain"
	"github.com/punchamoorthee/mintgate/internal/ledger"
)

var outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mintgate_intent_operations_total",
	Help: "Coordinator operations by operation and outcome",
}, []string{"operation", "outcome"})

// errCustodyMissing is returned while a queued submit has not reached the ledger yet.
var errCustodyMissing = errors.New("ledger holds no custody for intent yet")

// IntentStore persists intents. TransitionIntent must be a single compare-and-set.
type IntentStore interface {
	CreateIntent(ctx context.Context, in domain.Intent) error
	GetIntent(ctx context.Context, id string) (*domain.Intent, error)
	GetIntentByReference(ctx context.Context, ref string) (*domain.Intent, error)
	TransitionIntent(ctx context.Context, id string, from, to domain.IntentStatus, reason string, at time.Time) (bool, error)
}

// ComplianceChecker answers whether a user may be minted to right now.
type ComplianceChecker interface {
	IsCompliant(ctx context.Context, user string) (bool, error)
}

// RetryQueue accepts ledger operations that failed transiently.
type RetryQueue interface {
	Enqueue(ctx context.Context, intentID string, op domain.OperationKind, payload domain.OperationPayload, cause error) (bool, error)
}

type Options struct {
	TargetClass   string
	LedgerTimeout time.Duration
}

type Coordinator struct {
	intents       IntentStore
	ledger        ledger.Client
	gate          ComplianceChecker
	retries       RetryQueue
	targetClass   string
	ledgerTimeout time.Duration
	now           func() time.Time
}

func NewCoordinator(intents IntentStore, lc ledger.Client, gate ComplianceChecker, retries RetryQueue, opts Options) *Coordinator {
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = 10 * time.Second
	}
	return &Coordinator{
		intents:       intents,
		ledger:        lc,
		gate:          gate,
		retries:       retries,
		targetClass:   opts.TargetClass,
		ledgerTimeout: opts.LedgerTimeout,
		now:           time.Now,
	}
}

// Submit validates the request, persists a pending intent and locks custody on the ledger.
// A transient ledger failure leaves the intent pending and queues the submit.
func (c *Coordinator) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.IntentResponse, error) {
	const op = "coordinator.submit"

	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.TargetClass != c.targetClass {
		return nil, domain.ErrInvalidTargetClass
	}
	ref := strings.TrimSpace(req.ExternalReference)
	if ref == "" {
		return nil, domain.ErrInvalidReference
	}
	user, err := domain.NormalizeUser(req.User)
	if err != nil {
		return nil, err
	}

	// The id hashes whole seconds, so the stored instant is truncated to match.
	now := c.now().UTC().Truncate(time.Second)
	in := domain.Intent{
		ID:                domain.DeriveIntentID(user, ref, now),
		User:              user,
		Amount:            req.Amount,
		TargetClass:       req.TargetClass,
		ExternalReference: ref,
		Status:            domain.StatusPending,
		SubmittedAt:       now,
	}

	if err := c.intents.CreateIntent(ctx, in); err != nil {
		if errors.Is(err, domain.ErrDuplicateIntent) {
			slog.WarnContext(ctx, "duplicate intent submission", "intent_id", in.ID, "user", user, "external_reference", ref)
			outcomes.WithLabelValues("submit", "duplicate").Inc()
			return nil, err
		}
		return nil, domain.E(domain.KindInternal, op, err)
	}

	if err := c.lock(ctx, in); err != nil {
		if domain.IsTransient(err) {
			return c.queue(ctx, in, domain.OpSubmit, domain.OperationPayload{}, err)
		}
		slog.ErrorContext(ctx, "ledger rejected custody lock", "intent_id", in.ID, "error", err)
		outcomes.WithLabelValues("submit", "failed").Inc()
		return nil, domain.E(domain.KindInternal, op, err)
	}

	slog.InfoContext(ctx, "intent submitted", "intent_id", in.ID, "user", user, "amount", in.Amount.String())
	outcomes.WithLabelValues("submit", domain.OutcomeSubmitted).Inc()
	return &domain.IntentResponse{Intent: in, Outcome: domain.OutcomeSubmitted}, nil
}

// Confirm applies a payment provider outcome: succeeded executes, failed refunds.
// A finalized intent yields domain.ErrAlreadyFinalized together with its current state.
func (c *Coordinator) Confirm(ctx context.Context, req domain.ConfirmRequest) (*domain.IntentResponse, error) {
	var (
		kind    domain.OperationKind
		payload domain.OperationPayload
	)
	switch req.Status {
	case domain.PaymentSucceeded:
		kind = domain.OpExecute
	case domain.PaymentFailed:
		kind = domain.OpRefund
		payload.Reason = strings.TrimSpace(req.Reason)
		if payload.Reason == "" {
			payload.Reason = "payment failed"
		}
	default:
		return nil, domain.ErrInvalidOutcome
	}

	in, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.live(ctx, in, kind, payload)
}

// Execute mints a pending intent if its user is compliant right now.
func (c *Coordinator) Execute(ctx context.Context, intentID string) (*domain.IntentResponse, error) {
	in, err := c.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return c.live(ctx, in, domain.OpExecute, domain.OperationPayload{})
}

// Refund releases custody of a pending intent back to the payer.
func (c *Coordinator) Refund(ctx context.Context, intentID, reason string) (*domain.IntentResponse, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.E(domain.KindValidation, "coordinator.refund", errors.New("refund reason required"))
	}
	in, err := c.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return c.live(ctx, in, domain.OpRefund, domain.OperationPayload{Reason: reason})
}

func (c *Coordinator) Get(ctx context.Context, intentID string) (*domain.Intent, error) {
	in, err := c.intents.GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, domain.ErrIntentNotFound) {
			return nil, err
		}
		return nil, domain.E(domain.KindInternal, "coordinator.get", err)
	}
	return in, nil
}

// Dispatch re-issues a queued operation for the retry scheduler. Transient failures are
// returned rather than queued again.
func (c *Coordinator) Dispatch(ctx context.Context, op domain.OperationKind, intentID string, payload domain.OperationPayload) error {
	if !op.Valid() {
		return unknownOperation("coordinator.dispatch", op)
	}
	in, err := c.Get(ctx, intentID)
	if err != nil {
		return err
	}
	if op == domain.OpSubmit {
		return c.lock(ctx, *in)
	}
	if in.Status.Final() {
		return domain.ErrAlreadyFinalized
	}
	_, err = c.finalize(ctx, *in, op, payload)
	return err
}

// Redrive runs an archived operation through the live entry points. Unlike Confirm, a
// compliance rejection is returned as an error so the archive keeps the entry.
func (c *Coordinator) Redrive(ctx context.Context, op domain.OperationKind, intentID string, payload domain.OperationPayload) (*domain.IntentResponse, error) {
	if !op.Valid() {
		return nil, unknownOperation("coordinator.redrive", op)
	}
	in, err := c.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if op == domain.OpSubmit {
		if err := c.lock(ctx, *in); err != nil {
			if domain.IsTransient(err) {
				return c.queue(ctx, *in, op, payload, err)
			}
			return nil, err
		}
		return &domain.IntentResponse{Intent: *in, Outcome: domain.OutcomeSubmitted}, nil
	}
	if in.Status.Final() {
		return c.finalized(ctx, *in, op)
	}
	resp, err := c.finalize(ctx, *in, op, payload)
	if domain.IsTransient(err) {
		return c.queue(ctx, *in, op, payload, err)
	}
	return resp, err
}

func unknownOperation(op string, kind domain.OperationKind) error {
	return domain.E(domain.KindValidation, op, fmt.Errorf("unknown operation %q", kind))
}

func (c *Coordinator) resolve(ctx context.Context, req domain.ConfirmRequest) (*domain.Intent, error) {
	switch {
	case req.IntentID != "":
		return c.Get(ctx, req.IntentID)
	case strings.TrimSpace(req.ExternalReference) != "":
		in, err := c.intents.GetIntentByReference(ctx, strings.TrimSpace(req.ExternalReference))
		if err != nil && !errors.Is(err, domain.ErrIntentNotFound) {
			return nil, domain.E(domain.KindInternal, "coordinator.resolve", err)
		}
		return in, err
	}
	return nil, domain.ErrInvalidReference
}

// live is the shared path for webhook, manual and API-driven finalization.
func (c *Coordinator) live(ctx context.Context, in *domain.Intent, op domain.OperationKind, payload domain.OperationPayload) (*domain.IntentResponse, error) {
	if in.Status.Final() {
		return c.finalized(ctx, *in, op)
	}

	resp, err := c.finalize(ctx, *in, op, payload)
	switch {
	case err == nil:
		return resp, nil
	case domain.IsTransient(err):
		return c.queue(ctx, *in, op, payload, err)
	case errors.Is(err, domain.ErrComplianceRejected):
		outcomes.WithLabelValues(string(op), domain.OutcomeRejected).Inc()
		return &domain.IntentResponse{Intent: *in, Outcome: domain.OutcomeRejected}, nil
	case errors.Is(err, domain.ErrAlreadyFinalized):
		cur, gerr := c.Get(ctx, in.ID)
		if gerr != nil {
			cur = in
		}
		return c.finalized(ctx, *cur, op)
	}
	return nil, err
}

func (c *Coordinator) finalized(ctx context.Context, in domain.Intent, op domain.OperationKind) (*domain.IntentResponse, error) {
	slog.WarnContext(ctx, "operation on finalized intent", "intent_id", in.ID, "operation", op, "status", in.Status)
	outcomes.WithLabelValues(string(op), domain.OutcomeAlreadyFinalized).Inc()
	return &domain.IntentResponse{Intent: in, Outcome: domain.OutcomeAlreadyFinalized}, domain.ErrAlreadyFinalized
}

func (c *Coordinator) queue(ctx context.Context, in domain.Intent, op domain.OperationKind, payload domain.OperationPayload, cause error) (*domain.IntentResponse, error) {
	if _, err := c.retries.Enqueue(context.WithoutCancel(ctx), in.ID, op, payload, cause); err != nil {
		return nil, domain.E(domain.KindInternal, "coordinator.queue", err)
	}
	outcomes.WithLabelValues(string(op), domain.OutcomeQueued).Inc()
	return &domain.IntentResponse{Intent: in, Outcome: domain.OutcomeQueued}, nil
}

// finalize executes or refunds a locally pending intent. The ledger status is read first
// and is authoritative: a ledger-side final state is mirrored locally and reported as
// domain.ErrAlreadyFinalized.
func (c *Coordinator) finalize(ctx context.Context, in domain.Intent, op domain.OperationKind, payload domain.OperationPayload) (*domain.IntentResponse, error) {
	opName := "coordinator." + string(op)

	if op == domain.OpExecute {
		ok, err := c.gate.IsCompliant(ctx, in.User)
		if err != nil {
			return nil, domain.E(domain.KindInternal, opName, err)
		}
		if !ok {
			slog.InfoContext(ctx, "execution rejected by compliance gate", "intent_id", in.ID, "user", in.User)
			return nil, domain.ErrComplianceRejected
		}
	}

	if err := c.reconcile(ctx, in); err != nil {
		return nil, err
	}

	lctx, cancel := c.ledgerContext(ctx)
	defer cancel()
	var (
		err    error
		target domain.IntentStatus
	)
	switch op {
	case domain.OpExecute:
		target = domain.StatusExecuted
		err = c.ledger.Execute(lctx, in.ID)
	case domain.OpRefund:
		target = domain.StatusRefunded
		err = c.ledger.Refund(lctx, in.ID, payload.Reason)
	default:
		return nil, unknownOperation(opName, op)
	}
	if err != nil {
		if errors.Is(err, ledger.ErrNotPending) {
			// lost the ledger-side race; mirror the winner
			if rerr := c.reconcile(ctx, in); rerr != nil {
				return nil, rerr
			}
			return nil, domain.ErrAlreadyFinalized
		}
		if domain.IsTransient(err) {
			return nil, err
		}
		return nil, domain.E(domain.KindInternal, opName, err)
	}

	at := c.now().UTC()
	if _, err := c.intents.TransitionIntent(ctx, in.ID, domain.StatusPending, target, payload.Reason, at); err != nil {
		// The ledger already moved; the next confirm or retry mirrors it.
		slog.ErrorContext(ctx, "ledger finalized but local transition failed", "intent_id", in.ID, "operation", op, "error", err)
		return nil, domain.E(domain.KindInternal, opName, err)
	}

	cur, err := c.Get(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	outcome := domain.OutcomeExecuted
	if target == domain.StatusRefunded {
		outcome = domain.OutcomeRefunded
	}
	slog.InfoContext(ctx, "intent finalized", "intent_id", in.ID, "status", target)
	outcomes.WithLabelValues(string(op), outcome).Inc()
	return &domain.IntentResponse{Intent: *cur, Outcome: outcome}, nil
}

// reconcile re-derives the intent's state from the ledger. It returns nil only when the
// ledger still holds the intent pending.
func (c *Coordinator) reconcile(ctx context.Context, in domain.Intent) error {
	lctx, cancel := c.ledgerContext(ctx)
	defer cancel()
	st, err := c.ledger.GetStatus(lctx, in.ID)
	if err != nil {
		if domain.IsTransient(err) {
			return err
		}
		return domain.E(domain.KindInternal, "coordinator.reconcile", err)
	}

	switch st {
	case ledger.StatusPending:
		return nil
	case ledger.StatusNone:
		return domain.Transient("coordinator.reconcile", errCustodyMissing)
	}

	mirrored, _ := st.Intent()
	reason := ""
	if mirrored == domain.StatusRefunded {
		reason = "refunded on ledger"
	}
	moved, err := c.intents.TransitionIntent(ctx, in.ID, domain.StatusPending, mirrored, reason, c.now().UTC())
	if err != nil {
		return domain.E(domain.KindInternal, "coordinator.reconcile", err)
	}
	if moved {
		slog.WarnContext(ctx, "local intent mirrored from ledger", "intent_id", in.ID, "status", mirrored)
	}
	return domain.ErrAlreadyFinalized
}

// lock places custody on the ledger. A custody that already exists counts as locked.
func (c *Coordinator) lock(ctx context.Context, in domain.Intent) error {
	lctx, cancel := c.ledgerContext(ctx)
	defer cancel()
	err := c.ledger.Submit(lctx, ledger.SubmitParams{
		IntentID:          in.ID,
		User:              in.User,
		Amount:            in.Amount,
		TargetClass:       in.TargetClass,
		ExternalReference: in.ExternalReference,
	})
	if errors.Is(err, ledger.ErrExists) {
		return nil
	}
	return err
}

// ledgerContext bounds a ledger call. Cancellation of the inbound request does not abort it:
// the side effect may already be in flight and the status guard, not cancellation,
// prevents duplicates.
func (c *Coordinator) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.ledgerTimeout)
}

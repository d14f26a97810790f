// Package ledger talks to the custody contract that locks, mints and refunds funds.
package ledger

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

// Status is the ledger-side view of an intent.
type Status uint8

const (
	StatusNone Status = iota
	StatusPending
	StatusExecuted
	StatusRefunded
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuted:
		return "executed"
	case StatusRefunded:
		return "refunded"
	default:
		return "none"
	}
}

// Intent returns the coordinator status mirrored by s, if any.
func (s Status) Intent() (domain.IntentStatus, bool) {
	switch s {
	case StatusPending:
		return domain.StatusPending, true
	case StatusExecuted:
		return domain.StatusExecuted, true
	case StatusRefunded:
		return domain.StatusRefunded, true
	}
	return "", false
}

var (
	// ErrUnknownIntent means the ledger holds no custody for the intent.
	ErrUnknownIntent = errors.New("ledger: unknown intent")
	// ErrNotPending means the ledger already finalized the intent.
	ErrNotPending = errors.New("ledger: intent not pending")
	// ErrExists means an intent with the same id is already in custody.
	ErrExists = errors.New("ledger: intent exists")
)

// SubmitParams are the arguments of a custody lock.
type SubmitParams struct {
	IntentID          string
	User              string
	Amount            *big.Int
	TargetClass       string
	ExternalReference string
}

// Client is the coordinator's view of the ledger. Implementations must be safe for concurrent use
// and must guard execute/refund with their own status check.
type Client interface {
	Submit(ctx context.Context, p SubmitParams) error
	Execute(ctx context.Context, intentID string) error
	Refund(ctx context.Context, intentID, reason string) error
	GetStatus(ctx context.Context, intentID string) (Status, error)
}

// classify marks timeouts and connection failures as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsTransient(err) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &netErr) {
		return domain.Transient(op, err)
	}
	return err
}

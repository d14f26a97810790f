package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindCompliance
	KindIntegrity
	KindTransient
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCompliance:
		return "compliance"
	case KindIntegrity:
		return "integrity"
	case KindTransient:
		return "transient"
	case KindExhausted:
		return "exhausted"
	default:
		return "internal"
	}
}

// Error attaches a Kind and the failing operation to a cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var (
	ErrInvalidAmount      = &Error{Kind: KindValidation, Err: errors.New("amount must be a positive integer")}
	ErrInvalidTargetClass = &Error{Kind: KindValidation, Err: errors.New("target class not accepted")}
	ErrInvalidUser        = &Error{Kind: KindValidation, Err: errors.New("user must be a hex address")}
	ErrInvalidReference   = &Error{Kind: KindValidation, Err: errors.New("external reference required")}
	ErrInvalidRiskScore   = &Error{Kind: KindValidation, Err: errors.New("risk score must be between 0 and 100")}
	ErrInvalidOutcome     = &Error{Kind: KindValidation, Err: errors.New("unknown payment outcome")}

	ErrUnauthorized = &Error{Kind: KindAuth, Err: errors.New("unauthorized")}
	ErrForbidden    = &Error{Kind: KindForbidden, Err: errors.New("forbidden")}

	ErrIntentNotFound     = &Error{Kind: KindNotFound, Err: errors.New("intent not found")}
	ErrDeadLetterNotFound = &Error{Kind: KindNotFound, Err: errors.New("dead letter entry not found")}
	ErrNoComplianceRecord = &Error{Kind: KindNotFound, Err: errors.New("compliance record not found")}

	ErrInFlight = &Error{Kind: KindConflict, Err: errors.New("request with this Idempotency-Key is in progress")}

	ErrComplianceRejected = &Error{Kind: KindCompliance, Err: errors.New("user is not compliant")}

	ErrDuplicateIntent  = &Error{Kind: KindIntegrity, Err: errors.New("duplicate intent")}
	ErrAlreadyFinalized = &Error{Kind: KindIntegrity, Err: errors.New("intent already finalized")}

	ErrRetriesExhausted = &Error{Kind: KindExhausted, Err: errors.New("retries exhausted")}
)

// Transient wraps err as a TransientInfraError.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

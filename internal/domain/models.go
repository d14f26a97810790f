package domain

import (
	"encoding/json"
	"math/big"
	"time"
)

// IntentStatus is the lifecycle state of a mint intent.
type IntentStatus string

const (
	StatusPending  IntentStatus = "pending"
	StatusExecuted IntentStatus = "executed"
	StatusRefunded IntentStatus = "refunded"
)

// Final reports whether no further transition is allowed.
func (s IntentStatus) Final() bool {
	return s == StatusExecuted || s == StatusRefunded
}

// Intent represents one fiat->ledger conversion attempt.
// Rows are never deleted; only Status and FinalizedAt change, exactly once.
type Intent struct {
	ID                string       `json:"intent_id"`
	User              string       `json:"user"`
	Amount            *big.Int     `json:"amount"`
	TargetClass       string       `json:"target_class"`
	ExternalReference string       `json:"external_reference"`
	Status            IntentStatus `json:"status"`
	RefundReason      string       `json:"refund_reason,omitempty"`
	SubmittedAt       time.Time    `json:"submitted_at"`
	FinalizedAt       *time.Time   `json:"finalized_at,omitempty"`
}

// SubmitRequest is the client payload for POST /intents.
type SubmitRequest struct {
	User              string   `json:"user"`
	Amount            *big.Int `json:"amount"`
	TargetClass       string   `json:"target_class"`
	ExternalReference string   `json:"external_reference"`
}

// PaymentOutcome is reported by the payment provider webhook.
type PaymentOutcome string

const (
	PaymentSucceeded PaymentOutcome = "succeeded"
	PaymentFailed    PaymentOutcome = "failed"
)

// ConfirmRequest is the webhook payload. Either IntentID or ExternalReference identifies the intent.
type ConfirmRequest struct {
	IntentID          string         `json:"intent_id,omitempty"`
	ExternalReference string         `json:"external_reference,omitempty"`
	Status            PaymentOutcome `json:"status"`
	Reason            string         `json:"reason,omitempty"`
}

// IntentResponse is the canonical response body for intent operations.
type IntentResponse struct {
	Intent  Intent `json:"intent"`
	Outcome string `json:"outcome"`
}

const (
	OutcomeSubmitted        = "submitted"
	OutcomeExecuted         = "executed"
	OutcomeRefunded         = "refunded"
	OutcomeQueued           = "queued_for_retry"
	OutcomeRejected         = "compliance_rejected"
	OutcomeAlreadyFinalized = "already_finalized"
)

// ComplianceRecord is the per-user eligibility record maintained by compliance officers.
type ComplianceRecord struct {
	User           string    `json:"user"`
	RiskScore      int       `json:"risk_score"`
	AttestationRef string    `json:"attestation_ref"`
	Verified       bool      `json:"verified"`
	LastUpdated    time.Time `json:"last_updated"`
}

// AttestationPresent reports whether a non-empty proof reference is on file.
func (r ComplianceRecord) AttestationPresent() bool {
	return r.AttestationRef != ""
}

// ComplianceUpdate is the officer payload for PUT /compliance/{user}.
type ComplianceUpdate struct {
	RiskScore      int    `json:"risk_score"`
	AttestationRef string `json:"attestation_ref"`
	Verified       bool   `json:"verified"`
}

// IdempotencyRecord holds the state of a caller-supplied request key.
// CompletedAt is nil while the original request is still in flight.
type IdempotencyRecord struct {
	Key                string          `json:"key"`
	RequestFingerprint string          `json:"request_fingerprint"`
	ResponseStatus     int             `json:"response_status,omitempty"`
	ResponseBody       json.RawMessage `json:"response_body,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt          time.Time       `json:"expires_at"`
}

// InFlight reports whether the original request has not recorded its outcome yet.
func (r IdempotencyRecord) InFlight() bool {
	return r.CompletedAt == nil
}

// OperationKind names a ledger call the retry scheduler can re-issue.
type OperationKind string

const (
	OpSubmit  OperationKind = "submit"
	OpExecute OperationKind = "execute"
	OpRefund  OperationKind = "refund"
)

// Valid reports whether k is a known operation.
func (k OperationKind) Valid() bool {
	switch k {
	case OpSubmit, OpExecute, OpRefund:
		return true
	}
	return false
}

// OperationPayload carries the arguments needed to re-issue an operation.
type OperationPayload struct {
	Reason string `json:"reason,omitempty"`
}

// RetryItem is one pending retryable ledger operation.
type RetryItem struct {
	ID          string          `json:"id"`
	IntentID    string          `json:"intent_id"`
	Operation   OperationKind   `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DeadLetterEntry is the terminal copy of an operation that could not be completed automatically.
type DeadLetterEntry struct {
	ID        string          `json:"id"`
	Operation OperationKind   `json:"operation"`
	IntentID  string          `json:"intent_id"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	CreatedAt time.Time       `json:"created_at"`
	FailedAt  time.Time       `json:"failed_at"`
}

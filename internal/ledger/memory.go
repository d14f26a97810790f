package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// EventKind names a ledger event emitted for off-chain reconciliation.
type EventKind string

const (
	EventSubmitted EventKind = "IntentSubmitted"
	EventExecuted  EventKind = "IntentExecuted"
	EventRefunded  EventKind = "IntentRefunded"
)

// Event mirrors the custody contract's event log. IntentID, User and TargetClass are the indexed keys.
type Event struct {
	Kind              EventKind
	IntentID          string
	User              string
	TargetClass       string
	Amount            *big.Int
	ExternalReference string
	Reason            string
	At                time.Time
}

type custody struct {
	params SubmitParams
	status Status
}

// Memory is an in-process ledger. It is used for local development and tests.
type Memory struct {
	mu       sync.Mutex
	intents  map[string]*custody
	credited map[string]*big.Int
	events   []Event
	faults   map[string][]error
	calls    map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		intents:  make(map[string]*custody),
		credited: make(map[string]*big.Int),
		faults:   make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next len(errs) calls of op ("submit", "execute", "refund", "status") return errs in order.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

// Calls returns how many times op was invoked, including injected failures.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// fault pops the next injected failure. Caller holds mu.
func (m *Memory) fault(op string) error {
	m.calls[op]++
	q := m.faults[op]
	if len(q) == 0 {
		return nil
	}
	m.faults[op] = q[1:]
	return q[0]
}

func (m *Memory) Submit(ctx context.Context, p SubmitParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("submit"); err != nil {
		return classify("ledger.submit", err)
	}
	if err := ctx.Err(); err != nil {
		return classify("ledger.submit", err)
	}
	if _, ok := m.intents[p.IntentID]; ok {
		return ErrExists
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return fmt.Errorf("ledger: non-positive amount")
	}

	p.Amount = new(big.Int).Set(p.Amount)
	m.intents[p.IntentID] = &custody{params: p, status: StatusPending}
	m.events = append(m.events, Event{
		Kind: EventSubmitted, IntentID: p.IntentID, User: p.User, TargetClass: p.TargetClass,
		Amount: p.Amount, ExternalReference: p.ExternalReference, At: time.Now(),
	})
	return nil
}

func (m *Memory) Execute(ctx context.Context, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("execute"); err != nil {
		return classify("ledger.execute", err)
	}
	if err := ctx.Err(); err != nil {
		return classify("ledger.execute", err)
	}
	c, ok := m.intents[intentID]
	if !ok {
		return ErrUnknownIntent
	}
	if c.status != StatusPending {
		return ErrNotPending
	}

	c.status = StatusExecuted
	bal, ok := m.credited[c.params.User]
	if !ok {
		bal = new(big.Int)
		m.credited[c.params.User] = bal
	}
	bal.Add(bal, c.params.Amount)
	m.events = append(m.events, Event{
		Kind: EventExecuted, IntentID: intentID, User: c.params.User, TargetClass: c.params.TargetClass,
		Amount: c.params.Amount, ExternalReference: c.params.ExternalReference, At: time.Now(),
	})
	return nil
}

func (m *Memory) Refund(ctx context.Context, intentID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("refund"); err != nil {
		return classify("ledger.refund", err)
	}
	if err := ctx.Err(); err != nil {
		return classify("ledger.refund", err)
	}
	c, ok := m.intents[intentID]
	if !ok {
		return ErrUnknownIntent
	}
	if c.status != StatusPending {
		return ErrNotPending
	}

	c.status = StatusRefunded
	m.events = append(m.events, Event{
		Kind: EventRefunded, IntentID: intentID, User: c.params.User, TargetClass: c.params.TargetClass,
		Amount: c.params.Amount, Reason: reason, At: time.Now(),
	})
	return nil
}

func (m *Memory) GetStatus(ctx context.Context, intentID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("status"); err != nil {
		return StatusNone, classify("ledger.status", err)
	}
	c, ok := m.intents[intentID]
	if !ok {
		return StatusNone, nil
	}
	return c.status, nil
}

// Credited returns the total minted to user.
func (m *Memory) Credited(user string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.credited[user]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Events returns a copy of the event log.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Package compliance answers whether a user may receive minted funds right now.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/mintgate/internal/auth"
	"github.com/punchamoorthee/mintgate/internal/domain"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mintgate_compliance_decisions_total",
	Help: "Compliance gate verdicts",
}, []string{"verdict"})

// Store persists per-user compliance records.
// GetCompliance returns domain.ErrNoComplianceRecord for users that were never onboarded.
type Store interface {
	GetCompliance(ctx context.Context, user string) (*domain.ComplianceRecord, error)
	PutCompliance(ctx context.Context, rec domain.ComplianceRecord) error
}

// Gate evaluates compliance records. Records are read on every call, never cached.
type Gate struct {
	store        Store
	maxRiskScore int
	now          func() time.Time
}

func NewGate(store Store, maxRiskScore int) *Gate {
	return &Gate{store: store, maxRiskScore: maxRiskScore, now: time.Now}
}

// IsCompliant reports verified && riskScore <= max && attestation present.
// An unknown user is not compliant; that is not an error.
func (g *Gate) IsCompliant(ctx context.Context, user string) (bool, error) {
	rec, err := g.store.GetCompliance(ctx, user)
	if errors.Is(err, domain.ErrNoComplianceRecord) {
		decisions.WithLabelValues("unknown").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compliance lookup: %w", err)
	}

	ok := g.evaluate(*rec)
	if ok {
		decisions.WithLabelValues("compliant").Inc()
	} else {
		decisions.WithLabelValues("rejected").Inc()
	}
	return ok, nil
}

// cheapest check first
func (g *Gate) evaluate(rec domain.ComplianceRecord) bool {
	return rec.Verified &&
		rec.RiskScore <= g.maxRiskScore &&
		rec.AttestationPresent()
}

// Record returns the stored record and the current verdict for it.
func (g *Gate) Record(ctx context.Context, user string) (*domain.ComplianceRecord, bool, error) {
	user, err := domain.NormalizeUser(user)
	if err != nil {
		return nil, false, err
	}
	rec, err := g.store.GetCompliance(ctx, user)
	if errors.Is(err, domain.ErrNoComplianceRecord) {
		return nil, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("compliance lookup: %w", err)
	}
	return rec, g.evaluate(*rec), nil
}

// UpdateUser creates or replaces the record for user. Only compliance officers may call it.
func (g *Gate) UpdateUser(ctx context.Context, officer auth.Principal, user string, upd domain.ComplianceUpdate) (*domain.ComplianceRecord, error) {
	if !officer.HasRole(auth.RoleOfficer) {
		return nil, domain.ErrForbidden
	}
	if upd.RiskScore < 0 || upd.RiskScore > 100 {
		return nil, domain.ErrInvalidRiskScore
	}
	user, err := domain.NormalizeUser(user)
	if err != nil {
		return nil, err
	}

	rec := domain.ComplianceRecord{
		User:           user,
		RiskScore:      upd.RiskScore,
		AttestationRef: upd.AttestationRef,
		Verified:       upd.Verified,
		LastUpdated:    g.now().UTC(),
	}
	if err := g.store.PutCompliance(ctx, rec); err != nil {
		return nil, fmt.Errorf("compliance update: %w", err)
	}

	slog.InfoContext(ctx, "compliance record updated",
		"user", user, "officer", officer.ID, "risk_score", rec.RiskScore, "verified", rec.Verified)
	return &rec, nil
}

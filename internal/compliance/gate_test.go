package compliance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/mintgate/internal/auth"
	"github.com/punchamoorthee/mintgate/internal/domain"
)

type mapStore struct {
	mu    sync.Mutex
	recs  map[string]domain.ComplianceRecord
	reads int
	fail  error
}

func newMapStore() *mapStore {
	return &mapStore{recs: make(map[string]domain.ComplianceRecord)}
}

func (m *mapStore) GetCompliance(_ context.Context, user string) (*domain.ComplianceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.fail != nil {
		return nil, m.fail
	}
	rec, ok := m.recs[user]
	if !ok {
		return nil, domain.ErrNoComplianceRecord
	}
	return &rec, nil
}

func (m *mapStore) PutCompliance(_ context.Context, rec domain.ComplianceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.User] = rec
	return nil
}

const user = "0x00000000000000000000000000000000000A11CE"

var officer = auth.Principal{ID: "officer-1", Roles: []string{auth.RoleOfficer}}

func update(t *testing.T, g *Gate, upd domain.ComplianceUpdate) string {
	t.Helper()
	rec, err := g.UpdateUser(context.Background(), officer, user, upd)
	require.NoError(t, err)
	return rec.User
}

func TestIsCompliant_RiskBoundary(t *testing.T) {
	ctx := context.Background()
	g := NewGate(newMapStore(), 50)

	u := update(t, g, domain.ComplianceUpdate{RiskScore: 50, AttestationRef: "ipfs://proof", Verified: true})
	ok, err := g.IsCompliant(ctx, u)
	require.NoError(t, err)
	assert.True(t, ok, "riskScore == max is compliant")

	update(t, g, domain.ComplianceUpdate{RiskScore: 51, AttestationRef: "ipfs://proof", Verified: true})
	ok, err = g.IsCompliant(ctx, u)
	require.NoError(t, err)
	assert.False(t, ok, "riskScore == max+1 is not compliant")
}

func TestIsCompliant_Conditions(t *testing.T) {
	tests := []struct {
		name string
		upd  domain.ComplianceUpdate
		want bool
	}{
		{"all satisfied", domain.ComplianceUpdate{RiskScore: 0, AttestationRef: "doc-1", Verified: true}, true},
		{"not verified", domain.ComplianceUpdate{RiskScore: 0, AttestationRef: "doc-1", Verified: false}, false},
		{"no attestation", domain.ComplianceUpdate{RiskScore: 0, AttestationRef: "", Verified: true}, false},
		{"too risky", domain.ComplianceUpdate{RiskScore: 100, AttestationRef: "doc-1", Verified: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(newMapStore(), 50)
			u := update(t, g, tt.upd)
			ok, err := g.IsCompliant(context.Background(), u)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestIsCompliant_UnknownUser(t *testing.T) {
	g := NewGate(newMapStore(), 50)
	ok, err := g.IsCompliant(context.Background(), user)
	assert.NoError(t, err, "a missing record is not an error")
	assert.False(t, ok)
}

func TestIsCompliant_StoreFailure(t *testing.T) {
	s := newMapStore()
	s.fail = errors.New("connection reset")
	g := NewGate(s, 50)

	_, err := g.IsCompliant(context.Background(), user)
	assert.Error(t, err)
}

func TestIsCompliant_NeverCached(t *testing.T) {
	s := newMapStore()
	g := NewGate(s, 50)
	u := update(t, g, domain.ComplianceUpdate{RiskScore: 10, AttestationRef: "doc", Verified: false})

	ok, _ := g.IsCompliant(context.Background(), u)
	assert.False(t, ok)

	update(t, g, domain.ComplianceUpdate{RiskScore: 10, AttestationRef: "doc", Verified: true})
	ok, _ = g.IsCompliant(context.Background(), u)
	assert.True(t, ok, "KYC completed after deposit is honoured on the next check")
	assert.Equal(t, 2, s.reads)
}

func TestUpdateUser_Rejects(t *testing.T) {
	g := NewGate(newMapStore(), 50)
	ctx := context.Background()

	_, err := g.UpdateUser(ctx, officer, user, domain.ComplianceUpdate{RiskScore: 101})
	assert.True(t, errors.Is(err, domain.ErrInvalidRiskScore))

	_, err = g.UpdateUser(ctx, officer, user, domain.ComplianceUpdate{RiskScore: -1})
	assert.True(t, errors.Is(err, domain.ErrInvalidRiskScore))

	executor := auth.Principal{ID: "exec", Roles: []string{auth.RoleExecutor}}
	_, err = g.UpdateUser(ctx, executor, user, domain.ComplianceUpdate{RiskScore: 1})
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	_, err = g.UpdateUser(ctx, officer, "bob", domain.ComplianceUpdate{RiskScore: 1})
	assert.True(t, errors.Is(err, domain.ErrInvalidUser))
}

func TestRecord(t *testing.T) {
	g := NewGate(newMapStore(), 50)
	_, _, err := g.Record(context.Background(), user)
	assert.True(t, errors.Is(err, domain.ErrNoComplianceRecord))

	update(t, g, domain.ComplianceUpdate{RiskScore: 5, AttestationRef: "doc", Verified: true})
	rec, ok, err := g.Record(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, rec.RiskScore)
}

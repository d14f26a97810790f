package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

func (s *Postgres) GetCompliance(ctx context.Context, user string) (*domain.ComplianceRecord, error) {
	var rec domain.ComplianceRecord
	err := s.Db.QueryRow(ctx,
		`SELECT user_address, risk_score, attestation_ref, verified, last_updated
		   FROM compliance_records WHERE user_address = $1`, user,
	).Scan(&rec.User, &rec.RiskScore, &rec.AttestationRef, &rec.Verified, &rec.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNoComplianceRecord
		}
		return nil, fmt.Errorf("compliance query failed: %w", err)
	}
	return &rec, nil
}

func (s *Postgres) PutCompliance(ctx context.Context, rec domain.ComplianceRecord) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO compliance_records (user_address, risk_score, attestation_ref, verified, last_updated)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_address) DO UPDATE
		    SET risk_score = EXCLUDED.risk_score,
		        attestation_ref = EXCLUDED.attestation_ref,
		        verified = EXCLUDED.verified,
		        last_updated = EXCLUDED.last_updated`,
		rec.User, rec.RiskScore, rec.AttestationRef, rec.Verified, rec.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("compliance upsert failed: %w", err)
	}
	return nil
}

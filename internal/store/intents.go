package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

const intentColumns = `id, user_address, amount, target_class, external_reference, status, refund_reason, submitted_at, finalized_at`

// CreateIntent inserts a pending intent. A colliding id is reported as domain.ErrDuplicateIntent.
func (s *Postgres) CreateIntent(ctx context.Context, in domain.Intent) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO intents (`+intentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ID, in.User, numericFromBig(in.Amount), in.TargetClass, in.ExternalReference,
		string(in.Status), in.RefundReason, in.SubmittedAt, in.FinalizedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateIntent
		}
		return fmt.Errorf("intent insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetIntent(ctx context.Context, id string) (*domain.Intent, error) {
	row := s.Db.QueryRow(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = $1`, id)
	return scanIntent(row)
}

// GetIntentByReference returns the most recent intent for an external payment reference.
// Submissions in the same second are ordered by id.
func (s *Postgres) GetIntentByReference(ctx context.Context, ref string) (*domain.Intent, error) {
	row := s.Db.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE external_reference = $1 ORDER BY submitted_at DESC, id DESC LIMIT 1`, ref)
	return scanIntent(row)
}

// TransitionIntent moves id from one status to another in a single conditional update.
// It reports false when the intent was not in the expected status.
func (s *Postgres) TransitionIntent(ctx context.Context, id string, from, to domain.IntentStatus, reason string, at time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE intents SET status = $3, refund_reason = $4, finalized_at = $5 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), reason, at,
	)
	if err != nil {
		return false, fmt.Errorf("intent transition failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.Db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM intents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("intent lookup failed: %w", err)
	}
	if !exists {
		return false, domain.ErrIntentNotFound
	}
	return false, nil
}

func scanIntent(row pgx.Row) (*domain.Intent, error) {
	var (
		in     domain.Intent
		amount pgtype.Numeric
		status string
	)
	err := row.Scan(&in.ID, &in.User, &amount, &in.TargetClass, &in.ExternalReference,
		&status, &in.RefundReason, &in.SubmittedAt, &in.FinalizedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIntentNotFound
		}
		return nil, fmt.Errorf("intent scan failed: %w", err)
	}
	if in.Amount, err = bigFromNumeric(amount); err != nil {
		return nil, fmt.Errorf("intent %s: %w", in.ID, err)
	}
	in.Status = domain.IntentStatus(status)
	return &in, nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

// ReserveKey inserts rec. The primary key on idempotency_keys decides concurrent first-sight races:
// the losing insert gets a unique violation and the winner's record is returned instead.
func (s *Postgres) ReserveKey(ctx context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, error) {
	for range 2 {
		_, err := s.Db.Exec(ctx,
			`INSERT INTO idempotency_keys (key, request_fingerprint, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
			rec.Key, rec.RequestFingerprint, rec.CreatedAt, rec.ExpiresAt,
		)
		if err == nil {
			return nil, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("key reservation failed: %w", err)
		}

		existing, err := s.getKey(ctx, rec.Key)
		if errors.Is(err, pgx.ErrNoRows) {
			// swept between our insert and read
			continue
		}
		if err != nil {
			return nil, err
		}
		if existing.ExpiresAt.After(rec.CreatedAt) {
			return existing, nil
		}

		// Expired but not yet swept: the key may be reused.
		if _, err := s.Db.Exec(ctx,
			`DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= $2`, rec.Key, rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("expired key cleanup failed: %w", err)
		}
	}
	return nil, fmt.Errorf("key reservation for %s lost twice", rec.Key)
}

func (s *Postgres) CompleteKey(ctx context.Context, key string, status int, body []byte, at time.Time) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE idempotency_keys SET response_status = $2, response_body = $3, completed_at = $4
		  WHERE key = $1 AND completed_at IS NULL`,
		key, status, body, at,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errKeyNotInFlight(key)
	}
	return nil
}

func (s *Postgres) ReleaseKey(ctx context.Context, key string) error {
	if _, err := s.Db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND completed_at IS NULL`, key); err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}

func (s *Postgres) PurgeExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Db.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("idempotency purge failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) getKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var (
		rec    domain.IdempotencyRecord
		status *int
		body   []byte
	)
	err := s.Db.QueryRow(ctx,
		`SELECT key, request_fingerprint, response_status, response_body, created_at, completed_at, expires_at
		   FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&rec.Key, &rec.RequestFingerprint, &status, &body, &rec.CreatedAt, &rec.CompletedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	if status != nil {
		rec.ResponseStatus = *status
	}
	rec.ResponseBody = body
	return &rec, nil
}

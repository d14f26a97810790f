package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

const retryColumns = `id, intent_id, operation, payload, attempt, max_attempts, next_retry_at, last_error, created_at`

// EnqueueRetry stores item unless an item for the same intent and operation is already queued.
func (s *Postgres) EnqueueRetry(ctx context.Context, item domain.RetryItem) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`INSERT INTO retry_items (`+retryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (intent_id, operation) DO NOTHING`,
		item.ID, item.IntentID, string(item.Operation), []byte(item.Payload), item.Attempt,
		item.MaxAttempts, item.NextRetryAt, item.LastError, item.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("retry enqueue failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDueRetries returns up to limit items due at now, oldest first, and pushes their
// next_retry_at forward by lease so concurrent sweepers skip them. The returned items keep
// the due time they were claimed at.
func (s *Postgres) ClaimDueRetries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.RetryItem, error) {
	rows, err := s.Db.Query(ctx,
		`WITH due AS (
		     SELECT id, next_retry_at FROM retry_items
		      WHERE next_retry_at <= $1 AND attempt < max_attempts
		      ORDER BY next_retry_at, created_at
		      LIMIT $3
		      FOR UPDATE SKIP LOCKED
		 ), claimed AS (
		     UPDATE retry_items r SET next_retry_at = $2
		       FROM due WHERE r.id = due.id
		     RETURNING r.id, r.intent_id, r.operation, r.payload, r.attempt, r.max_attempts,
		               due.next_retry_at AS due_at, r.last_error, r.created_at
		 )
		 SELECT id, intent_id, operation, payload, attempt, max_attempts, due_at, last_error, created_at
		   FROM claimed ORDER BY due_at, created_at`,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("retry claim failed: %w", err)
	}
	return collectRetries(rows)
}

// RescheduleRetry records a failed attempt. It only applies while the stored attempt still
// equals claimedAttempt, so a sweeper whose lease expired cannot overwrite newer progress.
func (s *Postgres) RescheduleRetry(ctx context.Context, item domain.RetryItem, claimedAttempt int) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE retry_items SET attempt = $3, next_retry_at = $4, last_error = $5
		  WHERE id = $1 AND attempt = $2`,
		item.ID, claimedAttempt, item.Attempt, item.NextRetryAt, item.LastError,
	)
	if err != nil {
		return false, fmt.Errorf("retry reschedule failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) DeleteRetry(ctx context.Context, id string) error {
	if _, err := s.Db.Exec(ctx, `DELETE FROM retry_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("retry delete failed: %w", err)
	}
	return nil
}

// PromoteRetry moves a retry item to the dead-letter archive in one transaction.
func (s *Postgres) PromoteRetry(ctx context.Context, id string, claimedAttempt int, entry domain.DeadLetterEntry) (bool, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM retry_items WHERE id = $1 AND attempt = $2`, id, claimedAttempt)
	if err != nil {
		return false, fmt.Errorf("retry delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO dead_letters (id, operation, intent_id, payload, attempts, last_error, created_at, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, string(entry.Operation), entry.IntentID, []byte(entry.Payload), entry.Attempts,
		entry.LastError, entry.CreatedAt, entry.FailedAt,
	)
	if err != nil {
		return false, fmt.Errorf("dead letter insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (s *Postgres) ListRetries(ctx context.Context) ([]domain.RetryItem, error) {
	rows, err := s.Db.Query(ctx, `SELECT `+retryColumns+` FROM retry_items ORDER BY next_retry_at`)
	if err != nil {
		return nil, fmt.Errorf("retry list failed: %w", err)
	}
	return collectRetries(rows)
}

func collectRetries(rows pgx.Rows) ([]domain.RetryItem, error) {
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RetryItem, error) {
		var (
			it      domain.RetryItem
			op      string
			payload []byte
		)
		err := row.Scan(&it.ID, &it.IntentID, &op, &payload, &it.Attempt, &it.MaxAttempts,
			&it.NextRetryAt, &it.LastError, &it.CreatedAt)
		it.Operation = domain.OperationKind(op)
		it.Payload = payload
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("retry scan failed: %w", err)
	}
	return items, nil
}

// Dead letters

const deadLetterColumns = `id, operation, intent_id, payload, attempts, last_error, created_at, failed_at`

// ListDeadLetters returns archived entries oldest first. A non-positive limit returns all.
func (s *Postgres) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters ORDER BY failed_at`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dead letter list failed: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.DeadLetterEntry, error) {
		return scanDeadLetter(row)
	})
	if err != nil {
		return nil, fmt.Errorf("dead letter scan failed: %w", err)
	}
	return entries, nil
}

func (s *Postgres) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	e, err := scanDeadLetter(s.Db.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("dead letter query failed: %w", err)
	}
	return &e, nil
}

func (s *Postgres) DeleteDeadLetter(ctx context.Context, id string) error {
	tag, err := s.Db.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("dead letter delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeadLetterNotFound
	}
	return nil
}

func scanDeadLetter(row pgx.Row) (domain.DeadLetterEntry, error) {
	var (
		e       domain.DeadLetterEntry
		op      string
		payload []byte
	)
	err := row.Scan(&e.ID, &op, &e.IntentID, &payload, &e.Attempts, &e.LastError, &e.CreatedAt, &e.FailedAt)
	e.Operation = domain.OperationKind(op)
	e.Payload = payload
	return e, err
}

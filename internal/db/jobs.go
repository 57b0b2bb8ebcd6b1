package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

const jobColumns = `
	id,
	kind,
	payload,
	dedupe_key,
	status,
	attempts,
	max_attempts,
	run_at,
	locked_by,
	locked_at,
	last_error,
	created_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var payload []byte
	if err := row.Scan(
		&j.ID,
		&j.Kind,
		&payload,
		&j.DedupeKey,
		&j.Status,
		&j.Attempts,
		&j.MaxAttempts,
		&j.RunAt,
		&j.LockedBy,
		&j.LockedAt,
		&j.LastError,
		&j.CreatedAt,
	); err != nil {
		return nil, err
	}
	j.Payload = payload
	return &j, nil
}

// EnqueueJob inserts a pending job. A job with the same dedupe key that is still
// pending absorbs the new one, in which case enqueued is false.
func EnqueueJob(ctx context.Context, pool *pgxpool.Pool, job models.NewJob) (int64, bool, error) {
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	var dedupeKey *string
	if job.DedupeKey != "" {
		dedupeKey = &job.DedupeKey
	}
	var runAt *time.Time
	if !job.RunAt.IsZero() {
		runAt = &job.RunAt
	}

	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO jobs (kind, payload, dedupe_key, run_at, max_attempts)
		VALUES ($1, $2, $3, COALESCE($4, now()), COALESCE(NULLIF($5, 0), 10))
		ON CONFLICT (dedupe_key) WHERE status = 'pending' DO NOTHING
		RETURNING id
	`, job.Kind, payload, dedupeKey, runAt, job.MaxAttempts).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return id, true, nil
}

// ClaimJob locks the next due pending job of the given kinds for workerID.
// It returns nil without error when nothing is due.
func ClaimJob(ctx context.Context, pool *pgxpool.Pool, workerID string, kinds []string) (*models.Job, error) {
	j, err := scanJob(pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running',
			attempts = attempts + 1,
			locked_by = $1,
			locked_at = now(),
			updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_at <= now() AND kind = ANY($2)
			ORDER BY run_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID, kinds,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return j, nil
}

// GetJob returns a job by ID.
func GetJob(ctx context.Context, pool *pgxpool.Pool, id int64) (*models.Job, error) {
	j, err := scanJob(pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// CompleteJob marks a job held by workerID as done. It reports false if the lock was lost.
func CompleteJob(ctx context.Context, pool *pgxpool.Pool, id int64, workerID string) (bool, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'done', locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running' AND locked_by = $2
	`, id, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailJob marks a job held by workerID as failed for good.
func FailJob(ctx context.Context, pool *pgxpool.Pool, id int64, workerID, message string) (bool, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running' AND locked_by = $2
	`, id, workerID, models.TruncateSyncError(message))
	if err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RetryJob puts a job held by workerID back to pending at runAt. When an
// equivalent job is already pending, this one is marked done instead.
func RetryJob(ctx context.Context, pool *pgxpool.Pool, id int64, workerID string, runAt time.Time, message string) (bool, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE jobs
		SET status = CASE WHEN `+pendingTwinExists+` THEN 'done' ELSE 'pending' END,
			run_at = $3,
			last_error = $4,
			locked_by = NULL,
			locked_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'running' AND locked_by = $2
	`, id, workerID, runAt, models.TruncateSyncError(message))
	if isUniqueViolation(err) {
		return supersedeJob(ctx, pool, id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to retry job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseExpiredLocks returns running jobs locked before lockedBefore to pending,
// for workers that died or hung. It returns how many jobs were released.
func ReleaseExpiredLocks(ctx context.Context, pool *pgxpool.Pool, lockedBefore time.Time) (int, error) {
	rows, err := pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = 'running' AND locked_at < $1
		ORDER BY locked_at
	`, lockedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired job locks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired job locks: %w", err)
	}

	released := 0
	for _, id := range ids {
		tag, err := pool.Exec(ctx, `
			UPDATE jobs
			SET status = CASE WHEN `+pendingTwinExists+` THEN 'done' ELSE 'pending' END,
				run_at = now(),
				last_error = 'execution lease expired',
				locked_by = NULL,
				locked_at = NULL,
				updated_at = now()
			WHERE id = $1 AND status = 'running' AND locked_at < $2
		`, id, lockedBefore)
		if isUniqueViolation(err) {
			if _, err := supersedeJob(ctx, pool, id); err != nil {
				return released, err
			}
			released++
			continue
		}
		if err != nil {
			return released, fmt.Errorf("failed to release job %d: %w", id, err)
		}
		released += int(tag.RowsAffected())
	}
	return released, nil
}

const pendingTwinExists = `dedupe_key IS NOT NULL AND EXISTS (
	SELECT 1 FROM jobs twin
	WHERE twin.dedupe_key = jobs.dedupe_key AND twin.status = 'pending' AND twin.id <> jobs.id)`

func supersedeJob(ctx context.Context, pool *pgxpool.Pool, id int64) (bool, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'done', locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to supersede job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrSyncStateNotFound is returned when no sync state exists for the mailbox.
var ErrSyncStateNotFound = errors.New("sync state not found")

// ErrSyncNotHeld is models.ErrSyncNotHeld, returned by every write a pass makes.
var ErrSyncNotHeld = models.ErrSyncNotHeld

const syncStateColumns = `
	account_id,
	mailbox,
	status,
	last_seen_uid,
	highest_uid,
	uid_validity,
	modseq,
	last_full_reconcile_at,
	sync_started_at,
	sync_completed_at,
	sync_error,
	pass_generation,
	progress,
	updated_at`

func scanSyncState(row pgx.Row) (*models.MailboxSyncState, error) {
	var s models.MailboxSyncState
	err := row.Scan(
		&s.AccountID,
		&s.Mailbox,
		&s.Status,
		&s.LastSeenUID,
		&s.HighestUID,
		&s.UIDValidity,
		&s.ModSeq,
		&s.LastFullReconcileAt,
		&s.SyncStartedAt,
		&s.SyncCompletedAt,
		&s.SyncError,
		&s.PassGeneration,
		&s.Progress,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func querySyncStates(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]*models.MailboxSyncState, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync states: %w", err)
	}
	defer rows.Close()

	var states []*models.MailboxSyncState
	for rows.Next() {
		s, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync states: %w", err)
	}
	return states, nil
}

// EnsureSyncState returns the mailbox's sync state, creating it as idle on first use.
func EnsureSyncState(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string) (*models.MailboxSyncState, error) {
	if _, err := pool.Exec(ctx, `
		INSERT INTO mailbox_sync_state (account_id, mailbox)
		VALUES ($1, $2)
		ON CONFLICT (account_id, mailbox) DO NOTHING
	`, accountID, mailbox); err != nil {
		return nil, fmt.Errorf("failed to create sync state: %w", err)
	}
	return GetSyncState(ctx, pool, accountID, mailbox)
}

// GetSyncState returns the mailbox's sync state.
func GetSyncState(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string) (*models.MailboxSyncState, error) {
	s, err := scanSyncState(pool.QueryRow(ctx,
		`SELECT `+syncStateColumns+` FROM mailbox_sync_state WHERE account_id = $1 AND mailbox = $2`,
		accountID, mailbox,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSyncStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return s, nil
}

// ListSyncStates returns every mailbox state of the account ordered by mailbox.
func ListSyncStates(ctx context.Context, pool *pgxpool.Pool, accountID string) ([]*models.MailboxSyncState, error) {
	return querySyncStates(ctx, pool,
		`SELECT `+syncStateColumns+` FROM mailbox_sync_state WHERE account_id = $1 ORDER BY mailbox`,
		accountID,
	)
}

// ListAllSyncStates returns every known mailbox state across accounts.
func ListAllSyncStates(ctx context.Context, pool *pgxpool.Pool) ([]*models.MailboxSyncState, error) {
	return querySyncStates(ctx, pool,
		`SELECT `+syncStateColumns+` FROM mailbox_sync_state ORDER BY account_id, mailbox`,
	)
}

// ListSyncStatesDueForPoll returns resting mailboxes whose last completed pass is older than cutoff.
func ListSyncStatesDueForPoll(ctx context.Context, pool *pgxpool.Pool, cutoff time.Time) ([]*models.MailboxSyncState, error) {
	return querySyncStates(ctx, pool, `
		SELECT `+syncStateColumns+`
		FROM mailbox_sync_state
		WHERE status IN ('idle', 'completed', 'error', 'cancelled')
		  AND (sync_completed_at IS NULL OR sync_completed_at < $1)
		ORDER BY sync_completed_at NULLS FIRST
	`, cutoff)
}

// MarkQueued moves a resting mailbox to queued. It reports false when a pass
// is running or the mailbox is already queued.
func MarkQueued(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string) (bool, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE mailbox_sync_state
		SET status = 'queued', updated_at = now()
		WHERE account_id = $1 AND mailbox = $2
		  AND status IN ('idle', 'completed', 'error', 'cancelled')
	`, accountID, mailbox)
	if err != nil {
		return false, fmt.Errorf("failed to mark sync queued: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TryBeginSync atomically takes the mailbox for a new pass. The returned bool
// is false, with the current state, when another pass already holds it.
// On success the state's Hold identifies the new pass.
func TryBeginSync(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string) (*models.MailboxSyncState, bool, error) {
	s, err := scanSyncState(pool.QueryRow(ctx, `
		UPDATE mailbox_sync_state
		SET status = 'syncing',
			pass_generation = pass_generation + 1,
			sync_started_at = now(),
			progress = '{}',
			updated_at = now()
		WHERE account_id = $1 AND mailbox = $2
		  AND status NOT IN ('syncing', 'cancel_requested')
		RETURNING `+syncStateColumns,
		accountID, mailbox,
	))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to begin sync: %w", err)
	}

	current, err := GetSyncState(ctx, pool, accountID, mailbox)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ResetEpoch records a new UID validity for a held mailbox. Both watermarks go
// back to zero and the last reconcile time is cleared.
func ResetEpoch(ctx context.Context, pool *pgxpool.Pool, hold models.SyncHold, uidValidity string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE mailbox_sync_state
		SET uid_validity = $4,
			last_seen_uid = 0,
			highest_uid = 0,
			modseq = NULL,
			last_full_reconcile_at = NULL,
			updated_at = now()
		WHERE account_id = $1 AND mailbox = $2 AND pass_generation = $3
		  AND status IN ('syncing', 'cancel_requested')
	`, hold.AccountID, hold.Mailbox, hold.Generation, uidValidity)
	if err != nil {
		return fmt.Errorf("failed to reset sync epoch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSyncNotHeld
	}
	return nil
}

// Checkpoint stores the progress of a held mailbox and returns its status, so the
// pass learns about a cancel request in the same round trip.
func Checkpoint(ctx context.Context, pool *pgxpool.Pool, hold models.SyncHold, progress models.SyncProgress) (models.SyncStatus, error) {
	var status models.SyncStatus
	err := pool.QueryRow(ctx, `
		UPDATE mailbox_sync_state
		SET progress = $4, updated_at = now()
		WHERE account_id = $1 AND mailbox = $2 AND pass_generation = $3
		  AND status IN ('syncing', 'cancel_requested')
		RETURNING status
	`, hold.AccountID, hold.Mailbox, hold.Generation, progress).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrSyncNotHeld
	}
	if err != nil {
		return "", fmt.Errorf("failed to checkpoint sync: %w", err)
	}
	return status, nil
}

// finishPass moves a held mailbox to a resting status, advancing watermarks monotonically.
func finishPass(ctx context.Context, pool *pgxpool.Pool, hold models.SyncHold, status models.SyncStatus, commit models.PassCommit) error {
	tag, err := pool.Exec(ctx, `
		UPDATE mailbox_sync_state
		SET status = $4,
			progress = $5,
			last_seen_uid = GREATEST(last_seen_uid, $6),
			highest_uid = GREATEST(highest_uid, $7, $6),
			modseq = CASE WHEN $8::BIGINT IS NULL THEN modseq ELSE GREATEST(COALESCE(modseq, 0), $8::BIGINT) END,
			last_full_reconcile_at = CASE WHEN $9 THEN now() ELSE last_full_reconcile_at END,
			sync_completed_at = CASE WHEN $4 = 'completed' THEN now() ELSE sync_completed_at END,
			sync_error = CASE WHEN $4 = 'completed' THEN NULL ELSE sync_error END,
			updated_at = now()
		WHERE account_id = $1 AND mailbox = $2 AND pass_generation = $3
		  AND status IN ('syncing', 'cancel_requested')
	`,
		hold.AccountID,
		hold.Mailbox,
		hold.Generation,
		status,
		commit.Progress,
		commit.Watermark.LastSeenUID,
		commit.Watermark.HighestUID,
		commit.Watermark.ModSeq,
		commit.Reconciled,
	)
	if err != nil {
		return fmt.Errorf("failed to finish sync pass: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSyncNotHeld
	}
	return nil
}

// CompletePass marks a held mailbox completed and advances its watermarks.
func CompletePass(ctx context.Context, pool *pgxpool.Pool, hold models.SyncHold, commit models.PassCommit) error {
	return finishPass(ctx, pool, hold, models.SyncStatusCompleted, commit)
}

// FinishCancelled marks a held mailbox cancelled, keeping the watermarks of committed batches.
func FinishCancelled(ctx context.Context, pool *pgxpool.Pool, hold models.SyncHold, commit models.PassCommit) error {
	return finishPass(ctx, pool, hold, models.SyncStatusCancelled, commit)
}

// FailPass marks a held mailbox failed. Watermarks are left untouched.
func FailPass(ctx context.Context, pool *pgxpool.Pool, hold models.SyncHold, message string, progress models.SyncProgress) error {
	tag, err := pool.Exec(ctx, `
		UPDATE mailbox_sync_state
		SET status = 'error',
			sync_error = $4,
			progress = $5,
			updated_at = now()
		WHERE account_id = $1 AND mailbox = $2 AND pass_generation = $3
		  AND status IN ('syncing', 'cancel_requested')
	`, hold.AccountID, hold.Mailbox, hold.Generation, models.TruncateSyncError(message), progress)
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSyncNotHeld
	}
	return nil
}

// RequestCancel asks a running pass to stop, or cancels a queued one outright.
// On any other status it changes nothing. The resulting status is returned.
func RequestCancel(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string) (models.SyncStatus, error) {
	var status models.SyncStatus
	err := pool.QueryRow(ctx, `
		UPDATE mailbox_sync_state
		SET status = CASE status WHEN 'syncing' THEN 'cancel_requested' ELSE 'cancelled' END,
			updated_at = now()
		WHERE account_id = $1 AND mailbox = $2
		  AND status IN ('syncing', 'queued')
		RETURNING status
	`, accountID, mailbox).Scan(&status)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to request cancel: %w", err)
	}

	current, err := GetSyncState(ctx, pool, accountID, mailbox)
	if err != nil {
		return "", err
	}
	return current.Status, nil
}

// ListStaleSyncs returns mailboxes stuck in syncing since before startedBefore.
func ListStaleSyncs(ctx context.Context, pool *pgxpool.Pool, startedBefore time.Time) ([]*models.MailboxSyncState, error) {
	return querySyncStates(ctx, pool, `
		SELECT `+syncStateColumns+`
		FROM mailbox_sync_state
		WHERE status = 'syncing'
		  AND (sync_started_at IS NULL OR sync_started_at < $1)
		ORDER BY sync_started_at NULLS FIRST
	`, startedBefore)
}

// ReapStaleSync forces a stuck pass to error with message. It reports false if
// the pass finished or was restarted since it was listed.
func ReapStaleSync(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string, startedBefore time.Time, message string) (bool, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE mailbox_sync_state
		SET status = 'error', sync_error = $4, updated_at = now()
		WHERE account_id = $1 AND mailbox = $2
		  AND status = 'syncing'
		  AND (sync_started_at IS NULL OR sync_started_at < $3)
	`, accountID, mailbox, startedBefore, message)
	if err != nil {
		return false, fmt.Errorf("failed to reap stale sync: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReapStaleCancels finishes cancel requests whose pass has not acknowledged them since startedBefore.
func ReapStaleCancels(ctx context.Context, pool *pgxpool.Pool, startedBefore time.Time) (int64, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE mailbox_sync_state
		SET status = 'cancelled', updated_at = now()
		WHERE status = 'cancel_requested'
		  AND (sync_started_at IS NULL OR sync_started_at < $1)
	`, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale cancels: %w", err)
	}
	return tag.RowsAffected(), nil
}

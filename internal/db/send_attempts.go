package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrSendAttemptNotFound is returned when no attempt exists for the idempotency key.
var ErrSendAttemptNotFound = errors.New("send attempt not found")

// ErrSendNotInFlight is returned when finalizing an attempt that this worker no longer holds.
var ErrSendNotInFlight = errors.New("send attempt is not in flight")

const sendAttemptColumns = `
	account_id,
	idempotency_key,
	send_id,
	identity,
	status,
	envelope,
	result,
	error,
	attempts,
	claimed_at,
	created_at,
	updated_at`

func scanSendAttempt(row pgx.Row) (*models.SendAttempt, error) {
	var a models.SendAttempt
	var envelope, result []byte
	if err := row.Scan(
		&a.AccountID,
		&a.IdempotencyKey,
		&a.SendID,
		&a.Identity,
		&a.Status,
		&envelope,
		&result,
		&a.Error,
		&a.Attempts,
		&a.ClaimedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(envelope) > 0 {
		var env models.OutboundEnvelope
		if err := json.Unmarshal(envelope, &env); err != nil {
			return nil, fmt.Errorf("failed to decode envelope: %w", err)
		}
		a.Envelope = &env
	}
	if len(result) > 0 {
		a.Result = json.RawMessage(result)
	}
	return &a, nil
}

// CreateSendAttempt records a queued attempt for the key. When the key was already
// used, the existing attempt is returned unchanged and created is false.
func CreateSendAttempt(ctx context.Context, pool *pgxpool.Pool, accountID, key, identity string, envelope *models.OutboundEnvelope) (*models.SendAttempt, bool, error) {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode envelope: %w", err)
	}

	a, err := scanSendAttempt(pool.QueryRow(ctx, `
		INSERT INTO send_attempts (account_id, idempotency_key, identity, envelope)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, idempotency_key) DO NOTHING
		RETURNING `+sendAttemptColumns,
		accountID, key, identity, json.RawMessage(encoded),
	))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create send attempt: %w", err)
	}

	existing, err := GetSendAttempt(ctx, pool, accountID, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetSendAttempt returns the attempt for the account and idempotency key.
func GetSendAttempt(ctx context.Context, pool *pgxpool.Pool, accountID, key string) (*models.SendAttempt, error) {
	a, err := scanSendAttempt(pool.QueryRow(ctx,
		`SELECT `+sendAttemptColumns+` FROM send_attempts WHERE account_id = $1 AND idempotency_key = $2`,
		accountID, key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSendAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get send attempt: %w", err)
	}
	return a, nil
}

// ClaimSend atomically moves the attempt to in_flight, creating it if needed.
// Only a queued attempt can be claimed; otherwise the current row is returned
// with claimed set to false.
func ClaimSend(ctx context.Context, pool *pgxpool.Pool, accountID, key, identity string) (*models.SendAttempt, bool, error) {
	a, err := scanSendAttempt(pool.QueryRow(ctx, `
		INSERT INTO send_attempts (account_id, idempotency_key, identity, status, attempts, claimed_at)
		VALUES ($1, $2, $3, 'in_flight', 1, now())
		ON CONFLICT (account_id, idempotency_key) DO UPDATE SET
			status = 'in_flight',
			attempts = send_attempts.attempts + 1,
			claimed_at = now(),
			updated_at = now()
		WHERE send_attempts.status = 'queued'
		RETURNING `+sendAttemptColumns,
		accountID, key, identity,
	))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to claim send: %w", err)
	}

	current, err := GetSendAttempt(ctx, pool, accountID, key)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// FinalizeSendSuccess stores the transport result of an in-flight attempt.
func FinalizeSendSuccess(ctx context.Context, pool *pgxpool.Pool, accountID, key string, result json.RawMessage) error {
	tag, err := pool.Exec(ctx, `
		UPDATE send_attempts
		SET status = 'succeeded', result = $3, error = NULL, updated_at = now()
		WHERE account_id = $1 AND idempotency_key = $2 AND status = 'in_flight'
	`, accountID, key, result)
	if err != nil {
		return fmt.Errorf("failed to finalize send success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSendNotInFlight
	}
	return nil
}

// FinalizeSendFailure records the failure of an in-flight attempt. A retriable
// failure puts it back to queued so the next claim may try again; otherwise it is failed for good.
func FinalizeSendFailure(ctx context.Context, pool *pgxpool.Pool, accountID, key, message string, retriable bool) (models.SendStatus, error) {
	status := models.SendStatusFailed
	if retriable {
		status = models.SendStatusQueued
	}

	tag, err := pool.Exec(ctx, `
		UPDATE send_attempts
		SET status = $3, error = $4, updated_at = now()
		WHERE account_id = $1 AND idempotency_key = $2 AND status = 'in_flight'
	`, accountID, key, status, models.TruncateSyncError(message))
	if err != nil {
		return "", fmt.Errorf("failed to finalize send failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrSendNotInFlight
	}
	return status, nil
}

// AbandonStuckSends fails attempts that have been in flight since before claimedBefore.
// The server may or may not have accepted them, so they are never put back in the queue.
func AbandonStuckSends(ctx context.Context, pool *pgxpool.Pool, claimedBefore time.Time, message string) ([]*models.SendAttempt, error) {
	rows, err := pool.Query(ctx, `
		UPDATE send_attempts
		SET status = 'failed', error = $2, updated_at = now()
		WHERE status = 'in_flight' AND claimed_at < $1
		RETURNING `+sendAttemptColumns,
		claimedBefore, message,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to abandon stuck sends: %w", err)
	}
	defer rows.Close()

	var attempts []*models.SendAttempt
	for rows.Next() {
		a, err := scanSendAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan send attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating send attempts: %w", err)
	}
	return attempts, nil
}

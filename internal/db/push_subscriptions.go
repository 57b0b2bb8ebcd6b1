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

// ErrPushSubscriptionNotFound is returned when the mailbox has no push subscription.
var ErrPushSubscriptionNotFound = errors.New("push subscription not found")

const pushSubscriptionColumns = `
	ps.account_id,
	ps.mailbox,
	ps.provider,
	ps.handle,
	ps.history_cursor,
	ps.expires_at,
	ps.active,
	ps.renewal_failures,
	ps.last_error,
	ps.updated_at`

func scanPushSubscription(row pgx.Row) (*models.PushSubscription, error) {
	var s models.PushSubscription
	var cursor int64
	if err := row.Scan(
		&s.AccountID,
		&s.Mailbox,
		&s.Provider,
		&s.Handle,
		&cursor,
		&s.ExpiresAt,
		&s.Active,
		&s.RenewalFailures,
		&s.LastError,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.HistoryCursor = uint64(cursor)
	return &s, nil
}

func queryPushSubscriptions(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]*models.PushSubscription, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.PushSubscription
	for rows.Next() {
		s, err := scanPushSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan push subscription: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating push subscriptions: %w", err)
	}
	return subs, nil
}

// UpsertPushSubscription stores an active subscription for the mailbox and clears
// any recorded renewal failures. The stored cursor never moves backwards.
func UpsertPushSubscription(ctx context.Context, pool *pgxpool.Pool, sub *models.PushSubscription) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO push_subscriptions (account_id, mailbox, provider, handle, history_cursor, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (account_id, mailbox) DO UPDATE SET
			provider = EXCLUDED.provider,
			handle = EXCLUDED.handle,
			history_cursor = GREATEST(push_subscriptions.history_cursor, EXCLUDED.history_cursor),
			expires_at = EXCLUDED.expires_at,
			active = TRUE,
			renewal_failures = 0,
			last_error = NULL,
			updated_at = now()
	`, sub.AccountID, sub.Mailbox, sub.Provider, sub.Handle, int64(sub.HistoryCursor), sub.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save push subscription: %w", err)
	}
	return nil
}

// GetPushSubscription returns the mailbox's subscription, active or not.
func GetPushSubscription(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string) (*models.PushSubscription, error) {
	s, err := scanPushSubscription(pool.QueryRow(ctx, `
		SELECT `+pushSubscriptionColumns+`
		FROM push_subscriptions ps
		WHERE ps.account_id = $1 AND ps.mailbox = $2
	`, accountID, mailbox))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPushSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get push subscription: %w", err)
	}
	return s, nil
}

// FindActivePushSubscriptionsByEmail resolves the subscriptions a provider
// notification addressed to email refers to.
func FindActivePushSubscriptionsByEmail(ctx context.Context, pool *pgxpool.Pool, email string) ([]*models.PushSubscription, error) {
	return queryPushSubscriptions(ctx, pool, `
		SELECT `+pushSubscriptionColumns+`
		FROM push_subscriptions ps
		JOIN accounts a ON a.id = ps.account_id
		WHERE lower(a.email) = lower($1) AND ps.active
		ORDER BY ps.account_id, ps.mailbox
	`, email)
}

// AdvanceHistoryCursor stores cursor if it is newer than the stored one. It
// reports false for stale or duplicate notifications and inactive subscriptions.
func AdvanceHistoryCursor(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string, cursor uint64) (bool, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE push_subscriptions
		SET history_cursor = $3, updated_at = now()
		WHERE account_id = $1 AND mailbox = $2 AND active AND history_cursor < $3
	`, accountID, mailbox, int64(cursor))
	if err != nil {
		return false, fmt.Errorf("failed to advance history cursor: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListExpiringPushSubscriptions returns active subscriptions expiring before the given time.
func ListExpiringPushSubscriptions(ctx context.Context, pool *pgxpool.Pool, before time.Time) ([]*models.PushSubscription, error) {
	return queryPushSubscriptions(ctx, pool, `
		SELECT `+pushSubscriptionColumns+`
		FROM push_subscriptions ps
		WHERE ps.active AND (ps.expires_at IS NULL OR ps.expires_at < $1)
		ORDER BY ps.expires_at NULLS FIRST
	`, before)
}

// RecordPushRenewalFailure counts a failed renewal and keeps the error for diagnosis.
func RecordPushRenewalFailure(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox, message string) error {
	_, err := pool.Exec(ctx, `
		UPDATE push_subscriptions
		SET renewal_failures = renewal_failures + 1, last_error = $3, updated_at = now()
		WHERE account_id = $1 AND mailbox = $2
	`, accountID, mailbox, models.TruncateSyncError(message))
	if err != nil {
		return fmt.Errorf("failed to record push renewal failure: %w", err)
	}
	return nil
}

// DeactivatePushSubscription marks the subscription inactive. Later notifications for it are ignored.
func DeactivatePushSubscription(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string) error {
	_, err := pool.Exec(ctx, `
		UPDATE push_subscriptions
		SET active = FALSE, updated_at = now()
		WHERE account_id = $1 AND mailbox = $2
	`, accountID, mailbox)
	if err != nil {
		return fmt.Errorf("failed to deactivate push subscription: %w", err)
	}
	return nil
}

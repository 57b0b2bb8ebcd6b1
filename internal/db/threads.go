package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

// GetThreadForAccount returns a thread by its database ID, only if it belongs to the account.
func GetThreadForAccount(ctx context.Context, pool *pgxpool.Pool, accountID, threadID string) (*models.Thread, error) {
	return getThread(ctx, pool, `
		SELECT id, account_id, stable_thread_id, subject
		FROM threads
		WHERE account_id = $1 AND id = $2
	`, accountID, threadID)
}

func getThread(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (*models.Thread, error) {
	var thread models.Thread

	err := pool.QueryRow(ctx, query, args...).Scan(
		&thread.ID,
		&thread.AccountID,
		&thread.StableThreadID,
		&thread.Subject,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	return &thread, nil
}

package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// AppendEvent persists an event and fills in its ID and creation time.
func AppendEvent(ctx context.Context, pool *pgxpool.Pool, event *models.Event) error {
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO sync_events (account_id, mailbox, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, event.AccountID, event.Mailbox, event.Type, payload).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEventsSince returns up to limit events of the account with an ID above since, oldest first.
func ListEventsSince(ctx context.Context, pool *pgxpool.Pool, accountID string, since int64, limit int) ([]models.Event, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, account_id, mailbox, event_type, payload, created_at
		FROM sync_events
		WHERE account_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, accountID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Event, error) {
		var e models.Event
		var payload []byte
		err := row.Scan(&e.ID, &e.AccountID, &e.Mailbox, &e.Type, &payload, &e.CreatedAt)
		e.Payload = payload
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}
	return events, nil
}

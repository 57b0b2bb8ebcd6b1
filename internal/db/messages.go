package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-imap-sortthread"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `
	id,
	account_id,
	thread_id,
	mailbox,
	uid_validity,
	imap_uid,
	message_id_header,
	in_reply_to,
	references_header,
	from_address,
	to_addresses,
	cc_addresses,
	subject,
	received_at,
	is_read,
	is_starred`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	if err := row.Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.ThreadID,
		&msg.Mailbox,
		&msg.UIDValidity,
		&msg.IMAPUID,
		&msg.MessageIDHeader,
		&msg.InReplyTo,
		&msg.References,
		&msg.FromAddress,
		&msg.ToAddresses,
		&msg.CCAddresses,
		&msg.Subject,
		&msg.ReceivedAt,
		&msg.IsRead,
		&msg.IsStarred,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpsertMessages mirrors fetched messages into the mailbox's current epoch and
// returns one change per row that was inserted or actually modified.
// Rows whose stored values already match the remote are left untouched.
func UpsertMessages(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox, uidValidity string, deltas []models.MessageDelta) ([]models.MessageChange, error) {
	if len(deltas) == 0 {
		return nil, nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var changes []models.MessageChange
	for i := range deltas {
		change, changed, err := upsertMessage(ctx, tx, accountID, mailbox, uidValidity, &deltas[i])
		if err != nil {
			return nil, err
		}
		if changed {
			changes = append(changes, change)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}
	return changes, nil
}

func upsertMessage(ctx context.Context, tx pgx.Tx, accountID, mailbox, uidValidity string, delta *models.MessageDelta) (models.MessageChange, bool, error) {
	messageID := threading.NormalizeMessageID(delta.MessageID)
	inReplyTo := threading.NormalizeMessageID(delta.InReplyTo)
	references := make([]string, 0, len(delta.References))
	for _, r := range delta.References {
		references = append(references, threading.ParseMessageIDList(r)...)
	}

	threadID, err := resolveThread(ctx, tx, accountID, mailbox, uidValidity, delta, messageID, inReplyTo, references)
	if err != nil {
		return models.MessageChange{}, false, err
	}

	var receivedAt *time.Time
	if !delta.ReceivedAt.IsZero() {
		t := delta.ReceivedAt
		receivedAt = &t
	}
	to := nonNil(delta.To)
	cc := nonNil(delta.Cc)

	var id string
	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (
			account_id,
			thread_id,
			mailbox,
			uid_validity,
			imap_uid,
			message_id_header,
			in_reply_to,
			references_header,
			from_address,
			to_addresses,
			cc_addresses,
			subject,
			received_at,
			is_read,
			is_starred
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (account_id, mailbox, imap_uid) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			uid_validity = EXCLUDED.uid_validity,
			message_id_header = EXCLUDED.message_id_header,
			in_reply_to = EXCLUDED.in_reply_to,
			references_header = EXCLUDED.references_header,
			from_address = EXCLUDED.from_address,
			to_addresses = EXCLUDED.to_addresses,
			cc_addresses = EXCLUDED.cc_addresses,
			subject = EXCLUDED.subject,
			received_at = EXCLUDED.received_at,
			is_read = EXCLUDED.is_read,
			is_starred = EXCLUDED.is_starred,
			updated_at = now()
		WHERE (messages.thread_id, messages.uid_validity, messages.message_id_header, messages.in_reply_to,
		       messages.references_header, messages.from_address, messages.to_addresses, messages.cc_addresses,
		       messages.subject, messages.received_at, messages.is_read, messages.is_starred)
		   IS DISTINCT FROM
		      (EXCLUDED.thread_id, EXCLUDED.uid_validity, EXCLUDED.message_id_header, EXCLUDED.in_reply_to,
		       EXCLUDED.references_header, EXCLUDED.from_address, EXCLUDED.to_addresses, EXCLUDED.cc_addresses,
		       EXCLUDED.subject, EXCLUDED.received_at, EXCLUDED.is_read, EXCLUDED.is_starred)
		RETURNING id, (xmax = 0) AS inserted
	`,
		accountID,
		threadID,
		mailbox,
		uidValidity,
		delta.UID,
		messageID,
		inReplyTo,
		references,
		delta.From,
		to,
		cc,
		delta.Subject,
		receivedAt,
		delta.Seen,
		delta.Flagged,
	).Scan(&id, &inserted)

	if errors.Is(err, pgx.ErrNoRows) {
		// The conflict row was identical, so nothing changed.
		return models.MessageChange{}, false, nil
	}
	if err != nil {
		return models.MessageChange{}, false, fmt.Errorf("failed to upsert message uid %d: %w", delta.UID, err)
	}

	kind := models.ChangeUpdated
	if inserted {
		kind = models.ChangeInserted
	}
	return models.MessageChange{
		Kind:      kind,
		UID:       delta.UID,
		MessageID: messageID,
		ThreadID:  threadID,
	}, true, nil
}

// resolveThread finds the thread a message belongs to, creating one when no
// related message is known yet.
func resolveThread(ctx context.Context, tx pgx.Tx, accountID, mailbox, uidValidity string, delta *models.MessageDelta, messageID, inReplyTo string, references []string) (string, error) {
	var threadID string

	// A row already mirrored in this epoch keeps its thread.
	err := tx.QueryRow(ctx, `
		SELECT thread_id FROM messages
		WHERE account_id = $1 AND mailbox = $2 AND imap_uid = $3 AND uid_validity = $4
	`, accountID, mailbox, delta.UID, uidValidity).Scan(&threadID)
	if err == nil {
		return threadID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to look up existing message: %w", err)
	}

	related := make([]string, 0, len(references)+2)
	related = append(related, references...)
	if inReplyTo != "" {
		related = append(related, inReplyTo)
	}
	if messageID != "" {
		related = append(related, messageID)
	}

	if len(related) > 0 {
		err = tx.QueryRow(ctx, `
			SELECT thread_id FROM messages
			WHERE account_id = $1 AND lower(message_id_header) = ANY($2)
			ORDER BY received_at DESC NULLS LAST
			LIMIT 1
		`, accountID, related).Scan(&threadID)
		if err == nil {
			return threadID, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("failed to look up related messages: %w", err)
		}
	}

	// The oldest referenced id is the conversation root and gives a stable key
	// that later replies resolve to even when they arrive first.
	stableID := messageID
	switch {
	case len(references) > 0:
		stableID = references[0]
	case inReplyTo != "":
		stableID = inReplyTo
	}
	if stableID == "" {
		stableID = mailbox + ":" + uidValidity + ":" + strconv.FormatInt(delta.UID, 10)
	}

	subject, _ := sortthread.GetBaseSubject(delta.Subject)

	err = tx.QueryRow(ctx, `
		INSERT INTO threads (account_id, stable_thread_id, subject)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, stable_thread_id) DO UPDATE SET
			subject = threads.subject
		RETURNING id
	`, accountID, stableID, subject).Scan(&threadID)
	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	return threadID, nil
}

// ApplyFlagUpdates writes refreshed remote flags and returns a change for each
// message whose flags actually differed.
func ApplyFlagUpdates(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string, updates []models.FlagUpdate) ([]models.MessageChange, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			UPDATE messages
			SET is_read = $4, is_starred = $5, updated_at = now()
			WHERE account_id = $1 AND mailbox = $2 AND imap_uid = $3
			  AND (is_read, is_starred) IS DISTINCT FROM ($4, $5)
			RETURNING message_id_header, thread_id
		`, accountID, mailbox, u.UID, u.Seen, u.Flagged)
	}

	results := pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	var changes []models.MessageChange
	for _, u := range updates {
		change := models.MessageChange{Kind: models.ChangeUpdated, UID: u.UID}
		err := results.QueryRow().Scan(&change.MessageID, &change.ThreadID)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update flags for uid %d: %w", u.UID, err)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// ListMailboxUIDs returns the UIDs mirrored locally for the mailbox epoch, ascending.
func ListMailboxUIDs(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox, uidValidity string) ([]int64, error) {
	return queryUIDs(ctx, pool, `
		SELECT imap_uid FROM messages
		WHERE account_id = $1 AND mailbox = $2 AND uid_validity = $3
		ORDER BY imap_uid
	`, accountID, mailbox, uidValidity)
}

// ListRecentUIDs returns up to limit of the highest mirrored UIDs, descending.
func ListRecentUIDs(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string, limit int) ([]int64, error) {
	return queryUIDs(ctx, pool, `
		SELECT imap_uid FROM messages
		WHERE account_id = $1 AND mailbox = $2
		ORDER BY imap_uid DESC
		LIMIT $3
	`, accountID, mailbox, limit)
}

func queryUIDs(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]int64, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list uids: %w", err)
	}
	uids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan uids: %w", err)
	}
	return uids, nil
}

// CountMailboxMessages returns how many messages are mirrored for the mailbox.
func CountMailboxMessages(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE account_id = $1 AND mailbox = $2
	`, accountID, mailbox).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// DeleteMessagesOutsideEpoch removes rows mirrored under any UID validity other
// than the current one. Their UIDs are meaningless in the new epoch.
func DeleteMessagesOutsideEpoch(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox, uidValidity string) ([]models.MessageChange, error) {
	return deleteMessages(ctx, pool, `
		DELETE FROM messages
		WHERE account_id = $1 AND mailbox = $2 AND uid_validity <> $3
		RETURNING imap_uid, message_id_header, thread_id
	`, accountID, mailbox, uidValidity)
}

// DeleteMessagesByUID removes the given UIDs from the mailbox mirror.
func DeleteMessagesByUID(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string, uids []int64) ([]models.MessageChange, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	return deleteMessages(ctx, pool, `
		DELETE FROM messages
		WHERE account_id = $1 AND mailbox = $2 AND imap_uid = ANY($3)
		RETURNING imap_uid, message_id_header, thread_id
	`, accountID, mailbox, uids)
}

func deleteMessages(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]models.MessageChange, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to delete messages: %w", err)
	}
	changes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.MessageChange, error) {
		change := models.MessageChange{Kind: models.ChangeRemoved}
		err := row.Scan(&change.UID, &change.MessageID, &change.ThreadID)
		return change, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan deleted messages: %w", err)
	}

	threadIDs := make([]string, 0, len(changes))
	for _, c := range changes {
		threadIDs = append(threadIDs, c.ThreadID)
	}
	if len(threadIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM threads t
			WHERE t.id = ANY($1)
			  AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.thread_id = t.id)
		`, threadIDs); err != nil {
			return nil, fmt.Errorf("failed to delete empty threads: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit deletion: %w", err)
	}
	return changes, nil
}

// GetMessagesForThread returns all messages for a thread in arrival order.
func GetMessagesForThread(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]*models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = $1
		ORDER BY received_at NULLS LAST, imap_uid
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// GetMessageByUID returns a message by its mailbox and IMAP UID.
func GetMessageByUID(ctx context.Context, pool *pgxpool.Pool, accountID, mailbox string, imapUID int64) (*models.Message, error) {
	msg, err := scanMessage(pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE account_id = $1 AND mailbox = $2 AND imap_uid = $3
	`, accountID, mailbox, imapUID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

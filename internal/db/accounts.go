package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

const accountColumns = `
	id,
	user_id,
	provider,
	email,
	imap_server_hostname,
	imap_username,
	encrypted_imap_password,
	smtp_server_hostname,
	smtp_username,
	encrypted_smtp_password,
	encrypted_access_token,
	created_at,
	updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Provider,
		&a.Email,
		&a.IMAPServerHostname,
		&a.IMAPUsername,
		&a.EncryptedIMAPPassword,
		&a.SMTPServerHostname,
		&a.SMTPUsername,
		&a.EncryptedSMTPPassword,
		&a.EncryptedAccessToken,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveAccount inserts the account, or updates it when an account with the
// same (user, email) exists. The ID is populated on return.
func SaveAccount(ctx context.Context, pool *pgxpool.Pool, account *models.Account) error {
	if account.Provider == "" {
		account.Provider = models.ProviderIMAP
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (
			user_id,
			provider,
			email,
			imap_server_hostname,
			imap_username,
			encrypted_imap_password,
			smtp_server_hostname,
			smtp_username,
			encrypted_smtp_password,
			encrypted_access_token
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, email) DO UPDATE SET
			provider = EXCLUDED.provider,
			imap_server_hostname = EXCLUDED.imap_server_hostname,
			imap_username = EXCLUDED.imap_username,
			encrypted_imap_password = EXCLUDED.encrypted_imap_password,
			smtp_server_hostname = EXCLUDED.smtp_server_hostname,
			smtp_username = EXCLUDED.smtp_username,
			encrypted_smtp_password = EXCLUDED.encrypted_smtp_password,
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`,
		account.UserID,
		account.Provider,
		account.Email,
		account.IMAPServerHostname,
		account.IMAPUsername,
		account.EncryptedIMAPPassword,
		account.SMTPServerHostname,
		account.SMTPUsername,
		account.EncryptedSMTPPassword,
		account.EncryptedAccessToken,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// GetAccount returns an account by ID.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.Account, error) {
	account, err := scanAccount(pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// GetAccountForUser returns the account only if it belongs to the user.
func GetAccountForUser(ctx context.Context, pool *pgxpool.Pool, userID, accountID string) (*models.Account, error) {
	account, err := scanAccount(pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 AND user_id = $2`,
		accountID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// ListAccounts returns every account, oldest first.
func ListAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	return queryAccounts(ctx, pool, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
}

func queryAccounts(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEmptyEmail is returned when a token carries no usable email claim.
var ErrEmptyEmail = errors.New("user email is empty")

// NormalizeEmail is the form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// GetOrCreateUser resolves an authenticated email to a user id, creating the
// user on first sight. Emails differing only in case map to the same user.
func GetOrCreateUser(ctx context.Context, pool *pgxpool.Pool, email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", ErrEmptyEmail
	}

	var userID string
	err := pool.QueryRow(ctx, `
		INSERT INTO users (email)
		VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET updated_at = now()
		RETURNING id
	`, email).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve user %s: %w", email, err)
	}
	return userID, nil
}

package models

import (
	"time"
)

// User represents a signed-in owner of one or more mail accounts.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider identifies how an account is reached.
type Provider string

const (
	ProviderIMAP  Provider = "imap"
	ProviderGmail Provider = "gmail"
)

// Account is an incoming connector: one remote mailbox host plus the
// credentials needed to sync from and send through it.
type Account struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	Provider              Provider  `json:"provider"`
	Email                 string    `json:"email"`
	IMAPServerHostname    string    `json:"imap_server_hostname"`
	IMAPUsername          string    `json:"imap_username"`
	EncryptedIMAPPassword []byte    `json:"-"`
	SMTPServerHostname    string    `json:"smtp_server_hostname"`
	SMTPUsername          string    `json:"smtp_username"`
	EncryptedSMTPPassword []byte    `json:"-"`
	EncryptedAccessToken  []byte    `json:"-"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// SupportsPush reports whether the account can receive provider push notifications.
func (a *Account) SupportsPush() bool {
	return a.Provider == ProviderGmail
}

package imap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncer"
)

// Decrypter turns stored credentials back into plaintext.
type Decrypter interface {
	Decrypt(ciphertext []byte) (string, error)
}

// Transport opens IMAP mailboxes for the sync worker, borrowing connections from a Pool.
type Transport struct {
	pool      *Pool
	decrypter Decrypter
}

// NewTransport creates a Transport.
func NewTransport(pool *Pool, decrypter Decrypter) *Transport {
	return &Transport{pool: pool, decrypter: decrypter}
}

// Credentials decrypts what is needed to log in to the account's IMAP server.
// Gmail accounts with an access token authenticate with OAUTHBEARER.
func (t *Transport) Credentials(account *models.Account) (Credentials, error) {
	creds := Credentials{
		Server:   account.IMAPServerHostname,
		Username: account.IMAPUsername,
	}

	if account.Provider == models.ProviderGmail && len(account.EncryptedAccessToken) > 0 {
		token, err := t.decrypter.Decrypt(account.EncryptedAccessToken)
		if err != nil {
			return Credentials{}, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		creds.AccessToken = token
		return creds, nil
	}

	password, err := t.decrypter.Decrypt(account.EncryptedIMAPPassword)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}
	creds.Password = password
	return creds, nil
}

// Open selects mailbox read-only on a pooled worker connection.
func (t *Transport) Open(ctx context.Context, account *models.Account, mailbox string) (syncer.Session, error) {
	creds, err := t.Credentials(account)
	if err != nil {
		return nil, err
	}

	c, release, err := t.pool.GetClient(ctx, account.ID, creds)
	if err != nil {
		return nil, err
	}

	status, err := c.Select(mailbox, true)
	if err != nil {
		release()
		return nil, commandError(c, "select "+mailbox, err)
	}

	return &session{
		c:       c,
		release: release,
		name:    mailbox,
		status:  status,
	}, nil
}

// ListMailboxes lists the account's selectable mailboxes.
func (t *Transport) ListMailboxes(ctx context.Context, account *models.Account) ([]string, error) {
	creds, err := t.Credentials(account)
	if err != nil {
		return nil, err
	}

	c, release, err := t.pool.GetClient(ctx, account.ID, creds)
	if err != nil {
		return nil, err
	}
	defer release()

	names, err := ListMailboxes(c)
	if err != nil {
		return nil, commandError(c, "list mailboxes", err)
	}
	return names, nil
}

// session is one EXAMINEd mailbox on a worker connection. It is not safe for concurrent use.
type session struct {
	c       *client.Client
	release func()
	name    string
	status  *imap.MailboxStatus
}

func (s *session) Mailbox() models.RemoteMailbox {
	return models.RemoteMailbox{
		Name:        s.name,
		UIDValidity: strconv.FormatUint(uint64(s.status.UidValidity), 10),
		UIDNext:     int64(s.status.UidNext),
		Messages:    int(s.status.Messages),
	}
}

func (s *session) FetchChanges(ctx context.Context, since models.Watermark, limit int) (*syncer.ChangeBatch, error) {
	uids, err := s.ListUIDsAfter(ctx, since.LastSeenUID)
	if err != nil {
		return nil, err
	}

	batch := &syncer.ChangeBatch{Watermark: since}
	if len(uids) == 0 {
		return batch, nil
	}
	if limit > 0 && len(uids) > limit {
		batch.Remaining = len(uids) - limit
		uids = uids[:limit]
	}

	messages, err := s.FetchMessages(ctx, uids)
	if err != nil {
		return nil, err
	}
	batch.Messages = messages

	top := uids[len(uids)-1]
	highest := top
	if next := int64(s.status.UidNext) - 1; next > highest && batch.Remaining == 0 {
		highest = next
	}
	batch.Watermark = since.Advance(models.Watermark{LastSeenUID: top, HighestUID: highest})
	return batch, nil
}

// ListUIDsAfter returns the UIDs above after, ascending.
func (s *session) ListUIDsAfter(ctx context.Context, after int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uids, err := SearchUIDsAfter(s.c, after)
	if err != nil {
		return nil, commandError(s.c, "search "+s.name, err)
	}
	if err := s.checkValidity(); err != nil {
		return nil, err
	}
	return uids, nil
}

func (s *session) ListUIDs(ctx context.Context) ([]int64, error) {
	return s.ListUIDsAfter(ctx, 0)
}

func (s *session) FetchMessages(ctx context.Context, uids []int64) ([]models.MessageDelta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	messages, err := FetchMessages(s.c, uids)
	if err != nil {
		return nil, commandError(s.c, "fetch messages from "+s.name, err)
	}
	if err := s.checkValidity(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *session) FetchFlags(ctx context.Context, uids []int64) ([]models.FlagUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	flags, err := FetchFlags(s.c, uids)
	if err != nil {
		return nil, commandError(s.c, "fetch flags from "+s.name, err)
	}
	if err := s.checkValidity(); err != nil {
		return nil, err
	}
	return flags, nil
}

func (s *session) Close() error {
	s.release()
	return nil
}

// checkValidity compares the UIDVALIDITY the server last reported with the one seen at SELECT.
func (s *session) checkValidity() error {
	current := s.c.Mailbox()
	if current == nil || current.UidValidity == 0 || current.UidValidity == s.status.UidValidity {
		return nil
	}
	return &models.UIDValidityChangedError{
		Mailbox:  s.name,
		Previous: strconv.FormatUint(uint64(s.status.UidValidity), 10),
		Current:  strconv.FormatUint(uint64(current.UidValidity), 10),
	}
}

// commandError wraps a failed IMAP command so the sync worker can tell a dropped
// connection (retry) from a server refusing the command (terminal).
func commandError(c *client.Client, op string, err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("failed to %s: %w", op, err)
	case c.State() == imap.LogoutState:
		return fmt.Errorf("failed to %s: %w: %w", op, net.ErrClosed, err)
	default:
		return fmt.Errorf("failed to %s: %w: %w", op, syncer.ErrRemoteProtocol, err)
	}
}

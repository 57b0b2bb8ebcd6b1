package syncer

import (
	"context"

	"github.com/vdavid/mailsync/internal/models"
)

// Transport opens remote mailboxes. The IMAP implementation lives in internal/imap.
type Transport interface {
	Open(ctx context.Context, account *models.Account, mailbox string) (Session, error)
	ListMailboxes(ctx context.Context, account *models.Account) ([]string, error)
}

// Session is one opened, read-only view of a remote mailbox.
// A session that notices its mailbox changed UID validity returns
// *models.UIDValidityChangedError from any call.
type Session interface {
	Mailbox() models.RemoteMailbox

	// FetchChanges returns up to limit messages with a UID above since.LastSeenUID,
	// in ascending UID order.
	FetchChanges(ctx context.Context, since models.Watermark, limit int) (*ChangeBatch, error)

	// ListUIDs returns every UID currently in the mailbox, ascending.
	ListUIDs(ctx context.Context) ([]int64, error)

	FetchMessages(ctx context.Context, uids []int64) ([]models.MessageDelta, error)
	FetchFlags(ctx context.Context, uids []int64) ([]models.FlagUpdate, error)
	Close() error
}

// ChangeBatch is one page of an incremental fetch.
type ChangeBatch struct {
	Messages []models.MessageDelta
	// Watermark covers every message in the batch.
	Watermark models.Watermark
	// Remaining counts newer messages left on the server after this batch.
	Remaining int
}

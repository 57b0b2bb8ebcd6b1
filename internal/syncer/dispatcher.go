package syncer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vdavid/mailsync/internal/jobs"
	"github.com/vdavid/mailsync/internal/models"
)

// TaskKind is the job kind of a sync pass.
const TaskKind = "sync_mailbox"

// Enqueuer adds jobs to the scheduler. *jobs.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts jobs.EnqueueOptions) (bool, error)
}

// QueueMarker is the part of the sync state store the dispatcher uses.
type QueueMarker interface {
	EnsureSyncState(ctx context.Context, accountID, mailbox string) (*models.MailboxSyncState, error)
	MarkQueued(ctx context.Context, accountID, mailbox string) (bool, error)
}

// MailboxLister lists the remote mailboxes of an account.
type MailboxLister interface {
	ListMailboxes(ctx context.Context, account *models.Account) ([]string, error)
}

// Dispatcher turns sync triggers into queued sync jobs.
type Dispatcher struct {
	states    QueueMarker
	queue     Enqueuer
	accounts  AccountSource
	mailboxes MailboxLister
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(states QueueMarker, queue Enqueuer, accounts AccountSource, mailboxes MailboxLister) *Dispatcher {
	return &Dispatcher{
		states:    states,
		queue:     queue,
		accounts:  accounts,
		mailboxes: mailboxes,
		now:       time.Now,
	}
}

// DedupeKey folds all pending passes of a mailbox into one job.
func DedupeKey(accountID, mailbox string) string {
	return "sync:" + accountID + ":" + mailbox
}

// EnqueueSync queues a pass for the mailbox. It reports false when an
// equivalent pass was already pending.
func (d *Dispatcher) EnqueueSync(ctx context.Context, req models.SyncRequest) (bool, error) {
	return d.enqueue(ctx, req, time.Time{})
}

// EnqueueSyncAt queues a pass that does not start before runAt.
func (d *Dispatcher) EnqueueSyncAt(ctx context.Context, req models.SyncRequest, runAt time.Time) (bool, error) {
	return d.enqueue(ctx, req, runAt)
}

func (d *Dispatcher) enqueue(ctx context.Context, req models.SyncRequest, runAt time.Time) (bool, error) {
	if req.AccountID == "" || req.Mailbox == "" {
		return false, fmt.Errorf("account and mailbox are required")
	}
	if req.Trigger == "" {
		req.Trigger = models.TriggerManual
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = d.now()
	}

	if _, err := d.states.EnsureSyncState(ctx, req.AccountID, req.Mailbox); err != nil {
		return false, fmt.Errorf("failed to ensure sync state: %w", err)
	}

	// A reaped mailbox keeps its error visible until the retry runs,
	// so clients can show it as recovering.
	if req.Trigger != models.TriggerMaintenance {
		if _, err := d.states.MarkQueued(ctx, req.AccountID, req.Mailbox); err != nil {
			return false, fmt.Errorf("failed to mark sync queued: %w", err)
		}
	}

	enqueued, err := d.queue.Enqueue(ctx, TaskKind, req, jobs.EnqueueOptions{
		DedupeKey: DedupeKey(req.AccountID, req.Mailbox),
		RunAt:     runAt,
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue sync: %w", err)
	}
	return enqueued, nil
}

// EnqueueAll queues a pass for every remote mailbox of the account and
// returns the mailbox names.
func (d *Dispatcher) EnqueueAll(ctx context.Context, accountID string, trigger models.SyncTrigger) ([]string, error) {
	account, err := d.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	names, err := d.mailboxes.ListMailboxes(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	for _, name := range names {
		if _, err := d.EnqueueSync(ctx, models.SyncRequest{
			AccountID: accountID,
			Mailbox:   name,
			Trigger:   trigger,
		}); err != nil {
			return nil, err
		}
	}
	log.Printf("Sync: queued %d mailboxes for account %s", len(names), accountID)
	return names, nil
}

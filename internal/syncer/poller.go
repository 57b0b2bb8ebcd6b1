package syncer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// PollSource lists mailboxes whose last pass is older than a cutoff.
type PollSource interface {
	ListSyncStatesDueForPoll(ctx context.Context, cutoff time.Time) ([]*models.MailboxSyncState, error)
}

// WatchHealth tells whether a mailbox is covered by a healthy live watch.
type WatchHealth interface {
	Healthy(accountID, mailbox string) bool
}

// Poller is the timer trigger: it queues passes for mailboxes that no live
// watch keeps fresh.
type Poller struct {
	states     PollSource
	dispatcher SyncEnqueuer
	watches    WatchHealth
	interval   time.Duration
	now        func() time.Time
}

// NewPoller creates a Poller. watches may be nil, in which case every due mailbox is polled.
func NewPoller(states PollSource, dispatcher SyncEnqueuer, watches WatchHealth, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{
		states:     states,
		dispatcher: dispatcher,
		watches:    watches,
		interval:   interval,
		now:        time.Now,
	}
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.PollOnce(ctx); err != nil {
				log.Printf("Poller: %v", err)
			} else if n > 0 {
				log.Printf("Poller: queued %d mailboxes", n)
			}
		}
	}
}

// PollOnce queues a timer pass for every due mailbox and returns how many were queued.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	due, err := p.states.ListSyncStatesDueForPoll(ctx, p.now().Add(-p.interval))
	if err != nil {
		return 0, fmt.Errorf("failed to list mailboxes due for poll: %w", err)
	}

	queued := 0
	for _, s := range due {
		if p.watches != nil && p.watches.Healthy(s.AccountID, s.Mailbox) {
			continue
		}
		ok, err := p.dispatcher.EnqueueSync(ctx, models.SyncRequest{
			AccountID: s.AccountID,
			Mailbox:   s.Mailbox,
			Trigger:   models.TriggerTimer,
		})
		if err != nil {
			log.Printf("Poller: failed to queue %s/%s: %v", s.AccountID, s.Mailbox, err)
			continue
		}
		if ok {
			queued++
		}
	}
	return queued, nil
}

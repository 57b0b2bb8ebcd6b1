package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/push"
)

// ErrPushUnsupported is returned when enabling push for an account whose provider has none.
var ErrPushUnsupported = errors.New("account does not support push notifications")

// ErrPushNotConfigured is returned when no push provider was wired in.
var ErrPushNotConfigured = errors.New("push notifications are not configured")

// PushProvider registers and renews provider-side subscriptions.
type PushProvider interface {
	Subscribe(ctx context.Context, account *models.Account, mailbox string) (*push.Subscription, error)
	Renew(ctx context.Context, account *models.Account, sub *models.PushSubscription) (*push.Subscription, error)
	Unsubscribe(ctx context.Context, account *models.Account, sub *models.PushSubscription) error
}

// SubscriptionStore persists push subscriptions.
type SubscriptionStore interface {
	UpsertPushSubscription(ctx context.Context, sub *models.PushSubscription) error
	GetPushSubscription(ctx context.Context, accountID, mailbox string) (*models.PushSubscription, error)
	FindActivePushSubscriptionsByEmail(ctx context.Context, email string) ([]*models.PushSubscription, error)
	AdvanceHistoryCursor(ctx context.Context, accountID, mailbox string, cursor uint64) (bool, error)
	ListExpiringPushSubscriptions(ctx context.Context, before time.Time) ([]*models.PushSubscription, error)
	RecordPushRenewalFailure(ctx context.Context, accountID, mailbox, message string) error
	DeactivatePushSubscription(ctx context.Context, accountID, mailbox string) error
}

// renewTimeout bounds one subscription renewal so a slow provider cannot hold up the rest.
const renewTimeout = 30 * time.Second

// EnablePush subscribes a mailbox to provider push notifications.
// An active subscription that is not about to expire is returned as is.
func (c *Coordinator) EnablePush(ctx context.Context, accountID, mailbox string) (*models.PushSubscription, error) {
	if c.provider == nil || c.subs == nil {
		return nil, ErrPushNotConfigured
	}

	account, err := c.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.SupportsPush() {
		return nil, ErrPushUnsupported
	}

	existing, err := c.subs.GetPushSubscription(ctx, accountID, mailbox)
	switch {
	case err == nil && existing.Active && !existing.ExpiresWithin(c.now(), time.Hour):
		return existing, nil
	case err != nil && !errors.Is(err, db.ErrPushSubscriptionNotFound):
		return nil, err
	}

	sub, err := c.provider.Subscribe(ctx, account, mailbox)
	if err != nil {
		return nil, err
	}
	if err := c.saveSubscription(ctx, account, mailbox, sub); err != nil {
		return nil, err
	}
	log.Printf("Watch: push enabled for %s of account %s until %s", mailbox, accountID, sub.ExpiresAt.Format(time.RFC3339))

	return c.subs.GetPushSubscription(ctx, accountID, mailbox)
}

func (c *Coordinator) saveSubscription(ctx context.Context, account *models.Account, mailbox string, sub *push.Subscription) error {
	expires := sub.ExpiresAt
	return c.subs.UpsertPushSubscription(ctx, &models.PushSubscription{
		AccountID:     account.ID,
		Mailbox:       mailbox,
		Provider:      account.Provider,
		Handle:        sub.Handle,
		HistoryCursor: sub.HistoryCursor,
		ExpiresAt:     &expires,
	})
}

// DisablePush marks the mailbox's subscription inactive and tells the provider to stop.
// Disabling a mailbox without a subscription is a no-op.
func (c *Coordinator) DisablePush(ctx context.Context, accountID, mailbox string) error {
	if c.subs == nil {
		return ErrPushNotConfigured
	}

	sub, err := c.subs.GetPushSubscription(ctx, accountID, mailbox)
	if errors.Is(err, db.ErrPushSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sub.Active {
		return nil
	}

	if err := c.subs.DeactivatePushSubscription(ctx, accountID, mailbox); err != nil {
		return err
	}

	if c.provider == nil {
		return nil
	}
	account, err := c.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	// The provider watch lapses on its own if this fails.
	if err := c.provider.Unsubscribe(ctx, account, sub); err != nil {
		log.Printf("Watch: failed to unsubscribe %s of account %s: %v", mailbox, accountID, err)
	}
	return nil
}

// HandlePush routes a webhook delivery to the subscribed mailboxes and returns how many
// passes it enqueued. Deliveries for unknown accounts and stale cursors are ignored.
func (c *Coordinator) HandlePush(ctx context.Context, n push.Notification) (int, error) {
	if c.subs == nil {
		return 0, ErrPushNotConfigured
	}

	subs, err := c.subs.FindActivePushSubscriptionsByEmail(ctx, n.AccountHint)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		metrics.PushNotifications.WithLabelValues("unknown").Inc()
		return 0, nil
	}

	enqueued := 0
	for _, sub := range subs {
		if n.HistoryCursor <= sub.HistoryCursor {
			metrics.PushNotifications.WithLabelValues("stale").Inc()
			continue
		}

		// The cursor only moves once the sync is queued, so a redelivery after
		// a failed enqueue is not mistaken for a stale one.
		_, err = c.enqueuer.EnqueueSync(ctx, models.SyncRequest{
			AccountID:   sub.AccountID,
			Mailbox:     sub.Mailbox,
			Hint:        strconv.FormatUint(n.HistoryCursor, 10),
			Trigger:     models.TriggerPush,
			RequestedAt: c.now(),
		})
		if err != nil {
			return enqueued, fmt.Errorf("failed to enqueue push sync: %w", err)
		}
		if _, err := c.subs.AdvanceHistoryCursor(ctx, sub.AccountID, sub.Mailbox, n.HistoryCursor); err != nil {
			return enqueued, err
		}
		metrics.PushNotifications.WithLabelValues("enqueued").Inc()
		enqueued++
	}
	return enqueued, nil
}

// RenewReport summarizes one renewal round.
type RenewReport struct {
	Renewed int `json:"renewed"`
	Failed  int `json:"failed"`
}

// RenewExpiring renews every active subscription expiring within window.
// Each renewal is independent: a failure is recorded on its row and the rest continue.
func (c *Coordinator) RenewExpiring(ctx context.Context, window time.Duration) (RenewReport, error) {
	var report RenewReport
	if c.provider == nil || c.subs == nil {
		return report, nil
	}

	subs, err := c.subs.ListExpiringPushSubscriptions(ctx, c.now().Add(window))
	if err != nil {
		return report, err
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := c.renewOne(ctx, sub); err != nil {
			report.Failed++
			metrics.PushRenewals.WithLabelValues("error").Inc()
			log.Printf("Watch: failed to renew push for %s of account %s: %v", sub.Mailbox, sub.AccountID, err)
			if recErr := c.subs.RecordPushRenewalFailure(context.WithoutCancel(ctx), sub.AccountID, sub.Mailbox, err.Error()); recErr != nil {
				log.Printf("Watch: failed to record renewal failure: %v", recErr)
			}
			continue
		}
		report.Renewed++
		metrics.PushRenewals.WithLabelValues("ok").Inc()
	}
	return report, nil
}

func (c *Coordinator) renewOne(ctx context.Context, sub *models.PushSubscription) (err error) {
	ctx, cancel := context.WithTimeout(ctx, renewTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("renewal panicked: %v", r)
		}
	}()

	account, err := c.accounts.GetAccount(ctx, sub.AccountID)
	if err != nil {
		return err
	}
	renewed, err := c.provider.Renew(ctx, account, sub)
	if err != nil {
		return err
	}
	return c.saveSubscription(ctx, account, sub.Mailbox, renewed)
}

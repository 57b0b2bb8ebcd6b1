package imap

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/watch"
)

// idlePollInterval is the NOOP polling interval used when the server lacks IDLE.
const idlePollInterval = 30 * time.Second

// OpenLiveWatch selects mailbox on a dedicated listener connection and starts IDLE on it.
// The watch runs until Close is called or the connection drops.
func (t *Transport) OpenLiveWatch(ctx context.Context, account *models.Account, mailbox string) (watch.LiveWatch, error) {
	creds, err := t.Credentials(account)
	if err != nil {
		return nil, err
	}

	listener, err := t.pool.GetListenerConnection(ctx, account.ID, mailbox, creds)
	if err != nil {
		return nil, err
	}

	c := listener.GetClient()
	if _, err := c.Select(mailbox, true); err != nil {
		listener.Unlock()
		t.pool.RemoveListenerConnection(account.ID, mailbox)
		return nil, commandError(c, "select "+mailbox+" for IDLE", err)
	}

	updates := make(chan imapclient.Update, 16)
	c.Updates = updates

	w := &idleWatch{
		pool:      t.pool,
		accountID: account.ID,
		mailbox:   mailbox,
		listener:  listener,
		changes:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}

	idleDone := make(chan error, 1)
	go func() {
		idleDone <- idle.NewClient(c).IdleWithFallback(w.stop, idlePollInterval)
	}()
	go w.pump(updates, idleDone)

	return w, nil
}

// idleWatch implements watch.LiveWatch on top of an IMAP IDLE session.
type idleWatch struct {
	pool      *Pool
	accountID string
	mailbox   string
	listener  *threadSafeClient

	changes  chan struct{}
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	err      error
}

func (w *idleWatch) Changes() <-chan struct{} { return w.changes }

func (w *idleWatch) Done() <-chan struct{} { return w.done }

// Err reports why the watch ended. It is nil until Done is closed and after a clean Close.
func (w *idleWatch) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Close stops IDLE and waits for the listener connection to be released.
func (w *idleWatch) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	return nil
}

// pump forwards server activity until IDLE ends, then logs the connection out.
// Updates keep being drained during logout because the client blocks on sending them.
func (w *idleWatch) pump(updates <-chan imapclient.Update, idleDone <-chan error) {
	var idleErr error
loop:
	for {
		select {
		case update := <-updates:
			w.handleUpdate(update)
		case idleErr = <-idleDone:
			break loop
		}
	}

	loggedOut := make(chan struct{})
	go func() {
		w.listener.Unlock()
		w.pool.RemoveListenerConnection(w.accountID, w.mailbox)
		close(loggedOut)
	}()
	for {
		select {
		case <-updates:
		case <-loggedOut:
			if idleErr != nil {
				w.err = fmt.Errorf("IDLE on %s ended: %w", w.mailbox, idleErr)
				log.Printf("IMAP IDLE: watch on %s for account %s ended: %v", w.mailbox, w.accountID, idleErr)
			}
			close(w.done)
			return
		}
	}
}

// handleUpdate signals a change for anything that can alter the mirror.
func (w *idleWatch) handleUpdate(update imapclient.Update) {
	switch update.(type) {
	case *imapclient.MailboxUpdate, *imapclient.ExpungeUpdate, *imapclient.MessageUpdate:
	default:
		return
	}
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

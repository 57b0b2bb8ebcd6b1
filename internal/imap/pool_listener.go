package imap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/emersion/go-imap"
)

// ErrListenerBusy is returned when a mailbox already has an active listener.
var ErrListenerBusy = errors.New("mailbox already has an active listener")

func listenerKey(accountID, mailbox string) string {
	return accountID + "/" + mailbox
}

func listenerAccount(key string) string {
	accountID, _, _ := strings.Cut(key, "/")
	return accountID
}

// GetListenerConnection gets or creates the listener connection of a mailbox.
// Listener connections are dedicated connections for the IDLE command.
// Returns a locked connection that must be unlocked by the caller.
func (p *Pool) GetListenerConnection(ctx context.Context, accountID, mailbox string, creds Credentials) (*threadSafeClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := listenerKey(accountID, mailbox)

	p.mu.RLock()
	listener, exists := p.listeners[key]
	p.mu.RUnlock()

	if exists {
		if !listener.TryLock() {
			return nil, ErrListenerBusy
		}
		state := listener.GetClient().State()
		if state == imap.AuthenticatedState || state == imap.SelectedState {
			listener.UpdateLastUsed()
			return listener, nil
		}
		// Connection is dead, remove it before dialing a new one
		listener.Unlock()
		p.removeListener(key, listener)
	}

	c, err := connect(p.dial, creds, p.useTLS)
	if err != nil {
		return nil, err
	}

	listener = &threadSafeClient{
		client:   c,
		lastUsed: time.Now(),
		role:     roleListener,
	}
	listener.Lock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.listeners[key]; exists {
		// Another goroutine won the race
		_ = c.Logout()
		return nil, ErrListenerBusy
	}
	p.listeners[key] = listener
	return listener, nil
}

// RemoveListenerConnection logs out and forgets the listener of a mailbox.
// The caller must not hold the listener's lock.
func (p *Pool) RemoveListenerConnection(accountID, mailbox string) {
	key := listenerKey(accountID, mailbox)

	p.mu.RLock()
	listener, exists := p.listeners[key]
	p.mu.RUnlock()

	if exists {
		p.removeListener(key, listener)
	}
}

func (p *Pool) removeListener(key string, listener *threadSafeClient) {
	p.mu.Lock()
	if p.listeners[key] == listener {
		delete(p.listeners, key)
	}
	p.mu.Unlock()

	listener.Lock()
	_ = listener.GetClient().Logout()
	listener.Unlock()
}

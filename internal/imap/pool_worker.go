package imap

import (
	"context"
	"sync"
	"time"

	"github.com/emersion/go-imap"
)

// getOrCreateWorkerSet gets or creates a worker client set for an account.
// Thread-safe: uses double-check locking pattern.
func (p *Pool) getOrCreateWorkerSet(accountID string) *workerClientSet {
	p.mu.RLock()
	set, exists := p.workerSets[accountID]
	p.mu.RUnlock()

	if exists {
		return set
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check: another goroutine might have created it
	if set, exists := p.workerSets[accountID]; exists {
		return set
	}

	set = &workerClientSet{
		semaphore: make(chan struct{}, p.maxWorkers),
	}
	p.workerSets[accountID] = set
	return set
}

// getWorkerConnection returns a locked, healthy worker client for an account
// together with the function that unlocks it and frees its slot.
func (p *Pool) getWorkerConnection(ctx context.Context, accountID string, creds Credentials) (*threadSafeClient, func(), error) {
	set := p.getOrCreateWorkerSet(accountID)
	if err := set.acquireSlot(ctx); err != nil {
		return nil, nil, err
	}

	for {
		tsClient := set.takeIdle()
		if tsClient == nil {
			break
		}
		if p.isHealthy(tsClient) {
			tsClient.UpdateLastUsed()
			return tsClient, releaseFunc(set, tsClient), nil
		}
		// Dead: drop it and look at the next idle one.
		set.remove(tsClient)
		_ = tsClient.GetClient().Logout()
		tsClient.Unlock()
	}

	c, err := connect(p.dial, creds, p.useTLS)
	if err != nil {
		set.releaseSlot()
		return nil, nil, err
	}

	tsClient := &threadSafeClient{
		client:   c,
		lastUsed: time.Now(),
		role:     roleWorker,
	}
	tsClient.Lock()
	set.addClient(tsClient)
	return tsClient, releaseFunc(set, tsClient), nil
}

func releaseFunc(set *workerClientSet, c *threadSafeClient) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.Unlock()
			set.releaseSlot()
		})
	}
}

// isHealthy checks the state of a locked client and pings it with NOOP
// when it has not been used for a while.
func (p *Pool) isHealthy(c *threadSafeClient) bool {
	state := c.GetClient().State()
	if state != imap.AuthenticatedState && state != imap.SelectedState {
		return false
	}
	if time.Since(c.GetLastUsed()) > healthCheckThreshold {
		return p.checkConnectionHealth(c)
	}
	return true
}

// checkConnectionHealth performs a NOOP command to check if client is alive.
// The client must be locked before calling this.
func (p *Pool) checkConnectionHealth(client *threadSafeClient) bool {
	return client.client.Noop() == nil
}

package imap

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"
)

const (
	// workerIdleTimeout is the maximum time a worker connection can be idle before being closed.
	workerIdleTimeout = 10 * time.Minute
	// healthCheckThreshold is the idle time after which we perform a health check before reuse.
	healthCheckThreshold = 1 * time.Minute
)

// Pool manages IMAP connections per account.
// Supports two types of connections:
// - Worker connections: a bounded set per account for sync passes (SELECT, SEARCH, FETCH)
// - Listener connections: 1 dedicated connection per watched mailbox for IDLE
//
// Thread safety: Each connection is wrapped with a mutex to ensure thread-safe access.
// Multiple goroutines can use different connections concurrently, but access to the same
// connection is serialized.
type Pool struct {
	workerSets    map[string]*workerClientSet  // accountID -> worker client set
	listeners     map[string]*threadSafeClient // accountID/mailbox -> listener connection
	mu            sync.RWMutex
	maxWorkers    int
	useTLS        bool
	dial          DialFunc
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

// NewPool creates a new IMAP connection pool allowing maxWorkers worker
// connections per account. useTLS is false only against local test servers.
func NewPool(maxWorkers int, useTLS bool) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workerSets:    make(map[string]*workerClientSet),
		listeners:     make(map[string]*threadSafeClient),
		maxWorkers:    maxWorkers,
		useTLS:        useTLS,
		dial:          ConnectToIMAP,
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	p.startCleanupGoroutine()
	return p
}

// GetClient gets or creates an authenticated worker client for an account.
// It blocks while all of the account's worker slots are taken, until ctx is done.
// The returned release function must be called when the caller is done with the client.
func (p *Pool) GetClient(ctx context.Context, accountID string, creds Credentials) (*client.Client, func(), error) {
	tsClient, release, err := p.getWorkerConnection(ctx, accountID, creds)
	if err != nil {
		return nil, nil, err
	}
	return tsClient.GetClient(), release, nil
}

// RemoveClient removes all connections (worker and listener) for an account from the pool.
func (p *Pool) RemoveClient(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if set, exists := p.workerSets[accountID]; exists {
		set.close()
		delete(p.workerSets, accountID)
	}

	for key, listener := range p.listeners {
		if listenerAccount(key) != accountID {
			continue
		}
		_ = listener.GetClient().Logout()
		delete(p.listeners, key)
	}
}

// Close closes all connections in the pool and stops the cleanup goroutine.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	for accountID, set := range p.workerSets {
		set.close()
		delete(p.workerSets, accountID)
	}

	for key, listener := range p.listeners {
		// A locked listener is idling; logging out unblocks its loop.
		if err := listener.GetClient().Logout(); err != nil {
			log.Printf("IMAP pool: failed to logout listener %s: %v", key, err)
		}
		delete(p.listeners, key)
	}
}

// Stats reports how many connections the pool currently holds.
func (p *Pool) Stats() (workers, listeners int) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, set := range p.workerSets {
		set.mu.Lock()
		workers += len(set.clients)
		set.mu.Unlock()
	}
	return workers, len(p.listeners)
}

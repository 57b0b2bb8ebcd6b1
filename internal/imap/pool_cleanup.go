package imap

import (
	"time"
)

// startCleanupGoroutine runs a background goroutine that periodically cleans up idle connections.
// The goroutine will stop when cleanupCtx is canceled (via Pool.Close()).
func (p *Pool) startCleanupGoroutine() {
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.cleanupCtx.Done():
				return
			case now := <-ticker.C:
				p.cleanupIdleConnections(now)
			}
		}
	}()
}

// cleanupIdleConnections logs out worker connections unused since before now-workerIdleTimeout.
// Clients currently in use are left alone.
func (p *Pool) cleanupIdleConnections(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for accountID, set := range p.workerSets {
		set.mu.Lock()
		kept := set.clients[:0]
		for _, client := range set.clients {
			if !client.TryLock() {
				kept = append(kept, client)
				continue
			}
			if now.Sub(client.GetLastUsed()) > workerIdleTimeout {
				_ = client.GetClient().Logout()
				removed++
			} else {
				kept = append(kept, client)
			}
			client.Unlock()
		}
		set.clients = kept
		if len(set.clients) == 0 && len(set.semaphore) == 0 {
			delete(p.workerSets, accountID)
		}
		set.mu.Unlock()
	}
	return removed
}

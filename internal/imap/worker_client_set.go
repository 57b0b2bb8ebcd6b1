package imap

import (
	"context"
	"log"
	"sync"
)

// workerClientSet manages the worker clients of a single account.
// The semaphore bounds how many of them are in use at once.
type workerClientSet struct {
	clients   []*threadSafeClient
	semaphore chan struct{}
	mu        sync.Mutex
}

// acquireSlot blocks until a worker slot is free or ctx is done.
func (s *workerClientSet) acquireSlot(ctx context.Context) error {
	select {
	case s.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *workerClientSet) releaseSlot() {
	<-s.semaphore
}

// takeIdle locks and returns a client nobody is using, or nil.
// The caller must already hold a slot.
func (s *workerClientSet) takeIdle() *threadSafeClient {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		// Client is available if we can acquire its lock immediately
		if c.TryLock() {
			return c
		}
	}
	return nil
}

// addClient adds a new client to the set.
func (s *workerClientSet) addClient(client *threadSafeClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, client)
}

// remove drops client from the set without closing it.
func (s *workerClientSet) remove(client *threadSafeClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.clients {
		if c == client {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
}

// close logs out every client in the set.
// A client in use is logged out anyway; its holder sees the next command fail.
func (s *workerClientSet) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, client := range s.clients {
		if client.TryLock() {
			if err := client.client.Logout(); err != nil {
				log.Printf("IMAP pool: failed to logout worker client: %v", err)
			}
			client.Unlock()
		} else {
			_ = client.client.Logout()
		}
	}
	s.clients = nil
}

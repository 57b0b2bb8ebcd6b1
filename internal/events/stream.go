// Package events is the append-only sync event log with live fan-out to
// WebSocket and Server-Sent Events clients.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
)

// Store persists events. *db.EventStore satisfies it.
type Store interface {
	AppendEvent(ctx context.Context, event *models.Event) error
	ListEventsSince(ctx context.Context, accountID string, since int64, limit int) ([]models.Event, error)
}

// Broadcaster pushes encoded frames to connected clients. *websocket.Hub satisfies it.
type Broadcaster interface {
	Send(accountID string, msg []byte)
}

// Frame is the wire shape of an event for browser clients.
type Frame struct {
	AccountID string           `json:"incomingConnectorId"`
	Type      models.EventType `json:"eventType"`
	Mailbox   string           `json:"mailbox"`
	EventID   int64            `json:"eventId"`
	Payload   json.RawMessage  `json:"payload"`
}

// NewFrame converts a stored event to its wire shape.
func NewFrame(e models.Event) Frame {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return Frame{AccountID: e.AccountID, Type: e.Type, Mailbox: e.Mailbox, EventID: e.ID, Payload: payload}
}

// Stream appends events and notifies live readers.
type Stream struct {
	store Store
	hub   Broadcaster

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewStream creates a Stream. hub may be nil.
func NewStream(store Store, hub Broadcaster) *Stream {
	return &Stream{
		store: store,
		hub:   hub,
		subs:  make(map[string]map[chan struct{}]struct{}),
	}
}

// Append persists the event, which assigns its ID, and then notifies readers.
// Notification is best effort; readers that missed it catch up through Since.
func (s *Stream) Append(ctx context.Context, event *models.Event) error {
	if err := s.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	metrics.EventsAppended.WithLabelValues(string(event.Type)).Inc()

	if s.hub != nil {
		msg, err := json.Marshal(NewFrame(*event))
		if err != nil {
			log.Printf("Events: failed to encode event %d: %v", event.ID, err)
		} else {
			s.hub.Send(event.AccountID, msg)
		}
	}

	s.mu.Lock()
	for ch := range s.subs[event.AccountID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

// Since returns up to limit events of the account after the given ID, oldest first.
func (s *Stream) Since(ctx context.Context, accountID string, since int64, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	if since < 0 {
		since = 0
	}
	events, err := s.store.ListEventsSince(ctx, accountID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// Subscribe returns a channel that receives a signal whenever an event is
// appended for the account. Signals coalesce, so a reader must re-read with
// Since. The returned func unsubscribes.
func (s *Stream) Subscribe(accountID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.subs[accountID] == nil {
		s.subs[accountID] = make(map[chan struct{}]struct{})
	}
	s.subs[accountID][ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[accountID], ch)
			if len(s.subs[accountID]) == 0 {
				delete(s.subs, accountID)
			}
			s.mu.Unlock()
		})
	}
}

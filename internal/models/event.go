package models

import (
	"encoding/json"
	"time"
)

// EventType names an entry in the sync event stream.
type EventType string

const (
	EventMessageInserted EventType = "message_inserted"
	EventMessageUpdated  EventType = "message_updated"
	EventMessageRemoved  EventType = "message_removed"
	EventSyncSummary     EventType = "sync_summary"
	EventSyncFailed      EventType = "sync_failed"
	EventSyncCancelled   EventType = "sync_cancelled"
	EventWatchDegraded   EventType = "watch_degraded"
	EventWatchHealed     EventType = "watch_healed"
	EventSendSucceeded   EventType = "send_succeeded"
	EventSendFailed      EventType = "send_failed"
)

// Event is one append-only entry. ID is assigned by the store and increases monotonically.
type Event struct {
	ID        int64           `json:"id"`
	AccountID string          `json:"accountId"`
	Mailbox   string          `json:"mailbox"`
	Type      EventType       `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewEvent builds an event with payload encoded as JSON.
// A payload that cannot be encoded is replaced by an empty object.
func NewEvent(accountID, mailbox string, eventType EventType, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil || payload == nil {
		raw = json.RawMessage(`{}`)
	}
	return Event{
		AccountID: accountID,
		Mailbox:   mailbox,
		Type:      eventType,
		Payload:   raw,
	}
}

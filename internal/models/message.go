package models

import "time"

// Thread groups mirrored messages that belong to one conversation.
type Thread struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	StableThreadID string    `json:"stable_thread_id"`
	Subject        string    `json:"subject"`
	Messages       []Message `json:"messages,omitempty"`
}

// Message is the local mirror of one remote message in one mailbox epoch.
type Message struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	ThreadID        string     `json:"thread_id"`
	Mailbox         string     `json:"mailbox"`
	UIDValidity     string     `json:"uid_validity"`
	IMAPUID         int64      `json:"imap_uid"`
	MessageIDHeader string     `json:"message_id_header"`
	InReplyTo       string     `json:"in_reply_to"`
	References      []string   `json:"references"`
	FromAddress     string     `json:"from_address"`
	ToAddresses     []string   `json:"to_addresses"`
	CCAddresses     []string   `json:"cc_addresses"`
	Subject         string     `json:"subject"`
	ReceivedAt      *time.Time `json:"received_at"`
	IsRead          bool       `json:"is_read"`
	IsStarred       bool       `json:"is_starred"`
}

// RemoteMailbox is what the transport learns when it opens a mailbox.
type RemoteMailbox struct {
	Name          string
	UIDValidity   string
	UIDNext       int64
	Messages      int
	HighestModSeq *int64
}

// MessageDelta is one message as fetched from the remote server.
type MessageDelta struct {
	UID        int64
	MessageID  string
	InReplyTo  string
	References []string
	From       string
	To         []string
	Cc         []string
	Subject    string
	ReceivedAt time.Time
	Seen       bool
	Flagged    bool
}

// FlagUpdate carries the current remote flags of an already mirrored message.
type FlagUpdate struct {
	UID     int64
	Seen    bool
	Flagged bool
}

// ChangeKind says what happened to a local message.
type ChangeKind string

const (
	ChangeInserted ChangeKind = "inserted"
	ChangeUpdated  ChangeKind = "updated"
	ChangeRemoved  ChangeKind = "removed"
)

// MessageChange describes one logically distinct local change made by a pass.
type MessageChange struct {
	Kind      ChangeKind `json:"kind"`
	UID       int64      `json:"uid"`
	MessageID string     `json:"messageId,omitempty"`
	ThreadID  string     `json:"threadId,omitempty"`
}

// ThreadMessage is the header metadata the thread reconstructor works on.
type ThreadMessage struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"messageId"`
	InReplyTo  string    `json:"inReplyTo"`
	References []string  `json:"references"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ThreadNode is one position in a reconstructed conversation. Never persisted.
type ThreadNode struct {
	Message  ThreadMessage `json:"message"`
	ParentID *string       `json:"parentId"`
	Depth    int           `json:"depth"`
}

// ThreadMessage returns the header metadata used to order the message within its thread.
func (m *Message) ThreadMessage() ThreadMessage {
	tm := ThreadMessage{
		ID:         m.ID,
		MessageID:  m.MessageIDHeader,
		InReplyTo:  m.InReplyTo,
		References: m.References,
	}
	if m.ReceivedAt != nil {
		tm.ReceivedAt = *m.ReceivedAt
	}
	return tm
}

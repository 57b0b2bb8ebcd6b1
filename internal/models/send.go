package models

import (
	"encoding/json"
	"time"
)

// SendStatus is the lifecycle of one idempotent outbound send.
type SendStatus string

const (
	SendStatusQueued    SendStatus = "queued"
	SendStatusInFlight  SendStatus = "in_flight"
	SendStatusSucceeded SendStatus = "succeeded"
	SendStatusFailed    SendStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s SendStatus) Terminal() bool {
	return s == SendStatusSucceeded || s == SendStatusFailed
}

// OutboundEnvelope is the message a caller asks us to deliver.
type OutboundEnvelope struct {
	From       string   `json:"from"`
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	Subject    string   `json:"subject"`
	TextBody   string   `json:"textBody,omitempty"`
	HTMLBody   string   `json:"htmlBody,omitempty"`
	InReplyTo  string   `json:"inReplyTo,omitempty"`
	References []string `json:"references,omitempty"`
}

// Recipients returns every envelope recipient, To then Cc then Bcc.
func (e *OutboundEnvelope) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	out = append(out, e.Bcc...)
	return out
}

// SendResult is the transport's answer for a delivered message.
type SendResult struct {
	MessageID  string    `json:"messageId"`
	AcceptedAt time.Time `json:"acceptedAt"`
	Recipients []string  `json:"recipients"`
}

// SendAttempt is the ledger row for one (account, idempotency key).
type SendAttempt struct {
	AccountID      string            `json:"accountId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	SendID         string            `json:"sendId"`
	Identity       string            `json:"identity"`
	Status         SendStatus        `json:"status"`
	Envelope       *OutboundEnvelope `json:"envelope,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          *string           `json:"error,omitempty"`
	Attempts       int               `json:"attempts"`
	ClaimedAt      *time.Time        `json:"claimedAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// SendOutcomeUnknownError is recorded when an in-flight send was abandoned by a dead worker.
// We cannot tell whether the server accepted it, so it is never resent automatically.
const SendOutcomeUnknownError = "delivery outcome unknown: worker stopped while sending"

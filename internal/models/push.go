package models

import "time"

// PushSubscription is an out-of-band change notification channel for one mailbox.
type PushSubscription struct {
	AccountID       string     `json:"accountId"`
	Mailbox         string     `json:"mailbox"`
	Provider        Provider   `json:"provider"`
	Handle          string     `json:"handle"`
	HistoryCursor   uint64     `json:"historyCursor"`
	ExpiresAt       *time.Time `json:"expiresAt"`
	Active          bool       `json:"active"`
	RenewalFailures int        `json:"renewalFailures"`
	LastError       *string    `json:"lastError"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// ExpiresWithin reports whether the subscription lapses before now+window.
func (s *PushSubscription) ExpiresWithin(now time.Time, window time.Duration) bool {
	if s.ExpiresAt == nil {
		return true
	}
	return s.ExpiresAt.Before(now.Add(window))
}

package models

import (
	"time"
	"unicode/utf8"
)

// SyncStatus is the state of one mailbox's synchronization state machine.
type SyncStatus string

const (
	SyncStatusIdle            SyncStatus = "idle"
	SyncStatusQueued          SyncStatus = "queued"
	SyncStatusSyncing         SyncStatus = "syncing"
	SyncStatusCancelRequested SyncStatus = "cancel_requested"
	SyncStatusCancelled       SyncStatus = "cancelled"
	SyncStatusCompleted       SyncStatus = "completed"
	SyncStatusError           SyncStatus = "error"
)

// InFlight reports whether a pass currently holds the mailbox.
func (s SyncStatus) InFlight() bool {
	return s == SyncStatusSyncing || s == SyncStatusCancelRequested
}

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	_, ok := syncTransitions[s]
	return ok
}

var syncTransitions = map[SyncStatus][]SyncStatus{
	SyncStatusIdle:            {SyncStatusQueued, SyncStatusSyncing},
	SyncStatusQueued:          {SyncStatusSyncing, SyncStatusCancelled},
	SyncStatusSyncing:         {SyncStatusCompleted, SyncStatusError, SyncStatusCancelled, SyncStatusCancelRequested},
	SyncStatusCancelRequested: {SyncStatusCancelled, SyncStatusCompleted, SyncStatusError},
	SyncStatusCancelled:       {SyncStatusQueued, SyncStatusSyncing},
	SyncStatusCompleted:       {SyncStatusQueued, SyncStatusSyncing},
	SyncStatusError:           {SyncStatusQueued, SyncStatusSyncing},
}

// CanTransition reports whether the state machine allows moving from one status to another.
// Starting a pass directly from a resting state (without passing through queued)
// is allowed because a job may run before its queued mark is observed.
func CanTransition(from, to SyncStatus) bool {
	for _, next := range syncTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SyncProgress counts what a pass did. Telemetry only.
type SyncProgress struct {
	Inserted          int `json:"inserted"`
	Updated           int `json:"updated"`
	ReconciledRemoved int `json:"reconciledRemoved"`
	MetadataRefreshed int `json:"metadataRefreshed"`
}

// Add accumulates other into p.
func (p *SyncProgress) Add(other SyncProgress) {
	p.Inserted += other.Inserted
	p.Updated += other.Updated
	p.ReconciledRemoved += other.ReconciledRemoved
	p.MetadataRefreshed += other.MetadataRefreshed
}

// Watermark is the position up to which a mailbox has been mirrored.
type Watermark struct {
	LastSeenUID int64  `json:"lastSeenUid"`
	HighestUID  int64  `json:"highestUid"`
	ModSeq      *int64 `json:"modseq,omitempty"`
}

// Advance returns the watermark moved forward to include next. Values never go backwards.
func (w Watermark) Advance(next Watermark) Watermark {
	out := w
	if next.LastSeenUID > out.LastSeenUID {
		out.LastSeenUID = next.LastSeenUID
	}
	if next.HighestUID > out.HighestUID {
		out.HighestUID = next.HighestUID
	}
	if out.LastSeenUID > out.HighestUID {
		out.HighestUID = out.LastSeenUID
	}
	if next.ModSeq != nil && (out.ModSeq == nil || *next.ModSeq > *out.ModSeq) {
		v := *next.ModSeq
		out.ModSeq = &v
	}
	return out
}

// MaintenanceReapedError is written to sync_error when the supervisor takes a stuck pass away.
// Clients render it as "recovering" rather than as a failure.
const MaintenanceReapedError = "sync interrupted and reset by maintenance; retrying"

// MaxSyncErrorLength bounds the stored failure description.
const MaxSyncErrorLength = 1000

// MailboxSyncState is the durable synchronization record for one (account, mailbox).
type MailboxSyncState struct {
	AccountID           string       `json:"accountId"`
	Mailbox             string       `json:"mailbox"`
	Status              SyncStatus   `json:"status"`
	LastSeenUID         int64        `json:"lastSeenUid"`
	HighestUID          int64        `json:"highestUid"`
	UIDValidity         string       `json:"mailboxUidValidity"`
	ModSeq              *int64       `json:"modseq"`
	LastFullReconcileAt *time.Time   `json:"lastFullReconcileAt"`
	SyncStartedAt       *time.Time   `json:"syncStartedAt"`
	SyncCompletedAt     *time.Time   `json:"syncCompletedAt"`
	SyncError           *string      `json:"syncError"`
	PassGeneration      int64        `json:"passGeneration"`
	Progress            SyncProgress `json:"syncProgress"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// SyncHold is one pass's claim on a mailbox. TryBeginSync bumps the generation,
// and every later write of the pass must present it.
type SyncHold struct {
	AccountID  string
	Mailbox    string
	Generation int64
}

// Hold returns the claim of the pass that began this state.
func (s *MailboxSyncState) Hold() SyncHold {
	return SyncHold{AccountID: s.AccountID, Mailbox: s.Mailbox, Generation: s.PassGeneration}
}

// Watermark returns the stored watermark.
func (s *MailboxSyncState) Watermark() Watermark {
	return Watermark{LastSeenUID: s.LastSeenUID, HighestUID: s.HighestUID, ModSeq: s.ModSeq}
}

// IsRecovering reports whether the last error was synthesized by maintenance.
func (s *MailboxSyncState) IsRecovering() bool {
	return s.Status == SyncStatusError && s.SyncError != nil && *s.SyncError == MaintenanceReapedError
}

// NeedsFullReconcile reports whether the next pass must list the whole mailbox.
func (s *MailboxSyncState) NeedsFullReconcile(remoteValidity string, now time.Time, interval time.Duration) bool {
	if s.UIDValidity != remoteValidity {
		return true
	}
	if s.LastFullReconcileAt == nil {
		return true
	}
	return interval > 0 && now.Sub(*s.LastFullReconcileAt) >= interval
}

// PassCommit is what a successful (or cleanly cancelled) pass writes back.
type PassCommit struct {
	Watermark  Watermark
	Progress   SyncProgress
	Reconciled bool
}

// TruncateSyncError bounds msg to MaxSyncErrorLength runes.
func TruncateSyncError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxSyncErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxSyncErrorLength-3]) + "..."
}

// SyncTrigger names what asked for a pass.
type SyncTrigger string

const (
	TriggerManual       SyncTrigger = "manual"
	TriggerTimer        SyncTrigger = "timer"
	TriggerIdle         SyncTrigger = "idle"
	TriggerPush         SyncTrigger = "push"
	TriggerMaintenance  SyncTrigger = "maintenance"
	TriggerContinuation SyncTrigger = "continuation"
)

// SyncRequest is the payload of a sync_mailbox job.
type SyncRequest struct {
	AccountID   string      `json:"accountId"`
	Mailbox     string      `json:"mailbox"`
	Hint        string      `json:"hint,omitempty"`
	Trigger     SyncTrigger `json:"trigger"`
	RequestedAt time.Time   `json:"requestedAt"`
}

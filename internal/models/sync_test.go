package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from SyncStatus
		to   SyncStatus
		want bool
	}{
		{SyncStatusIdle, SyncStatusQueued, true},
		{SyncStatusQueued, SyncStatusSyncing, true},
		{SyncStatusSyncing, SyncStatusCompleted, true},
		{SyncStatusSyncing, SyncStatusCancelRequested, true},
		{SyncStatusCancelRequested, SyncStatusCancelled, true},
		{SyncStatusCompleted, SyncStatusQueued, true},
		{SyncStatusError, SyncStatusQueued, true},
		{SyncStatusCancelled, SyncStatusQueued, true},
		{SyncStatusSyncing, SyncStatusSyncing, false},
		{SyncStatusSyncing, SyncStatusQueued, false},
		{SyncStatusIdle, SyncStatusCompleted, false},
		{SyncStatusCompleted, SyncStatusCancelRequested, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+" to "+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestWatermarkAdvance(t *testing.T) {
	t.Run("never moves backwards", func(t *testing.T) {
		w := Watermark{LastSeenUID: 50, HighestUID: 60}
		got := w.Advance(Watermark{LastSeenUID: 10, HighestUID: 20})
		assert.Equal(t, int64(50), got.LastSeenUID)
		assert.Equal(t, int64(60), got.HighestUID)
	})

	t.Run("highest uid follows last seen", func(t *testing.T) {
		got := Watermark{}.Advance(Watermark{LastSeenUID: 7})
		assert.Equal(t, int64(7), got.HighestUID)
	})

	t.Run("modseq only increases", func(t *testing.T) {
		high, low := int64(100), int64(40)
		got := Watermark{ModSeq: &high}.Advance(Watermark{ModSeq: &low})
		assert.Equal(t, int64(100), *got.ModSeq)

		got = Watermark{}.Advance(Watermark{ModSeq: &low})
		assert.Equal(t, int64(40), *got.ModSeq)
	})
}

func TestNeedsFullReconcile(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	old := now.Add(-48 * time.Hour)

	t.Run("validity change forces reconcile", func(t *testing.T) {
		s := &MailboxSyncState{UIDValidity: "1", LastFullReconcileAt: &recent}
		assert.True(t, s.NeedsFullReconcile("2", now, 24*time.Hour))
	})

	t.Run("never reconciled forces reconcile", func(t *testing.T) {
		s := &MailboxSyncState{UIDValidity: "1"}
		assert.True(t, s.NeedsFullReconcile("1", now, 24*time.Hour))
	})

	t.Run("stale reconcile forces reconcile", func(t *testing.T) {
		s := &MailboxSyncState{UIDValidity: "1", LastFullReconcileAt: &old}
		assert.True(t, s.NeedsFullReconcile("1", now, 24*time.Hour))
	})

	t.Run("recent reconcile allows incremental", func(t *testing.T) {
		s := &MailboxSyncState{UIDValidity: "1", LastFullReconcileAt: &recent}
		assert.False(t, s.NeedsFullReconcile("1", now, 24*time.Hour))
	})
}

func TestIsRecovering(t *testing.T) {
	reaped := MaintenanceReapedError
	other := "network error"

	assert.True(t, (&MailboxSyncState{Status: SyncStatusError, SyncError: &reaped}).IsRecovering())
	assert.False(t, (&MailboxSyncState{Status: SyncStatusError, SyncError: &other}).IsRecovering())
	assert.False(t, (&MailboxSyncState{Status: SyncStatusQueued, SyncError: &reaped}).IsRecovering())
}

func TestTruncateSyncError(t *testing.T) {
	assert.Equal(t, "short", TruncateSyncError("short"))

	long := strings.Repeat("é", MaxSyncErrorLength+50)
	got := TruncateSyncError(long)
	assert.Equal(t, MaxSyncErrorLength, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "..."))
}

package maintenance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/sendledger"
	"github.com/vdavid/mailsync/internal/testutil"
)

type recordingEnqueuer struct {
	mu   sync.Mutex
	reqs []models.SyncRequest
}

func (e *recordingEnqueuer) EnqueueSync(_ context.Context, req models.SyncRequest) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	return true, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingEvents) Append(_ context.Context, e *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

// TestRecoversFromCrashedWorkers leaves behind what a worker killed mid-pass
// and mid-send would, then checks one tick repairs all of it.
func TestRecoversFromCrashedWorkers(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID := testutil.CreateTestAccount(t, pool, "crash@example.com")
	syncs := db.NewSyncStateStore(pool)
	jobStore := db.NewJobStore(pool)
	sends := db.NewSendAttemptStore(pool)

	// A pass that began ten minutes ago and never checkpointed again.
	_, err := syncs.EnsureSyncState(ctx, accountID, "INBOX")
	require.NoError(t, err)
	_, began, err := syncs.TryBeginSync(ctx, accountID, "INBOX")
	require.NoError(t, err)
	require.True(t, began)

	// A fresh pass on another mailbox must be left alone.
	_, err = syncs.EnsureSyncState(ctx, accountID, "Archive")
	require.NoError(t, err)
	_, began, err = syncs.TryBeginSync(ctx, accountID, "Archive")
	require.NoError(t, err)
	require.True(t, began)

	// A cancel request nobody acknowledged.
	_, err = syncs.EnsureSyncState(ctx, accountID, "Spam")
	require.NoError(t, err)
	_, _, err = syncs.TryBeginSync(ctx, accountID, "Spam")
	require.NoError(t, err)
	_, err = syncs.RequestCancel(ctx, accountID, "Spam")
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		UPDATE mailbox_sync_state SET sync_started_at = now() - interval '10 minutes'
		WHERE account_id = $1 AND mailbox IN ('INBOX', 'Spam')
	`, accountID)
	require.NoError(t, err)

	// A job whose worker died holding the lease.
	jobID, _, err := jobStore.EnqueueJob(ctx, models.NewJob{Kind: "sync_mailbox", Payload: []byte(`{}`)})
	require.NoError(t, err)
	claimed, err := jobStore.ClaimJob(ctx, "dead-worker", []string{"sync_mailbox"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = pool.Exec(ctx, `UPDATE jobs SET locked_at = now() - interval '1 hour' WHERE id = $1`, jobID)
	require.NoError(t, err)

	// A send that was handed to the server with no recorded outcome.
	_, claimedSend, err := sends.ClaimSend(ctx, accountID, "lost", "crash@example.com")
	require.NoError(t, err)
	require.True(t, claimedSend)
	_, err = pool.Exec(ctx, `UPDATE send_attempts SET claimed_at = now() - interval '1 hour' WHERE idempotency_key = 'lost'`)
	require.NoError(t, err)

	enqueuer := &recordingEnqueuer{}
	events := &recordingEvents{}
	s := NewSupervisor(Deps{
		Syncs:    syncs,
		Enqueuer: enqueuer,
		Leases:   jobStore,
		Sends:    sends,
		Events:   events,
	}, Config{StaleSyncAfter: 5 * time.Minute, LeaseTimeout: 15 * time.Minute, SendInFlightTimeout: 15 * time.Minute})

	report := s.Tick(ctx)

	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.ReapedSyncs)
	assert.Equal(t, 1, report.ReapedCancels)
	assert.Equal(t, 1, report.ReleasedLeases)
	assert.Equal(t, 1, report.AbandonedSends)

	inbox, err := syncs.GetSyncState(ctx, accountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, inbox.Status)
	assert.True(t, inbox.IsRecovering())

	archive, err := syncs.GetSyncState(ctx, accountID, "Archive")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSyncing, archive.Status)

	spam, err := syncs.GetSyncState(ctx, accountID, "Spam")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCancelled, spam.Status)

	require.Len(t, enqueuer.reqs, 1)
	assert.Equal(t, models.TriggerMaintenance, enqueuer.reqs[0].Trigger)
	assert.Equal(t, "INBOX", enqueuer.reqs[0].Mailbox)

	// The reaped mailbox can be synced again.
	_, began, err = syncs.TryBeginSync(ctx, accountID, "INBOX")
	require.NoError(t, err)
	assert.True(t, began)

	job, err := db.GetJob(ctx, pool, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	claim, err := sendledger.New(sends).AcquireSendClaim(ctx, accountID, "lost", "crash@example.com")
	require.NoError(t, err)
	assert.Equal(t, sendledger.ClaimAlreadyFailed, claim.Outcome, "an unknown outcome is never resent")

	var types []models.EventType
	for _, e := range events.events {
		types = append(types, e.Type)
	}
	assert.ElementsMatch(t, []models.EventType{models.EventSyncFailed, models.EventSendFailed}, types)

	// A second tick finds nothing left to do.
	again := s.Tick(ctx)
	assert.Zero(t, again.ReapedSyncs+again.ReapedCancels+again.ReleasedLeases+again.AbandonedSends)
}

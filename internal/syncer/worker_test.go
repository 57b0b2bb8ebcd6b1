package syncer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
)

const (
	testAccount = "acc-1"
	testMailbox = "INBOX"
)

type workerFixture struct {
	worker    *Worker
	states    *memStates
	messages  *memMessages
	transport *fakeTransport
	events    *recordingEvents
}

func newWorkerFixture(cfg Config) *workerFixture {
	f := &workerFixture{
		states:    newMemStates(),
		messages:  newMemMessages(),
		transport: newFakeTransport(),
		events:    &recordingEvents{},
	}
	f.worker = NewWorker(f.states, f.messages, fakeAccounts{}, f.transport, f.events, cfg)
	return f
}

func (f *workerFixture) run(t *testing.T, req models.SyncRequest) *PassResult {
	t.Helper()
	if req.AccountID == "" {
		req.AccountID = testAccount
	}
	if req.Mailbox == "" {
		req.Mailbox = testMailbox
	}
	result, err := f.worker.RunPass(context.Background(), req)
	require.NoError(t, err)
	return result
}

func (f *workerFixture) state() models.MailboxSyncState {
	return f.states.get(testAccount, testMailbox)
}

func TestRunPassFullReconcile(t *testing.T) {
	t.Run("first pass mirrors the whole mailbox", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 2, MaxBatchesPerPass: 5, MetadataRefreshWindow: 10})
		f.transport.mailbox(testMailbox, "100").add(1, 2, 3)

		result := f.run(t, models.SyncRequest{Trigger: models.TriggerManual})

		assert.Equal(t, OutcomeCompleted, result.Outcome)
		assert.Equal(t, models.SyncProgress{Inserted: 3}, result.Progress)
		assert.True(t, result.Reconciled)
		assert.False(t, result.Continue)

		s := f.state()
		assert.Equal(t, models.SyncStatusCompleted, s.Status)
		assert.Equal(t, "100", s.UIDValidity)
		assert.Equal(t, int64(3), s.LastSeenUID)
		assert.Equal(t, int64(3), s.HighestUID)
		assert.NotNil(t, s.LastFullReconcileAt)
		assert.NotNil(t, s.SyncCompletedAt)
		assert.Nil(t, s.SyncError)

		assert.Equal(t, []models.EventType{
			models.EventMessageInserted,
			models.EventMessageInserted,
			models.EventMessageInserted,
			models.EventSyncSummary,
		}, f.events.types())
		assert.Equal(t, 1, f.transport.closed)
	})

	t.Run("a reconcile larger than the batch limit continues in a later pass", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 2, MaxBatchesPerPass: 2})
		f.transport.mailbox(testMailbox, "100").add(1, 2, 3, 4, 5)

		first := f.run(t, models.SyncRequest{})
		assert.Equal(t, 4, first.Progress.Inserted)
		assert.True(t, first.Continue)
		assert.False(t, first.Reconciled)
		assert.Nil(t, f.state().LastFullReconcileAt)

		second := f.run(t, models.SyncRequest{Trigger: models.TriggerContinuation})
		assert.Equal(t, 1, second.Progress.Inserted)
		assert.False(t, second.Continue)
		assert.True(t, second.Reconciled)
		assert.NotNil(t, f.state().LastFullReconcileAt)
		assert.Equal(t, int64(5), f.state().LastSeenUID)
		assert.Equal(t, 5, f.messages.count(testAccount, testMailbox))
	})

	t.Run("changed UID validity drops the old epoch and mirrors the new one", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 10})
		f.transport.mailbox(testMailbox, "100").add(1, 2, 3)
		f.run(t, models.SyncRequest{})

		f.transport.mailbox(testMailbox, "200").add(1, 2)
		result := f.run(t, models.SyncRequest{})

		assert.Equal(t, OutcomeCompleted, result.Outcome)
		assert.Equal(t, 3, result.Progress.ReconciledRemoved)
		assert.Equal(t, 2, result.Progress.Inserted)
		assert.True(t, result.Reconciled)

		s := f.state()
		assert.Equal(t, "200", s.UIDValidity)
		assert.Equal(t, int64(2), s.LastSeenUID)
		assert.Equal(t, 2, f.messages.count(testAccount, testMailbox))
		assert.Equal(t, 3, f.events.countOf(models.EventMessageRemoved))
	})

	t.Run("messages gone from the server are removed locally", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 10, ReconcileInterval: time.Hour})
		box := f.transport.mailbox(testMailbox, "100")
		box.add(1, 2, 3)
		f.run(t, models.SyncRequest{})

		box.messages = box.messages[1:]
		f.worker.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		result := f.run(t, models.SyncRequest{Trigger: models.TriggerTimer})

		assert.True(t, result.Reconciled)
		assert.Equal(t, 1, result.Progress.ReconciledRemoved)
		assert.Equal(t, 2, f.messages.count(testAccount, testMailbox))
	})
}

func TestRunPassIncremental(t *testing.T) {
	t.Run("fetches only messages above the watermark", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 2})
		box := f.transport.mailbox(testMailbox, "100")
		box.add(1, 2, 3)
		f.run(t, models.SyncRequest{})
		reconciledAt := f.state().LastFullReconcileAt

		box.add(4, 5)
		result := f.run(t, models.SyncRequest{Trigger: models.TriggerIdle})

		assert.Equal(t, OutcomeCompleted, result.Outcome)
		assert.Equal(t, models.SyncProgress{Inserted: 2}, result.Progress)
		assert.False(t, result.Reconciled)
		assert.Equal(t, int64(5), f.state().LastSeenUID)
		assert.Equal(t, reconciledAt, f.state().LastFullReconcileAt)
	})

	t.Run("remaining messages after the batch limit ask for a continuation", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 2, MaxBatchesPerPass: 2})
		box := f.transport.mailbox(testMailbox, "100")
		f.run(t, models.SyncRequest{})

		box.add(1, 2, 3, 4, 5, 6, 7)
		first := f.run(t, models.SyncRequest{})
		assert.Equal(t, 4, first.Progress.Inserted)
		assert.True(t, first.Continue)
		assert.Equal(t, int64(4), f.state().LastSeenUID)

		second := f.run(t, models.SyncRequest{Trigger: models.TriggerContinuation})
		assert.Equal(t, 3, second.Progress.Inserted)
		assert.False(t, second.Continue)
		assert.Equal(t, int64(7), f.state().LastSeenUID)
	})

	t.Run("watermark never goes backwards across passes", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 1, MaxBatchesPerPass: 1})
		box := f.transport.mailbox(testMailbox, "100")
		f.run(t, models.SyncRequest{})

		box.add(1, 2, 3, 4)
		var last int64
		for i := 0; i < 6; i++ {
			f.run(t, models.SyncRequest{})
			current := f.state().LastSeenUID
			assert.GreaterOrEqual(t, current, last)
			last = current
		}
		assert.Equal(t, int64(4), last)
	})

	t.Run("flag changes on recent messages are refreshed", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 10, MetadataRefreshWindow: 10})
		box := f.transport.mailbox(testMailbox, "100")
		box.add(1, 2)
		f.run(t, models.SyncRequest{})

		box.messages[1].Seen = true
		result := f.run(t, models.SyncRequest{})

		assert.Equal(t, 1, result.Progress.MetadataRefreshed)
		assert.Equal(t, 1, f.events.countOf(models.EventMessageUpdated))
	})

	t.Run("a numeric push hint advances the modseq", func(t *testing.T) {
		f := newWorkerFixture(Config{})
		f.transport.mailbox(testMailbox, "100").add(1)

		f.run(t, models.SyncRequest{Trigger: models.TriggerPush, Hint: "900"})

		require.NotNil(t, f.state().ModSeq)
		assert.Equal(t, int64(900), *f.state().ModSeq)
	})

	t.Run("UID validity change during the pass completes and asks for a continuation", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 10})
		box := f.transport.mailbox(testMailbox, "100")
		box.add(1, 2, 3)
		f.run(t, models.SyncRequest{})

		box.add(4)
		f.transport.validityChangeAfter = f.transport.fetches
		result, err := f.worker.RunPass(context.Background(), models.SyncRequest{AccountID: testAccount, Mailbox: testMailbox})

		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, result.Outcome)
		assert.True(t, result.EpochChanged)
		assert.True(t, result.Continue)
		assert.Equal(t, models.SyncStatusCompleted, f.state().Status)
		assert.Equal(t, int64(3), f.state().LastSeenUID)
	})
}

func TestRunPassExclusion(t *testing.T) {
	t.Run("a held mailbox reports already in flight", func(t *testing.T) {
		f := newWorkerFixture(Config{})
		f.transport.mailbox(testMailbox, "100")
		f.states.set(testAccount, testMailbox, func(s *models.MailboxSyncState) {
			s.Status = models.SyncStatusSyncing
		})

		result := f.run(t, models.SyncRequest{})

		assert.Equal(t, OutcomeAlreadyInFlight, result.Outcome)
		assert.Equal(t, 0, f.transport.openCount())
		assert.Equal(t, models.SyncStatusSyncing, f.state().Status)
	})

	t.Run("concurrent passes let exactly one through", func(t *testing.T) {
		f := newWorkerFixture(Config{})
		f.transport.mailbox(testMailbox, "100").add(1)
		gate := make(chan struct{})
		f.transport.openGate = gate

		const n = 10
		results := make(chan *PassResult, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := f.worker.RunPass(context.Background(), models.SyncRequest{AccountID: testAccount, Mailbox: testMailbox})
				assert.NoError(t, err)
				results <- r
			}()
		}

		for i := 0; i < n-1; i++ {
			r := <-results
			assert.Equal(t, OutcomeAlreadyInFlight, r.Outcome)
		}
		assert.Equal(t, 1, f.transport.openCount())

		close(gate)
		wg.Wait()
		last := <-results
		assert.Equal(t, OutcomeCompleted, last.Outcome)
	})

	t.Run("a request made before a cancel is skipped", func(t *testing.T) {
		f := newWorkerFixture(Config{})
		f.transport.mailbox(testMailbox, "100")
		now := time.Now()
		f.states.set(testAccount, testMailbox, func(s *models.MailboxSyncState) {
			s.Status = models.SyncStatusCancelled
			s.UpdatedAt = now
		})

		result := f.run(t, models.SyncRequest{RequestedAt: now.Add(-time.Minute)})
		assert.Equal(t, OutcomeSkipped, result.Outcome)
		assert.Equal(t, 0, f.transport.openCount())

		result = f.run(t, models.SyncRequest{RequestedAt: now.Add(time.Minute)})
		assert.Equal(t, OutcomeCompleted, result.Outcome)
	})
}

func TestRunPassCancellation(t *testing.T) {
	t.Run("a cancel request stops the pass between batches", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 2})
		box := f.transport.mailbox(testMailbox, "100")
		f.run(t, models.SyncRequest{})

		box.add(1, 2, 3, 4, 5, 6)
		f.states.onCheckpoint = func(row *models.MailboxSyncState, n int) {
			if n == 1 {
				row.Status = models.SyncStatusCancelRequested
			}
		}
		result := f.run(t, models.SyncRequest{})

		assert.Equal(t, OutcomeCancelled, result.Outcome)
		assert.Equal(t, 2, result.Progress.Inserted)
		s := f.state()
		assert.Equal(t, models.SyncStatusCancelled, s.Status)
		assert.Equal(t, int64(2), s.LastSeenUID)
		assert.Equal(t, 1, f.events.countOf(models.EventSyncCancelled))
	})

	t.Run("a done context fails the pass for a retry instead of cancelling it", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 2})
		box := f.transport.mailbox(testMailbox, "100")
		f.run(t, models.SyncRequest{})
		queuedAt := time.Now()

		box.add(1, 2, 3, 4)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.states.onCheckpoint = func(_ *models.MailboxSyncState, _ int) { cancel() }

		result, err := f.worker.RunPass(ctx, models.SyncRequest{AccountID: testAccount, Mailbox: testMailbox})

		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		require.NotNil(t, result.Failure)
		assert.True(t, result.Failure.Retriable)
		assert.Equal(t, models.SyncStatusError, f.state().Status)
		assert.Equal(t, 0, f.events.countOf(models.EventSyncCancelled))

		// Triggers queued before the interruption still run.
		f.states.onCheckpoint = nil
		next := f.run(t, models.SyncRequest{Trigger: models.TriggerIdle, RequestedAt: queuedAt})
		assert.Equal(t, OutcomeCompleted, next.Outcome)
		assert.Equal(t, int64(4), f.state().LastSeenUID)
	})
}

func TestRunPassFailure(t *testing.T) {
	t.Run("a network failure leaves the watermark untouched", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 2})
		box := f.transport.mailbox(testMailbox, "100")
		f.run(t, models.SyncRequest{})

		box.add(1, 2, 3, 4)
		f.transport.fetchErr = &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
		f.transport.failAfterFetches = f.transport.fetches + 1

		result, err := f.worker.RunPass(context.Background(), models.SyncRequest{AccountID: testAccount, Mailbox: testMailbox})

		require.Error(t, err)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		require.NotNil(t, result.Failure)
		assert.Equal(t, ErrorNetwork, result.Failure.Kind)
		assert.True(t, result.Failure.Retriable)

		s := f.state()
		assert.Equal(t, models.SyncStatusError, s.Status)
		require.NotNil(t, s.SyncError)
		assert.Contains(t, *s.SyncError, "network error")
		assert.Equal(t, int64(0), s.LastSeenUID)
		// The committed batch stays; a retry upserts it again harmlessly.
		assert.Equal(t, 2, f.messages.count(testAccount, testMailbox))
		assert.Equal(t, 1, f.events.countOf(models.EventSyncFailed))
	})

	t.Run("rejected credentials are terminal", func(t *testing.T) {
		f := newWorkerFixture(Config{})
		f.transport.mailbox(testMailbox, "100")
		f.transport.openErr = fmt.Errorf("login: %w", models.ErrAuthFailed)

		result, err := f.worker.RunPass(context.Background(), models.SyncRequest{AccountID: testAccount, Mailbox: testMailbox})

		require.ErrorIs(t, err, models.ErrAuthFailed)
		require.NotNil(t, result.Failure)
		assert.Equal(t, ErrorAuth, result.Failure.Kind)
		assert.False(t, result.Failure.Retriable)
		assert.Equal(t, models.SyncStatusError, f.state().Status)
	})

	t.Run("a panic is recorded as a failure", func(t *testing.T) {
		f := newWorkerFixture(Config{})
		f.transport.mailbox(testMailbox, "100").add(1)
		f.transport.panicOnFetch = true

		result, err := f.worker.RunPass(context.Background(), models.SyncRequest{AccountID: testAccount, Mailbox: testMailbox})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked")
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.Equal(t, models.SyncStatusError, f.state().Status)
		assert.Equal(t, 1, f.transport.closed)
	})

	t.Run("a pass reaped while running stops without overwriting the reap", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 10})
		f.transport.mailbox(testMailbox, "100").add(1, 2)
		f.states.onCheckpoint = func(row *models.MailboxSyncState, _ int) {
			msg := models.MaintenanceReapedError
			row.Status = models.SyncStatusError
			row.SyncError = &msg
		}

		result, err := f.worker.RunPass(context.Background(), models.SyncRequest{AccountID: testAccount, Mailbox: testMailbox})

		require.NoError(t, err)
		assert.Equal(t, OutcomeSuperseded, result.Outcome)
		state := f.state()
		assert.True(t, state.IsRecovering())
		assert.Equal(t, 0, f.events.countOf(models.EventSyncFailed))
	})

	t.Run("a pass taken over by a newer one leaves the mailbox to it", func(t *testing.T) {
		f := newWorkerFixture(Config{BatchSize: 1})
		f.transport.mailbox(testMailbox, "100").add(1, 2, 3)
		f.states.onCheckpoint = func(row *models.MailboxSyncState, n int) {
			if n != 2 {
				return
			}
			// Maintenance reaped the pass and a re-queued one began.
			started := time.Now()
			row.Status = models.SyncStatusSyncing
			row.PassGeneration++
			row.SyncStartedAt = &started
		}

		result, err := f.worker.RunPass(context.Background(), models.SyncRequest{AccountID: testAccount, Mailbox: testMailbox})

		require.NoError(t, err)
		assert.Equal(t, OutcomeSuperseded, result.Outcome)
		state := f.state()
		assert.Equal(t, models.SyncStatusSyncing, state.Status, "the newer pass still holds the mailbox")
		assert.Equal(t, int64(2), state.PassGeneration)
		assert.Equal(t, int64(0), state.LastSeenUID)
		assert.Nil(t, state.SyncCompletedAt)

		f.states.onCheckpoint = nil
		third := f.run(t, models.SyncRequest{})
		assert.Equal(t, OutcomeAlreadyInFlight, third.Outcome)
	})
}

func TestDiffUIDs(t *testing.T) {
	missing, gone := diffUIDs([]int64{1, 2, 4, 7, 9}, []int64{2, 3, 4, 8, 9, 10})
	assert.Equal(t, []int64{1, 7}, missing)
	assert.Equal(t, []int64{3, 8, 10}, gone)

	missing, gone = diffUIDs(nil, []int64{5})
	assert.Empty(t, missing)
	assert.Equal(t, []int64{5}, gone)
}

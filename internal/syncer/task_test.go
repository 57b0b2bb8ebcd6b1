package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/jobs"
	"github.com/vdavid/mailsync/internal/models"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) RunPass(ctx context.Context, req models.SyncRequest) (*PassResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*PassResult)
	return result, args.Error(1)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) EnqueueSync(ctx context.Context, req models.SyncRequest) (bool, error) {
	args := m.Called(ctx, req)
	return args.Bool(0), args.Error(1)
}

func syncJob(t *testing.T, req models.SyncRequest) *models.Job {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return &models.Job{ID: 1, Kind: TaskKind, Payload: raw, Attempts: 1, MaxAttempts: 5}
}

func TestTaskRun(t *testing.T) {
	ctx := context.Background()
	req := models.SyncRequest{AccountID: testAccount, Mailbox: testMailbox, Trigger: models.TriggerIdle}

	t.Run("a completed pass with leftovers queues a continuation", func(t *testing.T) {
		runner := &mockRunner{}
		enqueuer := &mockEnqueuer{}
		runner.On("RunPass", mock.Anything, mock.Anything).Return(&PassResult{Outcome: OutcomeCompleted, Continue: true}, nil)
		enqueuer.On("EnqueueSync", mock.Anything, mock.MatchedBy(func(r models.SyncRequest) bool {
			return r.Trigger == models.TriggerContinuation && r.Mailbox == testMailbox
		})).Return(true, nil)

		err := NewTask(runner, enqueuer, 0).Run(ctx, syncJob(t, req))

		require.NoError(t, err)
		enqueuer.AssertExpectations(t)
	})

	t.Run("an idle trigger racing a running pass is retried later", func(t *testing.T) {
		runner := &mockRunner{}
		runner.On("RunPass", mock.Anything, mock.Anything).Return(&PassResult{Outcome: OutcomeAlreadyInFlight}, nil)

		err := NewTask(runner, &mockEnqueuer{}, 0).Run(ctx, syncJob(t, req))

		require.Error(t, err)
		assert.False(t, jobs.IsPermanent(err))
	})

	t.Run("a timer trigger racing a running pass is dropped", func(t *testing.T) {
		runner := &mockRunner{}
		runner.On("RunPass", mock.Anything, mock.Anything).Return(&PassResult{Outcome: OutcomeAlreadyInFlight}, nil)
		timer := req
		timer.Trigger = models.TriggerTimer

		err := NewTask(runner, &mockEnqueuer{}, 0).Run(ctx, syncJob(t, timer))
		assert.NoError(t, err)
	})

	t.Run("terminal failures are not retried", func(t *testing.T) {
		runner := &mockRunner{}
		c := Classification{Kind: ErrorAuth}
		runner.On("RunPass", mock.Anything, mock.Anything).Return(&PassResult{Outcome: OutcomeFailed, Failure: &c}, models.ErrAuthFailed)

		err := NewTask(runner, &mockEnqueuer{}, 0).Run(ctx, syncJob(t, req))

		require.Error(t, err)
		assert.True(t, jobs.IsPermanent(err))
	})

	t.Run("transient failures go back to the scheduler", func(t *testing.T) {
		runner := &mockRunner{}
		c := Classification{Kind: ErrorNetwork, Retriable: true}
		cause := errors.New("connection reset")
		runner.On("RunPass", mock.Anything, mock.Anything).Return(&PassResult{Outcome: OutcomeFailed, Failure: &c}, cause)

		err := NewTask(runner, &mockEnqueuer{}, 0).Run(ctx, syncJob(t, req))

		require.ErrorIs(t, err, cause)
		assert.False(t, jobs.IsPermanent(err))
	})

	t.Run("a superseded pass finishes the job without queuing more", func(t *testing.T) {
		runner := &mockRunner{}
		enqueuer := &mockEnqueuer{}
		runner.On("RunPass", mock.Anything, mock.Anything).Return(&PassResult{Outcome: OutcomeSuperseded, Continue: true}, nil)

		err := NewTask(runner, enqueuer, 0).Run(ctx, syncJob(t, req))

		require.NoError(t, err)
		enqueuer.AssertNotCalled(t, "EnqueueSync", mock.Anything, mock.Anything)
	})

	t.Run("an undecodable payload is permanent", func(t *testing.T) {
		job := &models.Job{ID: 2, Kind: TaskKind, Payload: json.RawMessage(`[`)}
		err := NewTask(&mockRunner{}, &mockEnqueuer{}, 0).Run(ctx, job)
		assert.True(t, jobs.IsPermanent(err))
	})
}

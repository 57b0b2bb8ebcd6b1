package syncer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/vdavid/mailsync/internal/jobs"
	"github.com/vdavid/mailsync/internal/models"
)

// PassRunner runs one pass. *Worker satisfies it.
type PassRunner interface {
	RunPass(ctx context.Context, req models.SyncRequest) (*PassResult, error)
}

// SyncEnqueuer queues follow-up passes. *Dispatcher satisfies it.
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, req models.SyncRequest) (bool, error)
}

// Task executes sync_mailbox jobs.
type Task struct {
	runner             PassRunner
	dispatcher         SyncEnqueuer
	inFlightRetryDelay time.Duration
}

// NewTask creates the sync_mailbox task.
func NewTask(runner PassRunner, dispatcher SyncEnqueuer, inFlightRetryDelay time.Duration) *Task {
	if inFlightRetryDelay <= 0 {
		inFlightRetryDelay = 15 * time.Second
	}
	return &Task{runner: runner, dispatcher: dispatcher, inFlightRetryDelay: inFlightRetryDelay}
}

func (t *Task) Kind() string {
	return TaskKind
}

// Run decodes the request and runs a pass.
func (t *Task) Run(ctx context.Context, job *models.Job) error {
	req, err := jobs.Decode[models.SyncRequest](job)
	if err != nil {
		return err
	}

	result, err := t.runner.RunPass(ctx, req)
	if err != nil {
		if result != nil && result.Failure != nil && !result.Failure.Retriable {
			return jobs.Permanent(err)
		}
		return err
	}

	switch result.Outcome {
	case OutcomeAlreadyInFlight:
		// The running pass may have listed the mailbox before the change this
		// trigger reports, so the trigger runs again once it is done.
		if retriesWhenInFlight(req.Trigger) {
			return jobs.RetryAfter(errors.New("mailbox sync already in flight"), t.inFlightRetryDelay)
		}
	case OutcomeCompleted:
		if result.Continue {
			t.continueSync(ctx, req)
		}
	}
	return nil
}

func (t *Task) continueSync(ctx context.Context, req models.SyncRequest) {
	_, err := t.dispatcher.EnqueueSync(ctx, models.SyncRequest{
		AccountID: req.AccountID,
		Mailbox:   req.Mailbox,
		Trigger:   models.TriggerContinuation,
	})
	if err != nil {
		// The poller picks the mailbox up on its next round.
		log.Printf("Sync: failed to queue continuation for %s/%s: %v", req.AccountID, req.Mailbox, err)
	}
}

func retriesWhenInFlight(trigger models.SyncTrigger) bool {
	switch trigger {
	case models.TriggerIdle, models.TriggerPush, models.TriggerManual:
		return true
	default:
		return false
	}
}

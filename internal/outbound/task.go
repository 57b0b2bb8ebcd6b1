package outbound

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vdavid/mailsync/internal/jobs"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/sendledger"
)

// Ledger is the send claim protocol. *sendledger.Ledger satisfies it.
type Ledger interface {
	AcquireSendClaim(ctx context.Context, accountID, key, identity string) (*sendledger.Claim, error)
	FinalizeSendSuccess(ctx context.Context, accountID, key string, result models.SendResult) error
	FinalizeSendFailure(ctx context.Context, accountID, key string, sendErr error) (sendledger.Classification, error)
}

// Sender hands a message to the mail transport. *SMTPSender satisfies it.
type Sender interface {
	Send(ctx context.Context, account *models.Account, env *models.OutboundEnvelope) (*models.SendResult, error)
}

// AccountSource loads accounts.
type AccountSource interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
}

// EventSink receives send outcome events.
type EventSink interface {
	Append(ctx context.Context, event *models.Event) error
}

// Task executes send_message jobs.
type Task struct {
	ledger             Ledger
	sender             Sender
	accounts           AccountSource
	events             EventSink
	inFlightRetryDelay time.Duration
}

// NewTask creates the send_message task.
func NewTask(ledger Ledger, sender Sender, accounts AccountSource, events EventSink) *Task {
	return &Task{
		ledger:             ledger,
		sender:             sender,
		accounts:           accounts,
		events:             events,
		inFlightRetryDelay: 30 * time.Second,
	}
}

func (t *Task) Kind() string {
	return TaskKind
}

// Run claims the send and delivers it when the claim is ours.
func (t *Task) Run(ctx context.Context, job *models.Job) error {
	p, err := jobs.Decode[payload](job)
	if err != nil {
		return err
	}

	claim, err := t.ledger.AcquireSendClaim(ctx, p.AccountID, p.IdempotencyKey, p.Identity)
	if err != nil {
		return err
	}

	switch claim.Outcome {
	case sendledger.ClaimAlreadySucceeded, sendledger.ClaimAlreadyFailed:
		log.Printf("Send: %s of account %s is already %s, skipping", p.IdempotencyKey, p.AccountID, claim.Attempt.Status)
		return nil
	case sendledger.ClaimInFlight:
		return jobs.RetryAfter(errors.New("send already in flight"), t.inFlightRetryDelay)
	}

	return t.deliver(ctx, job, p, claim.Attempt)
}

func (t *Task) deliver(ctx context.Context, job *models.Job, p payload, attempt *models.SendAttempt) error {
	// Everything after the claim must end in a finalize, even when the job is being cancelled.
	finalizeCtx := context.WithoutCancel(ctx)

	sendErr := t.send(ctx, p, attempt)
	if sendErr == nil {
		return nil
	}
	if job.LastAttempt() {
		// Dropping the wrapped chain makes the classification terminal.
		sendErr = fmt.Errorf("giving up after %d attempts: %v", job.Attempts, sendErr)
	}

	verdict, err := t.ledger.FinalizeSendFailure(finalizeCtx, p.AccountID, p.IdempotencyKey, sendErr)
	if err != nil {
		return fmt.Errorf("failed to record send failure: %w", err)
	}
	if verdict.Retriable {
		log.Printf("Send: %s of account %s failed, will retry: %v", p.IdempotencyKey, p.AccountID, sendErr)
		return sendErr
	}

	log.Printf("Send: %s of account %s failed: %v", p.IdempotencyKey, p.AccountID, sendErr)
	t.emit(finalizeCtx, p.AccountID, models.EventSendFailed, map[string]any{
		"idempotencyKey": p.IdempotencyKey,
		"sendId":         attempt.SendID,
		"error":          verdict.Message,
		"smtpCode":       verdict.SMTPCode,
	})
	return jobs.Permanent(sendErr)
}

func (t *Task) send(ctx context.Context, p payload, attempt *models.SendAttempt) error {
	if attempt.Envelope == nil {
		return errors.New("send attempt has no envelope")
	}

	account, err := t.accounts.GetAccount(ctx, p.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	result, err := t.sender.Send(ctx, account, attempt.Envelope)
	if err != nil {
		return err
	}

	finalizeCtx := context.WithoutCancel(ctx)
	if err := t.ledger.FinalizeSendSuccess(finalizeCtx, p.AccountID, p.IdempotencyKey, *result); err != nil {
		// The message is out. Leaving the row in flight lets maintenance mark
		// it unknown instead of sending it again.
		log.Printf("Send: delivered %s of account %s but failed to record it: %v", p.IdempotencyKey, p.AccountID, err)
		return nil
	}

	t.emit(finalizeCtx, p.AccountID, models.EventSendSucceeded, map[string]any{
		"idempotencyKey": p.IdempotencyKey,
		"sendId":         attempt.SendID,
		"messageId":      result.MessageID,
		"recipients":     result.Recipients,
	})
	return nil
}

func (t *Task) emit(ctx context.Context, accountID string, eventType models.EventType, payload any) {
	if t.events == nil {
		return
	}
	event := models.NewEvent(accountID, "", eventType, payload)
	if err := t.events.Append(ctx, &event); err != nil {
		log.Printf("Send: failed to append %s event: %v", eventType, err)
	}
}

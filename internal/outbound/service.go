// Package outbound accepts messages for delivery and sends them through the
// send ledger so that a retried job never delivers twice.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vdavid/mailsync/internal/jobs"
	"github.com/vdavid/mailsync/internal/models"
)

// TaskKind is the job kind of one delivery.
const TaskKind = "send_message"

// maxSendAttempts bounds how often a transient failure is retried.
const maxSendAttempts = 8

// ErrInvalidEnvelope is returned for a message that can never be delivered.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// AttemptStore records send attempts. *db.SendAttemptStore satisfies it.
type AttemptStore interface {
	CreateSendAttempt(ctx context.Context, accountID, key, identity string, envelope *models.OutboundEnvelope) (*models.SendAttempt, bool, error)
}

// Enqueuer adds jobs to the scheduler. *jobs.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts jobs.EnqueueOptions) (bool, error)
}

// SubmitResult tells the caller where its send stands.
type SubmitResult struct {
	Status models.SendStatus `json:"status"`
	SendID string            `json:"sendId"`
	// Duplicate is true when the key was seen before and nothing new was queued.
	Duplicate bool `json:"duplicate"`
}

// payload is the send_message job payload. The envelope lives in the ledger row.
type payload struct {
	AccountID      string `json:"accountId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Identity       string `json:"identity"`
}

// Service accepts outbound messages.
type Service struct {
	attempts AttemptStore
	queue    Enqueuer
}

// NewService creates a Service.
func NewService(attempts AttemptStore, queue Enqueuer) *Service {
	return &Service{attempts: attempts, queue: queue}
}

// Submit records the send under key and queues its delivery. Submitting the
// same key again returns the existing attempt. Only a duplicate still queued
// has its delivery queued again.
func (s *Service) Submit(ctx context.Context, accountID, identity, key string, env *models.OutboundEnvelope) (*SubmitResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrInvalidEnvelope)
	}
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	if identity == "" {
		identity = env.From
	}

	attempt, created, err := s.attempts.CreateSendAttempt(ctx, accountID, key, identity, env)
	if err != nil {
		return nil, err
	}
	if !created && attempt.Status != models.SendStatusQueued {
		return &SubmitResult{Status: attempt.Status, SendID: attempt.SendID, Duplicate: true}, nil
	}

	// A queued duplicate may be left over from a submit whose enqueue failed.
	// The dedupe key folds it into a pending job and the ledger claim stops a
	// second delivery, so queuing it again is safe.
	if err := s.enqueue(ctx, accountID, key, identity); err != nil {
		return nil, err
	}
	return &SubmitResult{Status: attempt.Status, SendID: attempt.SendID, Duplicate: !created}, nil
}

func (s *Service) enqueue(ctx context.Context, accountID, key, identity string) error {
	_, err := s.queue.Enqueue(ctx, TaskKind, payload{AccountID: accountID, IdempotencyKey: key, Identity: identity}, jobs.EnqueueOptions{
		DedupeKey:   "send:" + accountID + ":" + key,
		MaxAttempts: maxSendAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to queue send: %w", err)
	}
	return nil
}

func validateEnvelope(env *models.OutboundEnvelope) error {
	switch {
	case env == nil:
		return fmt.Errorf("%w: envelope is required", ErrInvalidEnvelope)
	case strings.TrimSpace(env.From) == "":
		return fmt.Errorf("%w: from is required", ErrInvalidEnvelope)
	case len(env.Recipients()) == 0:
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidEnvelope)
	case strings.TrimSpace(env.Subject) == "":
		return fmt.Errorf("%w: subject is required", ErrInvalidEnvelope)
	}
	if _, err := envelopeAddress(env.From); err != nil {
		return fmt.Errorf("%w: from: %v", ErrInvalidEnvelope, err)
	}
	for _, r := range env.Recipients() {
		if _, err := envelopeAddress(r); err != nil {
			return fmt.Errorf("%w: recipient %q: %v", ErrInvalidEnvelope, r, err)
		}
	}
	return nil
}

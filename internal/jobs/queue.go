// Package jobs runs background work from the Postgres jobs table with
// at-least-once semantics.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// Store is the persistence the queue and runner need.
type Store interface {
	EnqueueJob(ctx context.Context, job models.NewJob) (int64, bool, error)
	ClaimJob(ctx context.Context, workerID string, kinds []string) (*models.Job, error)
	CompleteJob(ctx context.Context, id int64, workerID string) (bool, error)
	FailJob(ctx context.Context, id int64, workerID, message string) (bool, error)
	RetryJob(ctx context.Context, id int64, workerID string, runAt time.Time, message string) (bool, error)
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	// DedupeKey folds the job into an equivalent pending one.
	DedupeKey   string
	RunAt       time.Time
	MaxAttempts int
}

// Queue enqueues jobs with JSON-encoded payloads.
type Queue struct {
	store Store
}

// NewQueue creates a Queue backed by store.
func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

// Enqueue adds a job of kind. It reports false when a pending job with the
// same dedupe key already exists.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, opts EnqueueOptions) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	_, enqueued, err := q.store.EnqueueJob(ctx, models.NewJob{
		Kind:        kind,
		Payload:     raw,
		DedupeKey:   opts.DedupeKey,
		RunAt:       opts.RunAt,
		MaxAttempts: opts.MaxAttempts,
	})
	if err != nil {
		return false, err
	}
	return enqueued, nil
}

// Decode unmarshals the job payload. A payload that cannot be decoded will
// never succeed, so the error is permanent.
func Decode[T any](job *models.Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, Permanent(fmt.Errorf("failed to decode %s payload: %w", job.Kind, err))
	}
	return v, nil
}

package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the scheduler-side state of a job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is one unit of at-least-once work.
type Job struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	DedupeKey   *string         `json:"dedupeKey,omitempty"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	RunAt       time.Time       `json:"runAt"`
	LockedBy    *string         `json:"lockedBy,omitempty"`
	LockedAt    *time.Time      `json:"lockedAt,omitempty"`
	LastError   *string         `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// LastAttempt reports whether a failure of this run would exhaust the job.
func (j *Job) LastAttempt() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

// NewJob describes a job to enqueue.
type NewJob struct {
	Kind        string
	Payload     json.RawMessage
	DedupeKey   string
	RunAt       time.Time
	MaxAttempts int
}

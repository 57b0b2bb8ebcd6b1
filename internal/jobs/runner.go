package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"golang.org/x/sync/semaphore"
)

// Task executes one kind of job. Run is called with the claimed job; returning
// nil completes it, an error retries it unless marked Permanent.
type Task interface {
	Kind() string
	Run(ctx context.Context, job *models.Job) error
}

// RunnerConfig tunes the runner. Zero values fall back to defaults.
type RunnerConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	JobTimeout     time.Duration
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 5 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Minute
	}
	return c
}

// Runner claims jobs and executes them with bounded concurrency.
// Jobs for the same resource may run in parallel; tasks guard their own exclusivity.
type Runner struct {
	store    Store
	cfg      RunnerConfig
	tasks    map[string]Task
	kinds    []string
	workerID string
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewRunner creates a runner for the given tasks.
func NewRunner(store Store, cfg RunnerConfig, tasks ...Task) *Runner {
	cfg = cfg.withDefaults()
	r := &Runner{
		store:    store,
		cfg:      cfg,
		tasks:    make(map[string]Task, len(tasks)),
		workerID: "runner-" + uuid.NewString(),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:      time.Now,
	}
	for _, t := range tasks {
		r.tasks[t.Kind()] = t
		r.kinds = append(r.kinds, t.Kind())
	}
	sort.Strings(r.kinds)
	return r
}

// WorkerID identifies this runner in job locks.
func (r *Runner) WorkerID() string {
	return r.workerID
}

// Run claims and executes jobs until ctx is done, then waits for running jobs.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("Jobs: runner %s started for %v with concurrency %d", r.workerID, r.kinds, r.cfg.Concurrency)
	defer r.wg.Wait()

	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		job, err := r.store.ClaimJob(ctx, r.workerID, r.kinds)
		if err != nil || job == nil {
			r.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				log.Printf("Jobs: failed to claim job: %v", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.execute(ctx, job)
		}()
	}
}

// RunOnce claims and executes a single job synchronously. It reports whether a job was run.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.store.ClaimJob(ctx, r.workerID, r.kinds)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	r.execute(ctx, job)
	return true, nil
}

func (r *Runner) execute(ctx context.Context, job *models.Job) {
	task, ok := r.tasks[job.Kind]
	if !ok {
		r.finish(ctx, job, Permanent(fmt.Errorf("no task registered for kind %q", job.Kind)))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	err := runTask(jobCtx, task, job)
	// Bookkeeping must land even if the job ran out its timeout.
	r.finish(context.WithoutCancel(ctx), job, err)
}

func runTask(ctx context.Context, task Task, job *models.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("Jobs: %s job %d panicked: %v", job.Kind, job.ID, p)
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return task.Run(ctx, job)
}

func (r *Runner) finish(ctx context.Context, job *models.Job, runErr error) {
	var (
		result string
		ok     bool
		err    error
	)

	switch {
	case runErr == nil:
		result = "done"
		ok, err = r.store.CompleteJob(ctx, job.ID, r.workerID)
	case IsPermanent(runErr) || job.LastAttempt():
		result = "failed"
		log.Printf("Jobs: %s job %d failed after %d attempt(s): %v", job.Kind, job.ID, job.Attempts, runErr)
		ok, err = r.store.FailJob(ctx, job.ID, r.workerID, runErr.Error())
	default:
		result = "retry"
		delay := r.backoff(job.Attempts)
		if d, requested := retryDelay(runErr); requested {
			delay = d
		}
		if !errors.Is(runErr, context.Canceled) {
			log.Printf("Jobs: %s job %d will retry in %s: %v", job.Kind, job.ID, delay, runErr)
		}
		ok, err = r.store.RetryJob(ctx, job.ID, r.workerID, r.now().Add(delay), runErr.Error())
	}

	metrics.Jobs.WithLabelValues(job.Kind, result).Inc()

	if err != nil {
		log.Printf("Jobs: failed to record result of %s job %d: %v", job.Kind, job.ID, err)
		return
	}
	if !ok {
		log.Printf("Jobs: lost lock on %s job %d before recording its result", job.Kind, job.ID)
	}
}

// backoff doubles the base delay for every attempt already made, capped at MaxRetryDelay.
func (r *Runner) backoff(attempts int) time.Duration {
	delay := r.cfg.BaseRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= r.cfg.MaxRetryDelay {
			return r.cfg.MaxRetryDelay
		}
	}
	return delay
}

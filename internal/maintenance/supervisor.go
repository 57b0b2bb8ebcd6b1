// Package maintenance periodically repairs state left behind by crashed or
// stuck workers: sync passes, IDLE watches, push subscriptions, job leases
// and in-flight sends.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/watch"
)

// Step names, as they appear in TickReport.Errors and the logs.
const (
	StepReapSyncs     = "reap_stale_syncs"
	StepRestartWatch  = "restart_dead_watches"
	StepRenewPush     = "renew_push"
	StepReleaseLeases = "release_leases"
	StepAbandonSends  = "abandon_stuck_sends"
)

// SyncReaper is the part of the sync state store the supervisor repairs.
type SyncReaper interface {
	ListStaleSyncs(ctx context.Context, startedBefore time.Time) ([]*models.MailboxSyncState, error)
	ReapStaleSync(ctx context.Context, accountID, mailbox string, startedBefore time.Time, message string) (bool, error)
	ReapStaleCancels(ctx context.Context, startedBefore time.Time) (int64, error)
}

// SyncEnqueuer re-queues reaped mailboxes. *syncer.Dispatcher satisfies it.
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, req models.SyncRequest) (bool, error)
}

// WatchKeeper restarts watches and renews push subscriptions. *watch.Coordinator satisfies it.
type WatchKeeper interface {
	RestartDeadWatches(ctx context.Context, staleAfter time.Duration) int
	RenewExpiring(ctx context.Context, window time.Duration) (watch.RenewReport, error)
}

// LeaseReleaser hands jobs of dead workers back to the queue. *db.JobStore satisfies it.
type LeaseReleaser interface {
	ReleaseExpiredLocks(ctx context.Context, lockedBefore time.Time) (int, error)
}

// SendAbandoner fails sends whose worker disappeared. *db.SendAttemptStore satisfies it.
type SendAbandoner interface {
	AbandonStuckSends(ctx context.Context, claimedBefore time.Time, message string) ([]*models.SendAttempt, error)
}

// EventSink receives the events maintenance emits.
type EventSink interface {
	Append(ctx context.Context, event *models.Event) error
}

// Config tunes the supervisor. Zero values fall back to defaults.
type Config struct {
	Interval            time.Duration
	StepTimeout         time.Duration
	StaleSyncAfter      time.Duration
	WatchStaleAfter     time.Duration
	PushRenewInterval   time.Duration
	PushRenewBefore     time.Duration
	LeaseTimeout        time.Duration
	SendInFlightTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.StaleSyncAfter <= 0 {
		c.StaleSyncAfter = 5 * time.Minute
	}
	if c.WatchStaleAfter <= 0 {
		c.WatchStaleAfter = 2 * time.Minute
	}
	if c.PushRenewInterval <= 0 {
		c.PushRenewInterval = 5 * time.Minute
	}
	if c.PushRenewBefore <= 0 {
		c.PushRenewBefore = 24 * time.Hour
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 15 * time.Minute
	}
	if c.SendInFlightTimeout <= 0 {
		c.SendInFlightTimeout = 15 * time.Minute
	}
	return c
}

// Deps are the components the supervisor repairs. Any of them may be nil,
// in which case the matching step is skipped.
type Deps struct {
	Syncs    SyncReaper
	Enqueuer SyncEnqueuer
	Watches  WatchKeeper
	Leases   LeaseReleaser
	Sends    SendAbandoner
	Events   EventSink
}

// TickReport summarizes one maintenance round.
type TickReport struct {
	// Skipped is true when another tick was still running.
	Skipped          bool              `json:"skipped"`
	StartedAt        time.Time         `json:"startedAt"`
	ReapedSyncs      int               `json:"reapedSyncs"`
	ReapedCancels    int               `json:"reapedCancels"`
	RestartedWatches int               `json:"restartedWatches"`
	PushRenewalRan   bool              `json:"pushRenewalRan"`
	RenewedPush      int               `json:"renewedPush"`
	FailedPush       int               `json:"failedPush"`
	ReleasedLeases   int               `json:"releasedLeases"`
	AbandonedSends   int               `json:"abandonedSends"`
	Errors           map[string]string `json:"errors,omitempty"`
}

// Supervisor runs the maintenance steps.
type Supervisor struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	running atomic.Bool

	mu              sync.Mutex
	lastPushRenewal time.Time
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(deps Deps, cfg Config) *Supervisor {
	return &Supervisor{deps: deps, cfg: cfg.withDefaults(), now: time.Now}
}

// Run ticks immediately and then every interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.logReport(s.Tick(ctx))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) logReport(r TickReport) {
	if r.Skipped {
		log.Printf("Maintenance: previous tick still running, skipped")
		return
	}
	if r.ReapedSyncs+r.ReapedCancels+r.RestartedWatches+r.ReleasedLeases+r.AbandonedSends+r.FailedPush > 0 {
		log.Printf("Maintenance: reaped %d syncs and %d cancels, restarted %d watches, released %d leases, abandoned %d sends, %d push renewals failed",
			r.ReapedSyncs, r.ReapedCancels, r.RestartedWatches, r.ReleasedLeases, r.AbandonedSends, r.FailedPush)
	}
	for step, err := range r.Errors {
		log.Printf("Maintenance: step %s failed: %s", step, err)
	}
}

// Tick runs every step once. A tick that starts while another is still
// running returns immediately with Skipped set. Steps are isolated: a failing
// or panicking step is recorded and the remaining steps still run.
func (s *Supervisor) Tick(ctx context.Context) TickReport {
	if !s.running.CompareAndSwap(false, true) {
		return TickReport{Skipped: true}
	}
	defer s.running.Store(false)

	now := s.now()
	report := TickReport{StartedAt: now}

	if s.deps.Syncs != nil {
		s.step(ctx, &report, StepReapSyncs, func(ctx context.Context) error {
			return s.reapStaleSyncs(ctx, now, &report)
		})
	}
	if s.deps.Watches != nil {
		s.step(ctx, &report, StepRestartWatch, func(ctx context.Context) error {
			report.RestartedWatches = s.deps.Watches.RestartDeadWatches(ctx, s.cfg.WatchStaleAfter)
			return nil
		})
		if s.pushRenewalDue(now) {
			report.PushRenewalRan = true
			s.step(ctx, &report, StepRenewPush, func(ctx context.Context) error {
				renewed, err := s.deps.Watches.RenewExpiring(ctx, s.cfg.PushRenewBefore)
				report.RenewedPush = renewed.Renewed
				report.FailedPush = renewed.Failed
				return err
			})
		}
	}
	if s.deps.Leases != nil {
		s.step(ctx, &report, StepReleaseLeases, func(ctx context.Context) error {
			n, err := s.deps.Leases.ReleaseExpiredLocks(ctx, now.Add(-s.cfg.LeaseTimeout))
			report.ReleasedLeases = n
			metrics.MaintenanceActions.WithLabelValues("released_lease").Add(float64(n))
			return err
		})
	}
	if s.deps.Sends != nil {
		s.step(ctx, &report, StepAbandonSends, func(ctx context.Context) error {
			return s.abandonStuckSends(ctx, now, &report)
		})
	}
	return report
}

// step runs fn with its own timeout and turns a panic into an error.
func (s *Supervisor) step(ctx context.Context, report *TickReport, name string, fn func(ctx context.Context) error) {
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(stepCtx)
	}()
	if err == nil {
		return
	}

	metrics.MaintenanceActions.WithLabelValues("step_error").Inc()
	if report.Errors == nil {
		report.Errors = make(map[string]string)
	}
	report.Errors[name] = err.Error()
}

// pushRenewalDue reports whether renewal should run now and, if so, records the run.
func (s *Supervisor) pushRenewalDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastPushRenewal.IsZero() && now.Sub(s.lastPushRenewal) < s.cfg.PushRenewInterval {
		return false
	}
	s.lastPushRenewal = now
	return true
}

func (s *Supervisor) reapStaleSyncs(ctx context.Context, now time.Time, report *TickReport) error {
	cutoff := now.Add(-s.cfg.StaleSyncAfter)

	stale, err := s.deps.Syncs.ListStaleSyncs(ctx, cutoff)
	if err != nil {
		return err
	}

	var firstErr error
	for _, st := range stale {
		reaped, err := s.deps.Syncs.ReapStaleSync(ctx, st.AccountID, st.Mailbox, cutoff, models.MaintenanceReapedError)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !reaped {
			// Finished or restarted since it was listed.
			continue
		}

		report.ReapedSyncs++
		metrics.MaintenanceActions.WithLabelValues("reaped_sync").Inc()
		log.Printf("Maintenance: reaped stuck sync of %s for account %s", st.Mailbox, st.AccountID)

		s.emit(ctx, models.NewEvent(st.AccountID, st.Mailbox, models.EventSyncFailed, map[string]any{
			"error":      models.MaintenanceReapedError,
			"recovering": true,
		}))

		if s.deps.Enqueuer != nil {
			_, err := s.deps.Enqueuer.EnqueueSync(ctx, models.SyncRequest{
				AccountID:   st.AccountID,
				Mailbox:     st.Mailbox,
				Trigger:     models.TriggerMaintenance,
				RequestedAt: now,
			})
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to re-queue %s of account %s: %w", st.Mailbox, st.AccountID, err)
			}
		}
	}

	cancels, err := s.deps.Syncs.ReapStaleCancels(ctx, cutoff)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	report.ReapedCancels = int(cancels)
	metrics.MaintenanceActions.WithLabelValues("reaped_cancel").Add(float64(cancels))

	return firstErr
}

func (s *Supervisor) abandonStuckSends(ctx context.Context, now time.Time, report *TickReport) error {
	abandoned, err := s.deps.Sends.AbandonStuckSends(ctx, now.Add(-s.cfg.SendInFlightTimeout), models.SendOutcomeUnknownError)
	if err != nil {
		return err
	}

	report.AbandonedSends = len(abandoned)
	for _, a := range abandoned {
		metrics.MaintenanceActions.WithLabelValues("abandoned_send").Inc()
		log.Printf("Maintenance: send %s of account %s stuck in flight, marked failed", a.IdempotencyKey, a.AccountID)
		s.emit(ctx, models.NewEvent(a.AccountID, "", models.EventSendFailed, map[string]any{
			"idempotencyKey": a.IdempotencyKey,
			"sendId":         a.SendID,
			"error":          models.SendOutcomeUnknownError,
		}))
	}
	return nil
}

func (s *Supervisor) emit(ctx context.Context, event models.Event) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.Append(ctx, &event); err != nil {
		log.Printf("Maintenance: failed to append %s event: %v", event.Type, err)
	}
}

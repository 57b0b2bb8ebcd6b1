// Package syncer runs mailbox sync passes: the per-mailbox state machine that
// mirrors a remote mailbox into the local store in resumable batches.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
)

// StateStore is the part of the sync state store a pass uses.
type StateStore interface {
	EnsureSyncState(ctx context.Context, accountID, mailbox string) (*models.MailboxSyncState, error)
	TryBeginSync(ctx context.Context, accountID, mailbox string) (*models.MailboxSyncState, bool, error)
	ResetEpoch(ctx context.Context, hold models.SyncHold, uidValidity string) error
	Checkpoint(ctx context.Context, hold models.SyncHold, progress models.SyncProgress) (models.SyncStatus, error)
	CompletePass(ctx context.Context, hold models.SyncHold, commit models.PassCommit) error
	FinishCancelled(ctx context.Context, hold models.SyncHold, commit models.PassCommit) error
	FailPass(ctx context.Context, hold models.SyncHold, message string, progress models.SyncProgress) error
}

// MessageStore is the local mailbox mirror.
type MessageStore interface {
	UpsertMessages(ctx context.Context, accountID, mailbox, uidValidity string, deltas []models.MessageDelta) ([]models.MessageChange, error)
	ApplyFlagUpdates(ctx context.Context, accountID, mailbox string, updates []models.FlagUpdate) ([]models.MessageChange, error)
	ListMailboxUIDs(ctx context.Context, accountID, mailbox, uidValidity string) ([]int64, error)
	ListRecentUIDs(ctx context.Context, accountID, mailbox string, limit int) ([]int64, error)
	DeleteMessagesOutsideEpoch(ctx context.Context, accountID, mailbox, uidValidity string) ([]models.MessageChange, error)
	DeleteMessagesByUID(ctx context.Context, accountID, mailbox string, uids []int64) ([]models.MessageChange, error)
}

// AccountSource loads the connector a pass syncs.
type AccountSource interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
}

// EventSink receives the events a pass emits.
type EventSink interface {
	Append(ctx context.Context, event *models.Event) error
}

// Config tunes pass sizes. Zero values fall back to defaults.
type Config struct {
	BatchSize             int
	MaxBatchesPerPass     int
	MetadataRefreshWindow int
	ReconcileInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.MaxBatchesPerPass <= 0 {
		c.MaxBatchesPerPass = 5
	}
	if c.MetadataRefreshWindow < 0 {
		c.MetadataRefreshWindow = 0
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 24 * time.Hour
	}
	return c
}

// Outcome is how a call to RunPass ended. A superseded pass lost the mailbox
// to maintenance or a newer pass and stopped without writing anything further.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeFailed          Outcome = "failed"
	OutcomeAlreadyInFlight Outcome = "already_in_flight"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeSuperseded      Outcome = "superseded"
)

// PassResult reports what a pass did.
type PassResult struct {
	Outcome    Outcome
	Progress   models.SyncProgress
	Watermark  models.Watermark
	Reconciled bool
	// Continue is set when the pass stopped with work left over and
	// a continuation pass should be queued.
	Continue bool
	// EpochChanged is set when the mailbox changed UID validity during the pass.
	EpochChanged bool
	// Failure is the classified cause of a failed pass.
	Failure *Classification
}

// Worker runs sync passes. It is safe for concurrent use; exclusivity per
// mailbox comes from the sync state row, not from the worker.
type Worker struct {
	states    StateStore
	messages  MessageStore
	accounts  AccountSource
	transport Transport
	events    EventSink
	cfg       Config
	now       func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(states StateStore, messages MessageStore, accounts AccountSource, transport Transport, events EventSink, cfg Config) *Worker {
	return &Worker{
		states:    states,
		messages:  messages,
		accounts:  accounts,
		transport: transport,
		events:    events,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// errPassCancelled unwinds a pass that saw a cancel request between batches.
var errPassCancelled = errors.New("sync pass cancelled")

// RunPass runs one pass for the requested mailbox.
//
// A mailbox already held by another pass yields OutcomeAlreadyInFlight and no error.
// A failed pass writes its error state before returning; the returned error is
// the cause, so the scheduler can decide whether to retry.
func (w *Worker) RunPass(ctx context.Context, req models.SyncRequest) (*PassResult, error) {
	state, err := w.states.EnsureSyncState(ctx, req.AccountID, req.Mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	// A cancel that landed after this request was queued wins over the request.
	if state.Status == models.SyncStatusCancelled && !req.RequestedAt.IsZero() && !state.UpdatedAt.Before(req.RequestedAt) {
		metrics.SyncPasses.WithLabelValues(string(OutcomeSkipped)).Inc()
		return &PassResult{Outcome: OutcomeSkipped, Watermark: state.Watermark()}, nil
	}

	state, began, err := w.states.TryBeginSync(ctx, req.AccountID, req.Mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sync: %w", err)
	}
	if !began {
		metrics.SyncPasses.WithLabelValues(string(OutcomeAlreadyInFlight)).Inc()
		return &PassResult{Outcome: OutcomeAlreadyInFlight, Watermark: state.Watermark()}, nil
	}

	started := w.now()
	p := &pass{
		w:         w,
		req:       req,
		state:     state,
		hold:      state.Hold(),
		watermark: state.Watermark(),
	}

	result, err := p.runGuarded(ctx)
	metrics.SyncPassDuration.Observe(w.now().Sub(started).Seconds())
	metrics.SyncPasses.WithLabelValues(string(result.Outcome)).Inc()
	return result, err
}

// pass holds the progress of one running pass. Only committed work is recorded in it.
type pass struct {
	w          *Worker
	req        models.SyncRequest
	state      *models.MailboxSyncState
	hold       models.SyncHold
	session    Session
	remote     models.RemoteMailbox
	watermark  models.Watermark
	progress   models.SyncProgress
	reconciled bool
	more       bool
}

// runGuarded runs the pass and turns every way out of it into a written terminal state.
func (p *pass) runGuarded(ctx context.Context) (result *PassResult, err error) {
	defer func() {
		if p.session == nil {
			return
		}
		if closeErr := p.session.Close(); closeErr != nil {
			log.Printf("Sync: failed to close session for %s/%s: %v", p.req.AccountID, p.req.Mailbox, closeErr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Sync: panic in pass for %s/%s: %v\n%s", p.req.AccountID, p.req.Mailbox, r, debug.Stack())
			result, err = p.fail(ctx, fmt.Errorf("sync pass panicked: %v", r))
		}
	}()

	err = p.run(ctx)
	switch {
	case err == nil:
		return p.complete(ctx, false)
	case errors.Is(err, models.ErrSyncNotHeld):
		return p.lost(err)
	case models.IsUIDValidityChanged(err):
		log.Printf("Sync: %s/%s: %v, queuing full reconcile", p.req.AccountID, p.req.Mailbox, err)
		p.more = true
		p.reconciled = false
		return p.complete(ctx, true)
	case errors.Is(err, errPassCancelled):
		return p.cancel(ctx)
	case ctx.Err() != nil:
		// A timeout or shutdown is not a cancel request: the job is retried.
		return p.fail(ctx, fmt.Errorf("sync pass interrupted: %w", context.Cause(ctx)))
	default:
		return p.fail(ctx, err)
	}
}

func (p *pass) run(ctx context.Context) error {
	account, err := p.w.accounts.GetAccount(ctx, p.req.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	session, err := p.w.transport.Open(ctx, account, p.req.Mailbox)
	if err != nil {
		return fmt.Errorf("failed to open mailbox: %w", err)
	}
	p.session = session
	p.remote = session.Mailbox()

	full := p.state.NeedsFullReconcile(p.remote.UIDValidity, p.w.now(), p.w.cfg.ReconcileInterval)
	if p.state.UIDValidity != p.remote.UIDValidity {
		if err := p.resetEpoch(ctx); err != nil {
			return err
		}
	}

	if full {
		if err := p.reconcile(ctx); err != nil {
			return err
		}
	} else {
		if err := p.incremental(ctx); err != nil {
			return err
		}
	}

	if err := p.refreshFlags(ctx); err != nil {
		return err
	}

	if hint, ok := parseHistoryHint(p.req.Hint); ok {
		p.watermark = p.watermark.Advance(models.Watermark{ModSeq: &hint})
	}
	return nil
}

// resetEpoch adopts the remote UID validity and drops rows from the old epoch.
func (p *pass) resetEpoch(ctx context.Context) error {
	if p.state.UIDValidity != "" {
		log.Printf("Sync: %s/%s UID validity changed from %s to %s", p.req.AccountID, p.req.Mailbox, p.state.UIDValidity, p.remote.UIDValidity)
	}
	if err := p.w.states.ResetEpoch(ctx, p.hold, p.remote.UIDValidity); err != nil {
		return fmt.Errorf("failed to reset sync epoch: %w", err)
	}
	p.watermark = models.Watermark{}

	removed, err := p.w.messages.DeleteMessagesOutsideEpoch(ctx, p.req.AccountID, p.req.Mailbox, p.remote.UIDValidity)
	if err != nil {
		return fmt.Errorf("failed to drop messages of old epoch: %w", err)
	}
	p.progress.ReconciledRemoved += len(removed)
	p.emitChanges(ctx, removed)
	return nil
}

// reconcile diffs the full remote UID listing against the local mirror.
func (p *pass) reconcile(ctx context.Context) error {
	remoteUIDs, err := p.session.ListUIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote UIDs: %w", err)
	}
	localUIDs, err := p.w.messages.ListMailboxUIDs(ctx, p.req.AccountID, p.req.Mailbox, p.remote.UIDValidity)
	if err != nil {
		return fmt.Errorf("failed to list local UIDs: %w", err)
	}

	missing, gone := diffUIDs(remoteUIDs, localUIDs)

	if len(gone) > 0 {
		removed, err := p.w.messages.DeleteMessagesByUID(ctx, p.req.AccountID, p.req.Mailbox, gone)
		if err != nil {
			return fmt.Errorf("failed to remove vanished messages: %w", err)
		}
		p.progress.ReconciledRemoved += len(removed)
		p.emitChanges(ctx, removed)
		if err := p.checkpoint(ctx); err != nil {
			return err
		}
	}

	batches := 0
	for len(missing) > 0 {
		if batches == p.w.cfg.MaxBatchesPerPass {
			p.more = true
			return nil
		}
		n := min(p.w.cfg.BatchSize, len(missing))
		chunk := missing[:n]

		deltas, err := p.session.FetchMessages(ctx, chunk)
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		if err := p.apply(ctx, deltas); err != nil {
			return err
		}
		p.watermark = p.watermark.Advance(models.Watermark{LastSeenUID: chunk[n-1]})
		missing = missing[n:]
		batches++

		if err := p.checkpoint(ctx); err != nil {
			return err
		}
	}

	if len(remoteUIDs) > 0 {
		top := remoteUIDs[len(remoteUIDs)-1]
		p.watermark = p.watermark.Advance(models.Watermark{LastSeenUID: top, HighestUID: top})
	}
	if p.remote.HighestModSeq != nil {
		p.watermark = p.watermark.Advance(models.Watermark{ModSeq: p.remote.HighestModSeq})
	}
	p.reconciled = true
	return nil
}

// incremental fetches messages above the watermark, a bounded number of batches per pass.
func (p *pass) incremental(ctx context.Context) error {
	for batches := 0; batches < p.w.cfg.MaxBatchesPerPass; batches++ {
		batch, err := p.session.FetchChanges(ctx, p.watermark, p.w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch changes: %w", err)
		}
		if len(batch.Messages) == 0 {
			p.watermark = p.watermark.Advance(batch.Watermark)
			return nil
		}
		if err := p.apply(ctx, batch.Messages); err != nil {
			return err
		}
		p.watermark = p.watermark.Advance(batch.Watermark)

		if err := p.checkpoint(ctx); err != nil {
			return err
		}
		if batch.Remaining == 0 {
			return nil
		}
	}
	p.more = true
	return nil
}

// refreshFlags re-reads flags of the newest local messages.
func (p *pass) refreshFlags(ctx context.Context) error {
	if p.w.cfg.MetadataRefreshWindow == 0 {
		return nil
	}
	uids, err := p.w.messages.ListRecentUIDs(ctx, p.req.AccountID, p.req.Mailbox, p.w.cfg.MetadataRefreshWindow)
	if err != nil {
		return fmt.Errorf("failed to list recent UIDs: %w", err)
	}
	if len(uids) == 0 {
		return nil
	}
	flags, err := p.session.FetchFlags(ctx, uids)
	if err != nil {
		return fmt.Errorf("failed to fetch flags: %w", err)
	}
	changes, err := p.w.messages.ApplyFlagUpdates(ctx, p.req.AccountID, p.req.Mailbox, flags)
	if err != nil {
		return fmt.Errorf("failed to apply flag updates: %w", err)
	}
	p.progress.MetadataRefreshed += len(changes)
	p.emitChanges(ctx, changes)
	return nil
}

// apply commits one batch of fetched messages.
func (p *pass) apply(ctx context.Context, deltas []models.MessageDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	changes, err := p.w.messages.UpsertMessages(ctx, p.req.AccountID, p.req.Mailbox, p.remote.UIDValidity, deltas)
	if err != nil {
		return fmt.Errorf("failed to store messages: %w", err)
	}
	for _, c := range changes {
		switch c.Kind {
		case models.ChangeInserted:
			p.progress.Inserted++
		case models.ChangeUpdated:
			p.progress.Updated++
		}
	}
	p.emitChanges(ctx, changes)
	return nil
}

// checkpoint records progress and stops the pass if a cancel was requested.
func (p *pass) checkpoint(ctx context.Context) error {
	status, err := p.w.states.Checkpoint(ctx, p.hold, p.progress)
	if err != nil {
		return fmt.Errorf("failed to checkpoint: %w", err)
	}
	if status == models.SyncStatusCancelRequested {
		return errPassCancelled
	}
	return ctx.Err()
}

func (p *pass) commit() models.PassCommit {
	return models.PassCommit{
		Watermark:  p.watermark,
		Progress:   p.progress,
		Reconciled: p.reconciled,
	}
}

func (p *pass) complete(ctx context.Context, epochChanged bool) (*PassResult, error) {
	// Terminal writes must land even when the job context is done.
	writeCtx := context.WithoutCancel(ctx)
	if err := p.w.states.CompletePass(writeCtx, p.hold, p.commit()); err != nil {
		return p.lost(err)
	}

	result := &PassResult{
		Outcome:      OutcomeCompleted,
		Progress:     p.progress,
		Watermark:    p.watermark,
		Reconciled:   p.reconciled,
		Continue:     p.more,
		EpochChanged: epochChanged,
	}
	p.emit(writeCtx, models.EventSyncSummary, summaryPayload{
		Trigger:      p.req.Trigger,
		Progress:     p.progress,
		LastSeenUID:  p.watermark.LastSeenUID,
		Reconciled:   p.reconciled,
		Continued:    p.more,
		EpochChanged: epochChanged,
	})
	log.Printf("Sync: completed %s/%s (trigger %s): %+v, last UID %d, more=%t",
		p.req.AccountID, p.req.Mailbox, p.req.Trigger, p.progress, p.watermark.LastSeenUID, p.more)
	return result, nil
}

func (p *pass) cancel(ctx context.Context) (*PassResult, error) {
	writeCtx := context.WithoutCancel(ctx)
	// A cancelled pass never claims a full reconcile: the next pass redoes it.
	p.reconciled = false
	if err := p.w.states.FinishCancelled(writeCtx, p.hold, p.commit()); err != nil {
		return p.lost(err)
	}
	p.emit(writeCtx, models.EventSyncCancelled, summaryPayload{
		Trigger:     p.req.Trigger,
		Progress:    p.progress,
		LastSeenUID: p.watermark.LastSeenUID,
	})
	log.Printf("Sync: cancelled %s/%s after %+v", p.req.AccountID, p.req.Mailbox, p.progress)
	return &PassResult{Outcome: OutcomeCancelled, Progress: p.progress, Watermark: p.watermark}, nil
}

func (p *pass) fail(ctx context.Context, cause error) (*PassResult, error) {
	writeCtx := context.WithoutCancel(ctx)
	c := ClassifyError(cause)
	if err := p.w.states.FailPass(writeCtx, p.hold, c.Message, p.progress); err != nil {
		log.Printf("Sync: failed to record failure for %s/%s: %v", p.req.AccountID, p.req.Mailbox, err)
	}
	p.emit(writeCtx, models.EventSyncFailed, failurePayload{
		Trigger:   p.req.Trigger,
		Kind:      c.Kind,
		Error:     models.TruncateSyncError(c.Message),
		Retriable: c.Retriable,
	})
	log.Printf("Sync: pass for %s/%s failed (%s): %v", p.req.AccountID, p.req.Mailbox, c.Kind, cause)
	return &PassResult{Outcome: OutcomeFailed, Progress: p.progress, Watermark: p.state.Watermark(), Failure: &c}, cause
}

// lost ends a pass whose write found the mailbox no longer held. The state
// row belongs to whoever took it over, so nothing is written and the job is done.
func (p *pass) lost(err error) (*PassResult, error) {
	if !errors.Is(err, models.ErrSyncNotHeld) {
		c := ClassifyError(err)
		log.Printf("Sync: failed to finish pass for %s/%s: %v", p.req.AccountID, p.req.Mailbox, err)
		return &PassResult{Outcome: OutcomeFailed, Progress: p.progress, Watermark: p.state.Watermark(), Failure: &c}, err
	}
	log.Printf("Sync: pass %d for %s/%s lost its hold, stopping", p.hold.Generation, p.req.AccountID, p.req.Mailbox)
	return &PassResult{Outcome: OutcomeSuperseded, Progress: p.progress, Watermark: p.state.Watermark()}, nil
}

type summaryPayload struct {
	Trigger      models.SyncTrigger  `json:"trigger"`
	Progress     models.SyncProgress `json:"progress"`
	LastSeenUID  int64               `json:"lastSeenUid"`
	Reconciled   bool                `json:"reconciled,omitempty"`
	Continued    bool                `json:"continued,omitempty"`
	EpochChanged bool                `json:"epochChanged,omitempty"`
}

type failurePayload struct {
	Trigger   models.SyncTrigger `json:"trigger"`
	Kind      ErrorKind          `json:"kind"`
	Error     string             `json:"error"`
	Retriable bool               `json:"retriable"`
}

func (p *pass) emitChanges(ctx context.Context, changes []models.MessageChange) {
	for _, c := range changes {
		var eventType models.EventType
		switch c.Kind {
		case models.ChangeInserted:
			eventType = models.EventMessageInserted
		case models.ChangeUpdated:
			eventType = models.EventMessageUpdated
		case models.ChangeRemoved:
			eventType = models.EventMessageRemoved
		default:
			continue
		}
		metrics.SyncChanges.WithLabelValues(string(c.Kind)).Inc()
		p.emit(ctx, eventType, c)
	}
}

// emit appends an event. The mirror is already committed, so a lost event is logged, not fatal.
func (p *pass) emit(ctx context.Context, eventType models.EventType, payload any) {
	if p.w.events == nil {
		return
	}
	event := models.NewEvent(p.req.AccountID, p.req.Mailbox, eventType, payload)
	if err := p.w.events.Append(ctx, &event); err != nil {
		log.Printf("Sync: failed to append %s event for %s/%s: %v", eventType, p.req.AccountID, p.req.Mailbox, err)
	}
}

// diffUIDs returns UIDs present remotely but not locally, and the reverse.
// Both inputs must be sorted ascending; both outputs are.
func diffUIDs(remote, local []int64) (missing, gone []int64) {
	i, j := 0, 0
	for i < len(remote) && j < len(local) {
		switch {
		case remote[i] == local[j]:
			i++
			j++
		case remote[i] < local[j]:
			missing = append(missing, remote[i])
			i++
		default:
			gone = append(gone, local[j])
			j++
		}
	}
	missing = append(missing, remote[i:]...)
	gone = append(gone, local[j:]...)
	return missing, gone
}

// parseHistoryHint reads a numeric change cursor carried by a push trigger.
func parseHistoryHint(hint string) (int64, bool) {
	if hint == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(hint, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

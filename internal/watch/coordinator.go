// Package watch keeps mailboxes under live observation so sync passes start
// shortly after the server sees a change. IMAP accounts are watched with a
// dedicated IDLE connection per mailbox; push-capable accounts can also
// register a provider subscription whose webhook deliveries enqueue passes.
package watch

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
)

// errWatchEnded is reported when a live watch finished without saying why.
var errWatchEnded = errors.New("live watch ended")

// LiveWatch is one open notification channel on a mailbox.
type LiveWatch interface {
	// Changes signals server activity. Signals coalesce; a receiver sees at least one per burst.
	Changes() <-chan struct{}
	// Done is closed when the watch ends. Err then reports why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// IdleOpener opens live watches. The IMAP implementation lives in internal/imap.
type IdleOpener interface {
	OpenLiveWatch(ctx context.Context, account *models.Account, mailbox string) (LiveWatch, error)
}

// SyncEnqueuer schedules sync passes.
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, req models.SyncRequest) (bool, error)
}

// AccountSource loads accounts.
type AccountSource interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
}

// EventSink receives watch health events.
type EventSink interface {
	Append(ctx context.Context, event *models.Event) error
}

// Config tunes the IDLE watches.
type Config struct {
	// Debounce coalesces a burst of notifications into one sync trigger.
	Debounce time.Duration
	// DegradedAfter is the number of consecutive connection failures after
	// which a mailbox is reported degraded and left to the poller.
	DegradedAfter int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Heartbeat is how often a quiet watch refreshes its liveness timestamp.
	Heartbeat time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	return c
}

// Status is a point-in-time view of one IDLE watch.
type Status struct {
	AccountID     string    `json:"accountId"`
	Mailbox       string    `json:"mailbox"`
	Active        bool      `json:"active"`
	Connected     bool      `json:"connected"`
	Degraded      bool      `json:"degraded"`
	Failures      int       `json:"failures"`
	LastError     string    `json:"lastError,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Coordinator owns every live watch in the process.
type Coordinator struct {
	opener   IdleOpener
	enqueuer SyncEnqueuer
	accounts AccountSource
	events   EventSink
	subs     SubscriptionStore
	provider PushProvider
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	watches map[string]*idleWatch

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator creates a Coordinator. subs and provider may be nil when push is not configured.
func NewCoordinator(opener IdleOpener, enqueuer SyncEnqueuer, accounts AccountSource, events EventSink, subs SubscriptionStore, provider PushProvider, cfg Config) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opener:   opener,
		enqueuer: enqueuer,
		accounts: accounts,
		events:   events,
		subs:     subs,
		provider: provider,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		watches:  make(map[string]*idleWatch),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func watchKey(accountID, mailbox string) string {
	return accountID + "\x00" + mailbox
}

// idleWatch is the bookkeeping of one watch goroutine.
type idleWatch struct {
	accountID string
	mailbox   string
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	heartbeat time.Time
	connected bool
	degraded  bool
	failures  int
	lastError string
}

func (w *idleWatch) touch(now time.Time) {
	w.mu.Lock()
	w.heartbeat = now
	w.mu.Unlock()
}

func (w *idleWatch) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *idleWatch) status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		AccountID:     w.accountID,
		Mailbox:       w.mailbox,
		Active:        !w.exited(),
		Connected:     w.connected,
		Degraded:      w.degraded,
		Failures:      w.failures,
		LastError:     w.lastError,
		LastHeartbeat: w.heartbeat,
	}
}

// StartIdle starts watching a mailbox. Starting an already running watch is a no-op.
func (c *Coordinator) StartIdle(ctx context.Context, accountID, mailbox string) error {
	if _, err := c.accounts.GetAccount(ctx, accountID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return errors.New("watch coordinator is closed")
	}
	key := watchKey(accountID, mailbox)
	if w, ok := c.watches[key]; ok && !w.exited() {
		return nil
	}
	c.startLocked(accountID, mailbox)
	metrics.WatchEvents.WithLabelValues("started").Inc()
	return nil
}

func (c *Coordinator) startLocked(accountID, mailbox string) *idleWatch {
	ctx, cancel := context.WithCancel(c.ctx)
	w := &idleWatch{
		accountID: accountID,
		mailbox:   mailbox,
		cancel:    cancel,
		done:      make(chan struct{}),
		heartbeat: c.now(),
	}
	c.watches[watchKey(accountID, mailbox)] = w
	metrics.ActiveWatches.Inc()
	go c.runIdle(ctx, w)
	return w
}

// StopIdle stops watching a mailbox and waits for its connection to be released.
// Sync state is left alone. Stopping a mailbox that is not watched is a no-op.
func (c *Coordinator) StopIdle(accountID, mailbox string) {
	c.mu.Lock()
	w, ok := c.watches[watchKey(accountID, mailbox)]
	if ok {
		delete(c.watches, watchKey(accountID, mailbox))
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	w.cancel()
	<-w.done
	metrics.WatchEvents.WithLabelValues("stopped").Inc()
}

// Healthy reports whether a mailbox currently has a connected, non-degraded watch.
// The poller skips such mailboxes.
func (c *Coordinator) Healthy(accountID, mailbox string) bool {
	c.mu.Lock()
	w, ok := c.watches[watchKey(accountID, mailbox)]
	c.mu.Unlock()
	if !ok {
		return false
	}
	s := w.status()
	return s.Active && s.Connected && !s.Degraded
}

// Snapshot returns the status of every desired watch, ordered by account and mailbox.
func (c *Coordinator) Snapshot() []Status {
	c.mu.Lock()
	watches := make([]*idleWatch, 0, len(c.watches))
	for _, w := range c.watches {
		watches = append(watches, w)
	}
	c.mu.Unlock()

	out := make([]Status, 0, len(watches))
	for _, w := range watches {
		out = append(out, w.status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Mailbox < out[j].Mailbox
	})
	return out
}

// RestartDeadWatches restarts desired watches whose goroutine exited or whose
// heartbeat is older than staleAfter. It returns how many were restarted.
func (c *Coordinator) RestartDeadWatches(_ context.Context, staleAfter time.Duration) int {
	cutoff := c.now().Add(-staleAfter)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return 0
	}

	restarted := 0
	for _, w := range c.watches {
		s := w.status()
		if s.Active && !s.LastHeartbeat.Before(cutoff) {
			continue
		}
		log.Printf("Watch: restarting %s for account %s (active=%v, last heartbeat %s)", w.mailbox, w.accountID, s.Active, s.LastHeartbeat.Format(time.RFC3339))
		w.cancel()
		c.startLocked(w.accountID, w.mailbox)
		metrics.WatchEvents.WithLabelValues("restarted").Inc()
		restarted++
	}
	return restarted
}

// Close stops every watch.
func (c *Coordinator) Close() {
	c.cancel()

	c.mu.Lock()
	watches := make([]*idleWatch, 0, len(c.watches))
	for key, w := range c.watches {
		watches = append(watches, w)
		delete(c.watches, key)
	}
	c.mu.Unlock()

	for _, w := range watches {
		<-w.done
	}
}

// forget drops w from the desired set if it is still the registered watch.
func (c *Coordinator) forget(w *idleWatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watches[watchKey(w.accountID, w.mailbox)] == w {
		delete(c.watches, watchKey(w.accountID, w.mailbox))
	}
}

// runIdle keeps one mailbox watched until ctx ends, reconnecting with backoff.
func (c *Coordinator) runIdle(ctx context.Context, w *idleWatch) {
	defer metrics.ActiveWatches.Dec()
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Watch: goroutine for %s of account %s panicked: %v", w.mailbox, w.accountID, r)
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for ctx.Err() == nil {
		w.touch(c.now())

		account, err := c.accounts.GetAccount(ctx, w.accountID)
		if errors.Is(err, models.ErrAccountNotFound) {
			log.Printf("Watch: account %s is gone, stopping watch on %s", w.accountID, w.mailbox)
			c.forget(w)
			return
		}

		var live LiveWatch
		if err == nil {
			live, err = c.opener.OpenLiveWatch(ctx, account, w.mailbox)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.recordFailure(ctx, w, err)
			if !c.backOff(ctx, w, b.NextBackOff()) {
				return
			}
			continue
		}

		c.recordConnected(ctx, w)
		b.Reset()
		// Catch up on anything that arrived while we were not listening.
		c.trigger(ctx, w)

		err = c.serve(ctx, w, live)
		_ = live.Close()
		c.setConnected(w, false)
		if ctx.Err() != nil {
			return
		}
		c.recordFailure(ctx, w, err)
		if !c.backOff(ctx, w, b.NextBackOff()) {
			return
		}
	}
}

// serve forwards debounced change signals until the live watch ends or ctx is done.
func (c *Coordinator) serve(ctx context.Context, w *idleWatch, live LiveWatch) error {
	heartbeat := time.NewTicker(c.cfg.Heartbeat)
	defer heartbeat.Stop()

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-live.Done():
			if fire != nil {
				c.trigger(ctx, w)
			}
			if err := live.Err(); err != nil {
				return err
			}
			return errWatchEnded
		case <-live.Changes():
			w.touch(c.now())
			if fire == nil {
				debounce = time.NewTimer(c.cfg.Debounce)
				fire = debounce.C
			}
		case <-fire:
			fire = nil
			debounce = nil
			w.touch(c.now())
			c.trigger(ctx, w)
		case <-heartbeat.C:
			w.touch(c.now())
		}
	}
}

func (c *Coordinator) trigger(ctx context.Context, w *idleWatch) {
	_, err := c.enqueuer.EnqueueSync(ctx, models.SyncRequest{
		AccountID:   w.accountID,
		Mailbox:     w.mailbox,
		Trigger:     models.TriggerIdle,
		RequestedAt: c.now(),
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("Watch: failed to enqueue sync of %s for account %s: %v", w.mailbox, w.accountID, err)
	}
}

func (c *Coordinator) setConnected(w *idleWatch, connected bool) {
	w.mu.Lock()
	w.connected = connected
	w.mu.Unlock()
}

func (c *Coordinator) recordConnected(ctx context.Context, w *idleWatch) {
	w.mu.Lock()
	healed := w.degraded
	w.connected = true
	w.degraded = false
	w.failures = 0
	w.lastError = ""
	w.heartbeat = c.now()
	w.mu.Unlock()

	if healed {
		log.Printf("Watch: %s for account %s is healthy again", w.mailbox, w.accountID)
		metrics.WatchEvents.WithLabelValues("healed").Inc()
		c.emit(ctx, w, models.EventWatchHealed, map[string]any{})
	}
}

func (c *Coordinator) recordFailure(ctx context.Context, w *idleWatch, err error) {
	w.mu.Lock()
	w.failures++
	w.lastError = err.Error()
	failures := w.failures
	degradedNow := !w.degraded && failures >= c.cfg.DegradedAfter
	if degradedNow {
		w.degraded = true
	}
	w.mu.Unlock()

	log.Printf("Watch: %s for account %s failed (%d in a row): %v", w.mailbox, w.accountID, failures, err)
	if degradedNow {
		metrics.WatchEvents.WithLabelValues("degraded").Inc()
		c.emit(ctx, w, models.EventWatchDegraded, map[string]any{
			"failures": failures,
			"error":    err.Error(),
		})
	}
}

func (c *Coordinator) emit(ctx context.Context, w *idleWatch, eventType models.EventType, payload any) {
	if c.events == nil {
		return
	}
	event := models.NewEvent(w.accountID, w.mailbox, eventType, payload)
	if err := c.events.Append(context.WithoutCancel(ctx), &event); err != nil {
		log.Printf("Watch: failed to append %s event: %v", eventType, err)
	}
}

// backOff waits d before the next connection attempt. A waiting watch is alive,
// so its heartbeat keeps ticking.
func (c *Coordinator) backOff(ctx context.Context, w *idleWatch, d time.Duration) bool {
	if d == backoff.Stop {
		d = time.Minute
	}
	t := time.NewTimer(d)
	defer t.Stop()
	heartbeat := time.NewTicker(c.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case <-heartbeat.C:
			w.touch(c.now())
		}
	}
}

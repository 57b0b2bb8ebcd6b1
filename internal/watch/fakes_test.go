package watch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/push"
)

type fakeAccounts struct {
	mu sync.Mutex
	m  map[string]*models.Account
}

func newFakeAccounts(accounts ...*models.Account) *fakeAccounts {
	f := &fakeAccounts{m: make(map[string]*models.Account)}
	for _, a := range accounts {
		f.m[a.ID] = a
	}
	return f
}

func (f *fakeAccounts) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.m[accountID]; ok {
		return a, nil
	}
	return nil, models.ErrAccountNotFound
}

func (f *fakeAccounts) remove(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, accountID)
}

// fakeLive is a LiveWatch driven by the test.
type fakeLive struct {
	changes chan struct{}
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	closed  bool
}

func newFakeLive() *fakeLive {
	return &fakeLive{changes: make(chan struct{}, 1), done: make(chan struct{})}
}

func (l *fakeLive) Changes() <-chan struct{} { return l.changes }
func (l *fakeLive) Done() <-chan struct{}    { return l.done }

func (l *fakeLive) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *fakeLive) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *fakeLive) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// drop ends the watch as if the connection died.
func (l *fakeLive) drop(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	l.once.Do(func() { close(l.done) })
}

func (l *fakeLive) signal() {
	select {
	case l.changes <- struct{}{}:
	default:
	}
}

type fakeOpener struct {
	mu       sync.Mutex
	failures int
	opened   []*fakeLive
}

func (o *fakeOpener) OpenLiveWatch(_ context.Context, _ *models.Account, _ string) (LiveWatch, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failures > 0 {
		o.failures--
		return nil, errors.New("connection refused")
	}
	l := newFakeLive()
	o.opened = append(o.opened, l)
	return l, nil
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

func (o *fakeOpener) last() *fakeLive {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.opened) == 0 {
		return nil
	}
	return o.opened[len(o.opened)-1]
}

type recordingEnqueuer struct {
	mu       sync.Mutex
	reqs     []models.SyncRequest
	failures int
}

func (e *recordingEnqueuer) EnqueueSync(_ context.Context, req models.SyncRequest) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.failures--
		return false, errors.New("job store unavailable")
	}
	e.reqs = append(e.reqs, req)
	return true, nil
}

func (e *recordingEnqueuer) requests() []models.SyncRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.SyncRequest(nil), e.reqs...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingEvents) Append(_ context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *recordingEvents) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// memSubs mirrors the push_subscriptions table semantics.
type memSubs struct {
	mu       sync.Mutex
	accounts *fakeAccounts
	rows     map[string]*models.PushSubscription
}

func newMemSubs(accounts *fakeAccounts) *memSubs {
	return &memSubs{accounts: accounts, rows: make(map[string]*models.PushSubscription)}
}

func (m *memSubs) UpsertPushSubscription(_ context.Context, sub *models.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := watchKey(sub.AccountID, sub.Mailbox)
	row := *sub
	if old, ok := m.rows[key]; ok && old.HistoryCursor > row.HistoryCursor {
		row.HistoryCursor = old.HistoryCursor
	}
	row.Active = true
	row.RenewalFailures = 0
	row.LastError = nil
	m.rows[key] = &row
	return nil
}

func (m *memSubs) GetPushSubscription(_ context.Context, accountID, mailbox string) (*models.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[watchKey(accountID, mailbox)]
	if !ok {
		return nil, db.ErrPushSubscriptionNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memSubs) FindActivePushSubscriptionsByEmail(_ context.Context, email string) ([]*models.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PushSubscription
	for _, row := range m.rows {
		if a, err := m.accounts.GetAccount(context.Background(), row.AccountID); err == nil && a.Email == email && row.Active {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mailbox < out[j].Mailbox })
	return out, nil
}

func (m *memSubs) AdvanceHistoryCursor(_ context.Context, accountID, mailbox string, cursor uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[watchKey(accountID, mailbox)]
	if !ok || !row.Active || row.HistoryCursor >= cursor {
		return false, nil
	}
	row.HistoryCursor = cursor
	return true, nil
}

func (m *memSubs) ListExpiringPushSubscriptions(_ context.Context, before time.Time) ([]*models.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PushSubscription
	for _, row := range m.rows {
		if row.Active && (row.ExpiresAt == nil || row.ExpiresAt.Before(before)) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mailbox < out[j].Mailbox })
	return out, nil
}

func (m *memSubs) RecordPushRenewalFailure(_ context.Context, accountID, mailbox, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[watchKey(accountID, mailbox)]; ok {
		row.RenewalFailures++
		row.LastError = &message
	}
	return nil
}

func (m *memSubs) DeactivatePushSubscription(_ context.Context, accountID, mailbox string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[watchKey(accountID, mailbox)]; ok {
		row.Active = false
	}
	return nil
}

type fakeProvider struct {
	mu           sync.Mutex
	cursor       uint64
	expiresIn    time.Duration
	failMailbox  string
	subscribed   []string
	renewed      []string
	unsubscribed int
}

func (p *fakeProvider) Subscribe(_ context.Context, _ *models.Account, mailbox string) (*push.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed = append(p.subscribed, mailbox)
	return &push.Subscription{Handle: "h-" + mailbox, HistoryCursor: p.cursor, ExpiresAt: time.Now().Add(p.expiresIn)}, nil
}

func (p *fakeProvider) Renew(_ context.Context, _ *models.Account, sub *models.PushSubscription) (*push.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub.Mailbox == p.failMailbox {
		return nil, errors.New("quota exceeded")
	}
	p.renewed = append(p.renewed, sub.Mailbox)
	return &push.Subscription{Handle: sub.Handle, HistoryCursor: sub.HistoryCursor, ExpiresAt: time.Now().Add(7 * 24 * time.Hour)}, nil
}

func (p *fakeProvider) Unsubscribe(context.Context, *models.Account, *models.PushSubscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribed++
	return nil
}

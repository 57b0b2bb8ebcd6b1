package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vdavid/mailsync/internal/jobs"
	"github.com/vdavid/mailsync/internal/models"
)

func stateKey(accountID, mailbox string) string {
	return accountID + "/" + mailbox
}

// memStates mirrors the compare-and-set semantics of the Postgres sync state store.
type memStates struct {
	mu           sync.Mutex
	rows         map[string]*models.MailboxSyncState
	now          func() time.Time
	checkpoints  int
	onCheckpoint func(row *models.MailboxSyncState, n int)
}

func newMemStates() *memStates {
	return &memStates{rows: map[string]*models.MailboxSyncState{}, now: time.Now}
}

func (m *memStates) get(accountID, mailbox string) models.MailboxSyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[stateKey(accountID, mailbox)]
}

func (m *memStates) set(accountID, mailbox string, fn func(*models.MailboxSyncState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[stateKey(accountID, mailbox)]
	if !ok {
		row = &models.MailboxSyncState{AccountID: accountID, Mailbox: mailbox, Status: models.SyncStatusIdle}
		m.rows[stateKey(accountID, mailbox)] = row
	}
	fn(row)
}

func (m *memStates) EnsureSyncState(_ context.Context, accountID, mailbox string) (*models.MailboxSyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[stateKey(accountID, mailbox)]
	if !ok {
		row = &models.MailboxSyncState{AccountID: accountID, Mailbox: mailbox, Status: models.SyncStatusIdle, UpdatedAt: m.now()}
		m.rows[stateKey(accountID, mailbox)] = row
	}
	c := *row
	return &c, nil
}

func (m *memStates) MarkQueued(_ context.Context, accountID, mailbox string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[stateKey(accountID, mailbox)]
	if row == nil || row.Status.InFlight() || row.Status == models.SyncStatusQueued {
		return false, nil
	}
	row.Status = models.SyncStatusQueued
	row.UpdatedAt = m.now()
	return true, nil
}

func (m *memStates) TryBeginSync(_ context.Context, accountID, mailbox string) (*models.MailboxSyncState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[stateKey(accountID, mailbox)]
	if row.Status.InFlight() {
		c := *row
		return &c, false, nil
	}
	now := m.now()
	row.Status = models.SyncStatusSyncing
	row.PassGeneration++
	row.SyncStartedAt = &now
	row.Progress = models.SyncProgress{}
	row.UpdatedAt = now
	c := *row
	return &c, true, nil
}

func (m *memStates) held(hold models.SyncHold) (*models.MailboxSyncState, error) {
	row := m.rows[stateKey(hold.AccountID, hold.Mailbox)]
	if row == nil || !row.Status.InFlight() || row.PassGeneration != hold.Generation {
		return nil, models.ErrSyncNotHeld
	}
	return row, nil
}

func (m *memStates) ResetEpoch(_ context.Context, hold models.SyncHold, uidValidity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, err := m.held(hold)
	if err != nil {
		return err
	}
	row.UIDValidity = uidValidity
	row.LastSeenUID = 0
	row.HighestUID = 0
	row.ModSeq = nil
	row.LastFullReconcileAt = nil
	return nil
}

// Checkpoint runs onCheckpoint before checking the hold, so a test can take
// the mailbox away from a pass in the middle of it.
func (m *memStates) Checkpoint(_ context.Context, hold models.SyncHold, progress models.SyncProgress) (models.SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints++
	if row := m.rows[stateKey(hold.AccountID, hold.Mailbox)]; row != nil && m.onCheckpoint != nil {
		m.onCheckpoint(row, m.checkpoints)
	}
	row, err := m.held(hold)
	if err != nil {
		return "", err
	}
	row.Progress = progress
	return row.Status, nil
}

func (m *memStates) finish(hold models.SyncHold, status models.SyncStatus, commit models.PassCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, err := m.held(hold)
	if err != nil {
		return err
	}
	wm := row.Watermark().Advance(commit.Watermark)
	row.LastSeenUID = wm.LastSeenUID
	row.HighestUID = wm.HighestUID
	row.ModSeq = wm.ModSeq
	row.Status = status
	row.Progress = commit.Progress
	now := m.now()
	if commit.Reconciled {
		row.LastFullReconcileAt = &now
	}
	if status == models.SyncStatusCompleted {
		row.SyncCompletedAt = &now
		row.SyncError = nil
	}
	row.UpdatedAt = now
	return nil
}

func (m *memStates) CompletePass(_ context.Context, hold models.SyncHold, commit models.PassCommit) error {
	return m.finish(hold, models.SyncStatusCompleted, commit)
}

func (m *memStates) FinishCancelled(_ context.Context, hold models.SyncHold, commit models.PassCommit) error {
	return m.finish(hold, models.SyncStatusCancelled, commit)
}

func (m *memStates) FailPass(_ context.Context, hold models.SyncHold, message string, progress models.SyncProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, err := m.held(hold)
	if err != nil {
		return err
	}
	msg := models.TruncateSyncError(message)
	row.Status = models.SyncStatusError
	row.SyncError = &msg
	row.Progress = progress
	row.UpdatedAt = m.now()
	return nil
}

func (m *memStates) ListSyncStatesDueForPoll(_ context.Context, cutoff time.Time) ([]*models.MailboxSyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MailboxSyncState
	for _, row := range m.rows {
		if row.Status.InFlight() || row.Status == models.SyncStatusQueued {
			continue
		}
		if row.SyncCompletedAt != nil && !row.SyncCompletedAt.Before(cutoff) {
			continue
		}
		c := *row
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mailbox < out[j].Mailbox })
	return out, nil
}

type storedMessage struct {
	validity string
	delta    models.MessageDelta
}

// memMessages is a local mirror keyed by account/mailbox and UID.
type memMessages struct {
	mu    sync.Mutex
	boxes map[string]map[int64]storedMessage
}

func newMemMessages() *memMessages {
	return &memMessages{boxes: map[string]map[int64]storedMessage{}}
}

func (m *memMessages) box(accountID, mailbox string) map[int64]storedMessage {
	k := stateKey(accountID, mailbox)
	if m.boxes[k] == nil {
		m.boxes[k] = map[int64]storedMessage{}
	}
	return m.boxes[k]
}

func (m *memMessages) count(accountID, mailbox string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.box(accountID, mailbox))
}

func (m *memMessages) UpsertMessages(_ context.Context, accountID, mailbox, uidValidity string, deltas []models.MessageDelta) ([]models.MessageChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := m.box(accountID, mailbox)
	var changes []models.MessageChange
	for _, d := range deltas {
		existing, ok := box[d.UID]
		box[d.UID] = storedMessage{validity: uidValidity, delta: d}
		switch {
		case !ok:
			changes = append(changes, models.MessageChange{Kind: models.ChangeInserted, UID: d.UID, MessageID: d.MessageID})
		case existing.validity != uidValidity || existing.delta.Seen != d.Seen || existing.delta.Flagged != d.Flagged || existing.delta.Subject != d.Subject:
			changes = append(changes, models.MessageChange{Kind: models.ChangeUpdated, UID: d.UID, MessageID: d.MessageID})
		}
	}
	return changes, nil
}

func (m *memMessages) ApplyFlagUpdates(_ context.Context, accountID, mailbox string, updates []models.FlagUpdate) ([]models.MessageChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := m.box(accountID, mailbox)
	var changes []models.MessageChange
	for _, u := range updates {
		existing, ok := box[u.UID]
		if !ok || (existing.delta.Seen == u.Seen && existing.delta.Flagged == u.Flagged) {
			continue
		}
		existing.delta.Seen = u.Seen
		existing.delta.Flagged = u.Flagged
		box[u.UID] = existing
		changes = append(changes, models.MessageChange{Kind: models.ChangeUpdated, UID: u.UID, MessageID: existing.delta.MessageID})
	}
	return changes, nil
}

func (m *memMessages) ListMailboxUIDs(_ context.Context, accountID, mailbox, uidValidity string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uids []int64
	for uid, msg := range m.box(accountID, mailbox) {
		if msg.validity == uidValidity {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (m *memMessages) ListRecentUIDs(_ context.Context, accountID, mailbox string, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uids []int64
	for uid := range m.box(accountID, mailbox) {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, nil
}

func (m *memMessages) DeleteMessagesOutsideEpoch(_ context.Context, accountID, mailbox, uidValidity string) ([]models.MessageChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := m.box(accountID, mailbox)
	var changes []models.MessageChange
	for uid, msg := range box {
		if msg.validity != uidValidity {
			delete(box, uid)
			changes = append(changes, models.MessageChange{Kind: models.ChangeRemoved, UID: uid, MessageID: msg.delta.MessageID})
		}
	}
	return changes, nil
}

func (m *memMessages) DeleteMessagesByUID(_ context.Context, accountID, mailbox string, uids []int64) ([]models.MessageChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := m.box(accountID, mailbox)
	var changes []models.MessageChange
	for _, uid := range uids {
		if msg, ok := box[uid]; ok {
			delete(box, uid)
			changes = append(changes, models.MessageChange{Kind: models.ChangeRemoved, UID: uid, MessageID: msg.delta.MessageID})
		}
	}
	return changes, nil
}

type fakeAccounts struct{}

func (fakeAccounts) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	if accountID == "missing" {
		return nil, models.ErrAccountNotFound
	}
	return &models.Account{ID: accountID, Email: accountID + "@example.com", Provider: models.ProviderIMAP}, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingEvents) Append(_ context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = int64(len(r.events) + 1)
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

func (r *recordingEvents) countOf(t models.EventType) int {
	n := 0
	for _, got := range r.types() {
		if got == t {
			n++
		}
	}
	return n
}

// fakeMailbox is the remote side of one mailbox.
type fakeMailbox struct {
	validity string
	messages []models.MessageDelta
	modseq   *int64
}

func (b *fakeMailbox) add(uids ...int64) {
	for _, uid := range uids {
		b.messages = append(b.messages, models.MessageDelta{
			UID:        uid,
			MessageID:  fmt.Sprintf("m%d@example.com", uid),
			Subject:    fmt.Sprintf("Message %d", uid),
			ReceivedAt: time.Date(2024, 1, 1, 0, 0, int(uid), 0, time.UTC),
		})
	}
	sort.Slice(b.messages, func(i, j int) bool { return b.messages[i].UID < b.messages[j].UID })
}

func (b *fakeMailbox) top() int64 {
	if len(b.messages) == 0 {
		return 0
	}
	return b.messages[len(b.messages)-1].UID
}

// fakeTransport serves fakeMailboxes and injects failures by fetch count.
type fakeTransport struct {
	mu    sync.Mutex
	boxes map[string]*fakeMailbox

	openErr  error
	openGate chan struct{}

	fetchErr            error
	failAfterFetches    int
	validityChangeAfter int
	panicOnFetch        bool

	opened  int
	closed  int
	fetches int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{boxes: map[string]*fakeMailbox{}}
}

func (t *fakeTransport) mailbox(name, validity string) *fakeMailbox {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &fakeMailbox{validity: validity}
	t.boxes[name] = b
	return b
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

func (t *fakeTransport) Open(_ context.Context, _ *models.Account, mailbox string) (Session, error) {
	t.mu.Lock()
	t.opened++
	gate := t.openGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	b, ok := t.boxes[mailbox]
	if !ok {
		return nil, fmt.Errorf("no mailbox %q: %w", mailbox, ErrRemoteProtocol)
	}
	return &fakeSession{t: t, box: b, name: mailbox, validity: b.validity}, nil
}

func (t *fakeTransport) ListMailboxes(context.Context, *models.Account) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var names []string
	for name := range t.boxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type fakeSession struct {
	t        *fakeTransport
	box      *fakeMailbox
	name     string
	validity string
}

func (s *fakeSession) Mailbox() models.RemoteMailbox {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return models.RemoteMailbox{
		Name:          s.name,
		UIDValidity:   s.validity,
		UIDNext:       s.box.top() + 1,
		Messages:      len(s.box.messages),
		HighestModSeq: s.box.modseq,
	}
}

// beforeFetch must be called with the transport lock held.
func (s *fakeSession) beforeFetch() error {
	s.t.fetches++
	if s.t.panicOnFetch {
		panic("connection state corrupted")
	}
	if s.t.fetchErr != nil && s.t.fetches > s.t.failAfterFetches {
		return s.t.fetchErr
	}
	if s.t.validityChangeAfter > 0 && s.t.fetches > s.t.validityChangeAfter {
		return &models.UIDValidityChangedError{Mailbox: s.name, Previous: s.validity, Current: s.validity + "1"}
	}
	return nil
}

func (s *fakeSession) FetchChanges(_ context.Context, since models.Watermark, limit int) (*ChangeBatch, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if err := s.beforeFetch(); err != nil {
		return nil, err
	}

	var newer []models.MessageDelta
	for _, m := range s.box.messages {
		if m.UID > since.LastSeenUID {
			newer = append(newer, m)
		}
	}
	batch := &ChangeBatch{Watermark: models.Watermark{HighestUID: s.box.top()}}
	if len(newer) > limit {
		batch.Remaining = len(newer) - limit
		newer = newer[:limit]
	}
	batch.Messages = newer
	if len(newer) > 0 {
		batch.Watermark.LastSeenUID = newer[len(newer)-1].UID
	}
	return batch, nil
}

func (s *fakeSession) ListUIDs(context.Context) ([]int64, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if err := s.beforeFetch(); err != nil {
		return nil, err
	}
	uids := make([]int64, 0, len(s.box.messages))
	for _, m := range s.box.messages {
		uids = append(uids, m.UID)
	}
	return uids, nil
}

func (s *fakeSession) FetchMessages(_ context.Context, uids []int64) ([]models.MessageDelta, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if err := s.beforeFetch(); err != nil {
		return nil, err
	}
	want := map[int64]bool{}
	for _, uid := range uids {
		want[uid] = true
	}
	var out []models.MessageDelta
	for _, m := range s.box.messages {
		if want[m.UID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeSession) FetchFlags(_ context.Context, uids []int64) ([]models.FlagUpdate, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	want := map[int64]bool{}
	for _, uid := range uids {
		want[uid] = true
	}
	var out []models.FlagUpdate
	for _, m := range s.box.messages {
		if want[m.UID] {
			out = append(out, models.FlagUpdate{UID: m.UID, Seen: m.Seen, Flagged: m.Flagged})
		}
	}
	return out, nil
}

func (s *fakeSession) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.closed++
	return nil
}

// recordingQueue captures enqueued jobs and applies pending-dedupe.
type recordingQueue struct {
	mu      sync.Mutex
	kinds   []string
	reqs    []models.SyncRequest
	opts    []jobs.EnqueueOptions
	pending map[string]bool
	err     error
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{pending: map[string]bool{}}
}

func (q *recordingQueue) Enqueue(_ context.Context, kind string, payload any, opts jobs.EnqueueOptions) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	if opts.DedupeKey != "" && q.pending[opts.DedupeKey] {
		return false, nil
	}
	q.pending[opts.DedupeKey] = true
	q.kinds = append(q.kinds, kind)
	if req, ok := payload.(models.SyncRequest); ok {
		q.reqs = append(q.reqs, req)
	}
	q.opts = append(q.opts, opts)
	return true, nil
}

func (q *recordingQueue) requests() []models.SyncRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.SyncRequest(nil), q.reqs...)
}

package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// The stores below bind the package-level functions to a pool so services can
// depend on small interfaces and be tested with fakes.

// SyncStateStore persists per-mailbox sync state.
type SyncStateStore struct {
	pool *pgxpool.Pool
}

// NewSyncStateStore creates a SyncStateStore that uses the given database pool.
func NewSyncStateStore(pool *pgxpool.Pool) *SyncStateStore {
	return &SyncStateStore{pool: pool}
}

func (s *SyncStateStore) EnsureSyncState(ctx context.Context, accountID, mailbox string) (*models.MailboxSyncState, error) {
	return EnsureSyncState(ctx, s.pool, accountID, mailbox)
}

func (s *SyncStateStore) GetSyncState(ctx context.Context, accountID, mailbox string) (*models.MailboxSyncState, error) {
	return GetSyncState(ctx, s.pool, accountID, mailbox)
}

func (s *SyncStateStore) ListSyncStates(ctx context.Context, accountID string) ([]*models.MailboxSyncState, error) {
	return ListSyncStates(ctx, s.pool, accountID)
}

func (s *SyncStateStore) ListSyncStatesDueForPoll(ctx context.Context, cutoff time.Time) ([]*models.MailboxSyncState, error) {
	return ListSyncStatesDueForPoll(ctx, s.pool, cutoff)
}

func (s *SyncStateStore) MarkQueued(ctx context.Context, accountID, mailbox string) (bool, error) {
	return MarkQueued(ctx, s.pool, accountID, mailbox)
}

func (s *SyncStateStore) TryBeginSync(ctx context.Context, accountID, mailbox string) (*models.MailboxSyncState, bool, error) {
	return TryBeginSync(ctx, s.pool, accountID, mailbox)
}

func (s *SyncStateStore) ResetEpoch(ctx context.Context, hold models.SyncHold, uidValidity string) error {
	return ResetEpoch(ctx, s.pool, hold, uidValidity)
}

func (s *SyncStateStore) Checkpoint(ctx context.Context, hold models.SyncHold, progress models.SyncProgress) (models.SyncStatus, error) {
	return Checkpoint(ctx, s.pool, hold, progress)
}

func (s *SyncStateStore) CompletePass(ctx context.Context, hold models.SyncHold, commit models.PassCommit) error {
	return CompletePass(ctx, s.pool, hold, commit)
}

func (s *SyncStateStore) FinishCancelled(ctx context.Context, hold models.SyncHold, commit models.PassCommit) error {
	return FinishCancelled(ctx, s.pool, hold, commit)
}

func (s *SyncStateStore) FailPass(ctx context.Context, hold models.SyncHold, message string, progress models.SyncProgress) error {
	return FailPass(ctx, s.pool, hold, message, progress)
}

func (s *SyncStateStore) RequestCancel(ctx context.Context, accountID, mailbox string) (models.SyncStatus, error) {
	return RequestCancel(ctx, s.pool, accountID, mailbox)
}

func (s *SyncStateStore) ListStaleSyncs(ctx context.Context, startedBefore time.Time) ([]*models.MailboxSyncState, error) {
	return ListStaleSyncs(ctx, s.pool, startedBefore)
}

func (s *SyncStateStore) ReapStaleSync(ctx context.Context, accountID, mailbox string, startedBefore time.Time, message string) (bool, error) {
	return ReapStaleSync(ctx, s.pool, accountID, mailbox, startedBefore, message)
}

func (s *SyncStateStore) ReapStaleCancels(ctx context.Context, startedBefore time.Time) (int64, error) {
	return ReapStaleCancels(ctx, s.pool, startedBefore)
}

// MessageStore persists the local mailbox mirror.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore creates a MessageStore that uses the given database pool.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func (s *MessageStore) UpsertMessages(ctx context.Context, accountID, mailbox, uidValidity string, deltas []models.MessageDelta) ([]models.MessageChange, error) {
	return UpsertMessages(ctx, s.pool, accountID, mailbox, uidValidity, deltas)
}

func (s *MessageStore) ApplyFlagUpdates(ctx context.Context, accountID, mailbox string, updates []models.FlagUpdate) ([]models.MessageChange, error) {
	return ApplyFlagUpdates(ctx, s.pool, accountID, mailbox, updates)
}

func (s *MessageStore) ListMailboxUIDs(ctx context.Context, accountID, mailbox, uidValidity string) ([]int64, error) {
	return ListMailboxUIDs(ctx, s.pool, accountID, mailbox, uidValidity)
}

func (s *MessageStore) ListRecentUIDs(ctx context.Context, accountID, mailbox string, limit int) ([]int64, error) {
	return ListRecentUIDs(ctx, s.pool, accountID, mailbox, limit)
}

func (s *MessageStore) CountMailboxMessages(ctx context.Context, accountID, mailbox string) (int, error) {
	return CountMailboxMessages(ctx, s.pool, accountID, mailbox)
}

func (s *MessageStore) DeleteMessagesOutsideEpoch(ctx context.Context, accountID, mailbox, uidValidity string) ([]models.MessageChange, error) {
	return DeleteMessagesOutsideEpoch(ctx, s.pool, accountID, mailbox, uidValidity)
}

func (s *MessageStore) DeleteMessagesByUID(ctx context.Context, accountID, mailbox string, uids []int64) ([]models.MessageChange, error) {
	return DeleteMessagesByUID(ctx, s.pool, accountID, mailbox, uids)
}

func (s *MessageStore) GetThreadForAccount(ctx context.Context, accountID, threadID string) (*models.Thread, error) {
	return GetThreadForAccount(ctx, s.pool, accountID, threadID)
}

func (s *MessageStore) GetMessagesForThread(ctx context.Context, threadID string) ([]*models.Message, error) {
	return GetMessagesForThread(ctx, s.pool, threadID)
}

// EventStore persists the sync event log.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore that uses the given database pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

func (s *EventStore) AppendEvent(ctx context.Context, event *models.Event) error {
	return AppendEvent(ctx, s.pool, event)
}

func (s *EventStore) ListEventsSince(ctx context.Context, accountID string, since int64, limit int) ([]models.Event, error) {
	return ListEventsSince(ctx, s.pool, accountID, since, limit)
}

// SendAttemptStore persists the idempotent send ledger.
type SendAttemptStore struct {
	pool *pgxpool.Pool
}

// NewSendAttemptStore creates a SendAttemptStore that uses the given database pool.
func NewSendAttemptStore(pool *pgxpool.Pool) *SendAttemptStore {
	return &SendAttemptStore{pool: pool}
}

func (s *SendAttemptStore) CreateSendAttempt(ctx context.Context, accountID, key, identity string, envelope *models.OutboundEnvelope) (*models.SendAttempt, bool, error) {
	return CreateSendAttempt(ctx, s.pool, accountID, key, identity, envelope)
}

func (s *SendAttemptStore) GetSendAttempt(ctx context.Context, accountID, key string) (*models.SendAttempt, error) {
	return GetSendAttempt(ctx, s.pool, accountID, key)
}

func (s *SendAttemptStore) ClaimSend(ctx context.Context, accountID, key, identity string) (*models.SendAttempt, bool, error) {
	return ClaimSend(ctx, s.pool, accountID, key, identity)
}

func (s *SendAttemptStore) FinalizeSendSuccess(ctx context.Context, accountID, key string, result json.RawMessage) error {
	return FinalizeSendSuccess(ctx, s.pool, accountID, key, result)
}

func (s *SendAttemptStore) FinalizeSendFailure(ctx context.Context, accountID, key, message string, retriable bool) (models.SendStatus, error) {
	return FinalizeSendFailure(ctx, s.pool, accountID, key, message, retriable)
}

func (s *SendAttemptStore) AbandonStuckSends(ctx context.Context, claimedBefore time.Time, message string) ([]*models.SendAttempt, error) {
	return AbandonStuckSends(ctx, s.pool, claimedBefore, message)
}

// PushSubscriptionStore persists push notification subscriptions.
type PushSubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewPushSubscriptionStore creates a PushSubscriptionStore that uses the given database pool.
func NewPushSubscriptionStore(pool *pgxpool.Pool) *PushSubscriptionStore {
	return &PushSubscriptionStore{pool: pool}
}

func (s *PushSubscriptionStore) UpsertPushSubscription(ctx context.Context, sub *models.PushSubscription) error {
	return UpsertPushSubscription(ctx, s.pool, sub)
}

func (s *PushSubscriptionStore) GetPushSubscription(ctx context.Context, accountID, mailbox string) (*models.PushSubscription, error) {
	return GetPushSubscription(ctx, s.pool, accountID, mailbox)
}

func (s *PushSubscriptionStore) FindActivePushSubscriptionsByEmail(ctx context.Context, email string) ([]*models.PushSubscription, error) {
	return FindActivePushSubscriptionsByEmail(ctx, s.pool, email)
}

func (s *PushSubscriptionStore) AdvanceHistoryCursor(ctx context.Context, accountID, mailbox string, cursor uint64) (bool, error) {
	return AdvanceHistoryCursor(ctx, s.pool, accountID, mailbox, cursor)
}

func (s *PushSubscriptionStore) ListExpiringPushSubscriptions(ctx context.Context, before time.Time) ([]*models.PushSubscription, error) {
	return ListExpiringPushSubscriptions(ctx, s.pool, before)
}

func (s *PushSubscriptionStore) RecordPushRenewalFailure(ctx context.Context, accountID, mailbox, message string) error {
	return RecordPushRenewalFailure(ctx, s.pool, accountID, mailbox, message)
}

func (s *PushSubscriptionStore) DeactivatePushSubscription(ctx context.Context, accountID, mailbox string) error {
	return DeactivatePushSubscription(ctx, s.pool, accountID, mailbox)
}

// JobStore persists the job queue.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a JobStore that uses the given database pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func (s *JobStore) EnqueueJob(ctx context.Context, job models.NewJob) (int64, bool, error) {
	return EnqueueJob(ctx, s.pool, job)
}

func (s *JobStore) ClaimJob(ctx context.Context, workerID string, kinds []string) (*models.Job, error) {
	return ClaimJob(ctx, s.pool, workerID, kinds)
}

func (s *JobStore) CompleteJob(ctx context.Context, id int64, workerID string) (bool, error) {
	return CompleteJob(ctx, s.pool, id, workerID)
}

func (s *JobStore) FailJob(ctx context.Context, id int64, workerID, message string) (bool, error) {
	return FailJob(ctx, s.pool, id, workerID, message)
}

func (s *JobStore) RetryJob(ctx context.Context, id int64, workerID string, runAt time.Time, message string) (bool, error) {
	return RetryJob(ctx, s.pool, id, workerID, runAt, message)
}

func (s *JobStore) ReleaseExpiredLocks(ctx context.Context, lockedBefore time.Time) (int, error) {
	return ReleaseExpiredLocks(ctx, s.pool, lockedBefore)
}

// AccountStore reads connected mail accounts.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates an AccountStore that uses the given database pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

func (s *AccountStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return GetAccount(ctx, s.pool, accountID)
}

func (s *AccountStore) GetAccountForUser(ctx context.Context, userID, accountID string) (*models.Account, error) {
	return GetAccountForUser(ctx, s.pool, userID, accountID)
}

func (s *AccountStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	return ListAccounts(ctx, s.pool)
}

// UserStore resolves signed-in users.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a UserStore that uses the given database pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func (s *UserStore) GetOrCreateUser(ctx context.Context, email string) (string, error) {
	return GetOrCreateUser(ctx, s.pool, email)
}

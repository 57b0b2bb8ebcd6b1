package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/outbound"
	"github.com/vdavid/mailsync/internal/push"
	"github.com/vdavid/mailsync/internal/watch"
)

const (
	testUserEmail  = "user@example.com"
	testUserID     = "user-1"
	testAccountID  = "acc-1"
	otherAccountID = "acc-other"
)

// staticUsers resolves known emails to fixed ids and any other email to a derived one.
type staticUsers map[string]string

func (u staticUsers) GetOrCreateUser(_ context.Context, email string) (string, error) {
	if id, ok := u[email]; ok {
		return id, nil
	}
	return "user-" + email, nil
}

// ownedAccounts gives testUserID the single account testAccountID.
type ownedAccounts struct{}

func (ownedAccounts) GetAccountForUser(_ context.Context, userID, accountID string) (*models.Account, error) {
	if userID == testUserID && accountID == testAccountID {
		return &models.Account{ID: testAccountID, UserID: testUserID, Email: testUserEmail, Provider: models.ProviderGmail}, nil
	}
	return nil, models.ErrAccountNotFound
}

func testGuard() (UserResolver, AccountOwnership) {
	return staticUsers{testUserEmail: testUserID}, ownedAccounts{}
}

// createRequestWithUser creates an HTTP request with user email in context.
func createRequestWithUser(method, url, email string) *http.Request {
	req := httptest.NewRequest(method, url, nil)
	return req.WithContext(auth.WithUserEmail(req.Context(), email))
}

// createJSONRequestWithUser creates an authenticated request with a JSON body.
func createJSONRequestWithUser(t *testing.T, method, url, email string, body any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(method, url, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(auth.WithUserEmail(req.Context(), email))
}

// VerifyAuthCheck verifies that the handler returns 401 Unauthorized when no user is in context.
func VerifyAuthCheck(t *testing.T, handlerFunc http.HandlerFunc, method, url string) {
	t.Helper()
	req := httptest.NewRequest(method, url, bytes.NewReader([]byte(`{"account_id":"acc-1","mailbox":"INBOX"}`)))
	rr := httptest.NewRecorder()
	handlerFunc(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "Expected status 401 when no user email in context")
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) EnqueueSync(ctx context.Context, req models.SyncRequest) (bool, error) {
	args := m.Called(ctx, req)
	return args.Bool(0), args.Error(1)
}

func (m *mockDispatcher) EnqueueAll(ctx context.Context, accountID string, trigger models.SyncTrigger) ([]string, error) {
	args := m.Called(ctx, accountID, trigger)
	names, _ := args.Get(0).([]string)
	return names, args.Error(1)
}

type mockSyncStates struct {
	mock.Mock
}

func (m *mockSyncStates) ListSyncStates(ctx context.Context, accountID string) ([]*models.MailboxSyncState, error) {
	args := m.Called(ctx, accountID)
	states, _ := args.Get(0).([]*models.MailboxSyncState)
	return states, args.Error(1)
}

func (m *mockSyncStates) RequestCancel(ctx context.Context, accountID, mailbox string) (models.SyncStatus, error) {
	args := m.Called(ctx, accountID, mailbox)
	return args.Get(0).(models.SyncStatus), args.Error(1)
}

type mockWatcher struct {
	mock.Mock
}

func (m *mockWatcher) StartIdle(ctx context.Context, accountID, mailbox string) error {
	return m.Called(ctx, accountID, mailbox).Error(0)
}

func (m *mockWatcher) StopIdle(accountID, mailbox string) {
	m.Called(accountID, mailbox)
}

func (m *mockWatcher) EnablePush(ctx context.Context, accountID, mailbox string) (*models.PushSubscription, error) {
	args := m.Called(ctx, accountID, mailbox)
	sub, _ := args.Get(0).(*models.PushSubscription)
	return sub, args.Error(1)
}

func (m *mockWatcher) DisablePush(ctx context.Context, accountID, mailbox string) error {
	return m.Called(ctx, accountID, mailbox).Error(0)
}

func (m *mockWatcher) HandlePush(ctx context.Context, n push.Notification) (int, error) {
	args := m.Called(ctx, n)
	return args.Int(0), args.Error(1)
}

func (m *mockWatcher) Snapshot() []watch.Status {
	args := m.Called()
	statuses, _ := args.Get(0).([]watch.Status)
	return statuses
}

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, accountID, identity, key string, env *models.OutboundEnvelope) (*outbound.SubmitResult, error) {
	args := m.Called(ctx, accountID, identity, key, env)
	result, _ := args.Get(0).(*outbound.SubmitResult)
	return result, args.Error(1)
}

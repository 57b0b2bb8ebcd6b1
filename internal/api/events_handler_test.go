package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingEventServer remembers the arguments of the last ServeSSE call.
type recordingEventServer struct {
	accountID string
	since     int64
	calls     int
}

func (s *recordingEventServer) ServeSSE(_ context.Context, w http.ResponseWriter, accountID string, since int64) error {
	s.accountID = accountID
	s.since = since
	s.calls++
	w.WriteHeader(http.StatusOK)
	return nil
}

func TestEventsHandler_Stream(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		lastEventID string
		expectCode  int
		expectSince int64
	}{
		{"starts from the beginning", "/api/v1/events?account_id=acc-1", "", http.StatusOK, 0},
		{"resumes from since", "/api/v1/events?account_id=acc-1&since=41", "", http.StatusOK, 41},
		{"prefers Last-Event-ID", "/api/v1/events?account_id=acc-1&since=41", "57", http.StatusOK, 57},
		{"rejects a negative since", "/api/v1/events?account_id=acc-1&since=-1", "", http.StatusBadRequest, 0},
		{"rejects a non-numeric since", "/api/v1/events?account_id=acc-1&since=abc", "", http.StatusBadRequest, 0},
		{"hides another user's account", "/api/v1/events?account_id=acc-other", "", http.StatusNotFound, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := &recordingEventServer{}
			users, accounts := testGuard()
			h := NewEventsHandler(users, accounts, server)

			req := createRequestWithUser(http.MethodGet, tt.url, testUserEmail)
			if tt.lastEventID != "" {
				req.Header.Set("Last-Event-ID", tt.lastEventID)
			}
			rr := httptest.NewRecorder()
			h.Stream(rr, req)

			assert.Equal(t, tt.expectCode, rr.Code)
			if tt.expectCode == http.StatusOK {
				assert.Equal(t, 1, server.calls)
				assert.Equal(t, testAccountID, server.accountID)
				assert.Equal(t, tt.expectSince, server.since)
			} else {
				assert.Zero(t, server.calls)
			}
		})
	}

	t.Run("returns 401 when no user email in context", func(t *testing.T) {
		h := NewEventsHandler(staticUsers{}, ownedAccounts{}, &recordingEventServer{})
		VerifyAuthCheck(t, h.Stream, http.MethodGet, "/api/v1/events?account_id=acc-1")
	})
}

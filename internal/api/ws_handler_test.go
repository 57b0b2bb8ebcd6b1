package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/auth"
	ws "github.com/vdavid/mailsync/internal/websocket"
)

func TestWebSocketHandler_Connection(t *testing.T) {
	users, accounts := testGuard()
	hub := ws.NewHub(10)
	watches := &mockWatcher{}
	watches.On("StartIdle", mock.Anything, testAccountID, "INBOX").Return(nil)
	handler := NewWebSocketHandler(users, accounts, auth.NewVerifier("", true), hub, watches)

	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer server.Close()

	wsBase := "ws" + strings.TrimPrefix(server.URL, "http")

	t.Run("connects and receives account events", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsBase+"?account_id=acc-1&token=email:"+testUserEmail, nil)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		require.Eventually(t, func() bool { return hub.ActiveConnections(testAccountID) == 1 }, time.Second, 10*time.Millisecond)
		watches.AssertCalled(t, "StartIdle", mock.Anything, testAccountID, "INBOX")

		hub.Send(testAccountID, []byte(`{"eventType":"sync_started"}`))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"eventType":"sync_started"}`, string(msg))
	})

	t.Run("unregisters on disconnect", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsBase+"?account_id=acc-1&token=email:"+testUserEmail, nil)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return hub.ActiveConnections(testAccountID) == 1 }, time.Second, 10*time.Millisecond)

		require.NoError(t, conn.Close())

		require.Eventually(t, func() bool { return hub.ActiveConnections(testAccountID) == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("accepts the Authorization header", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer email:"+testUserEmail)
		conn, _, err := websocket.DefaultDialer.Dial(wsBase+"?account_id=acc-1", header)
		require.NoError(t, err)
		_ = conn.Close()
	})

	rejected := []struct {
		name       string
		query      string
		expectCode int
	}{
		{"without token", "?account_id=acc-1", http.StatusUnauthorized},
		{"with an invalid token", "?account_id=acc-1&token=not-a-jwt", http.StatusUnauthorized},
		{"without account", "?token=email:" + testUserEmail, http.StatusBadRequest},
		{"for another user's account", "?account_id=acc-other&token=email:" + testUserEmail, http.StatusNotFound},
	}
	for _, tt := range rejected {
		t.Run("rejects connection "+tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsBase+tt.query, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.expectCode, resp.StatusCode)
		})
	}
}

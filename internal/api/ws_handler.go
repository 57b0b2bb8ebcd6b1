package api

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/vdavid/mailsync/internal/auth"
	ws "github.com/vdavid/mailsync/internal/websocket"
)

// TokenValidator turns a bearer token into the user's email. *auth.Verifier satisfies it.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// IdleStarter keeps an IDLE watch running. *watch.Coordinator satisfies it.
type IdleStarter interface {
	StartIdle(ctx context.Context, accountID, mailbox string) error
}

// WebSocketHandler handles the /api/v1/ws endpoint for real-time updates.
type WebSocketHandler struct {
	accountGuard
	tokens  TokenValidator
	hub     *ws.Hub
	watches IdleStarter
}

// NewWebSocketHandler creates a new WebSocketHandler instance. watches may be nil.
func NewWebSocketHandler(users UserResolver, accounts AccountOwnership, tokens TokenValidator, hub *ws.Hub, watches IdleStarter) *WebSocketHandler {
	return &WebSocketHandler{
		accountGuard: accountGuard{users: users, accounts: accounts},
		tokens:       tokens,
		hub:          hub,
		watches:      watches,
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// This server is expected to run behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and registers it with the Hub
// under ?account_id=. Authentication is handled via query parameter (?token=...)
// since WebSocket connections cannot set custom headers in browsers.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		// Tools that can set headers may use the Authorization header instead.
		token = auth.BearerToken(r)
	}
	if token == "" {
		log.Printf("WebSocketHandler: No token provided (neither query parameter nor Authorization header)")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userEmail, err := h.tokens.ValidateToken(token)
	if err != nil {
		log.Printf("WebSocketHandler: Token validation failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := auth.WithUserEmail(r.Context(), userEmail)
	account, ok := h.ownedAccount(ctx, w, r.URL.Query().Get("account_id"))
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocketHandler: failed to upgrade connection for account %s: %v", account.ID, err)
		return
	}

	// Clients expect INBOX to stay live while they are connected.
	if h.watches != nil {
		if err := h.watches.StartIdle(context.WithoutCancel(ctx), account.ID, "INBOX"); err != nil {
			log.Printf("WebSocketHandler: Failed to start INBOX watch for account %s: %v", account.ID, err)
		}
	}

	client := h.hub.Register(account.ID, conn)
	if client == nil {
		log.Printf("WebSocketHandler: Connection rejected for account %s (max connections exceeded)", account.ID)
		return
	}

	go h.readLoop(account.ID, client)
}

// readLoop reads messages from the WebSocket until the connection is closed,
// then unregisters the client.
func (h *WebSocketHandler) readLoop(accountID string, client *ws.Client) {
	conn := client.Conn()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Unregister(accountID, client)
}

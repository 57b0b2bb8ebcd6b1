// Package websocket fans sync events out to connected browser clients.
package websocket

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Client wraps a WebSocket connection. Writes are serialized because a
// gorilla connection supports one concurrent writer.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages active WebSocket connections per account.
// Several connections may follow the same account (e.g., multiple tabs).
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]map[*Client]struct{} // accountID -> set of clients
	maxPerAccount int
}

// NewHub creates a new Hub with a per-account connection limit.
func NewHub(maxPerAccount int) *Hub {
	if maxPerAccount <= 0 {
		maxPerAccount = 10
	}
	return &Hub{
		clients:       make(map[string]map[*Client]struct{}),
		maxPerAccount: maxPerAccount,
	}
}

// Register adds a WebSocket connection following the given account.
// If the per-account limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(accountID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	accountClients, ok := h.clients[accountID]
	if !ok {
		accountClients = make(map[*Client]struct{})
		h.clients[accountID] = accountClients
	}

	if len(accountClients) >= h.maxPerAccount {
		log.Printf("WebSocket: account %s exceeded max connections (%d), closing new connection", accountID, h.maxPerAccount)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this account"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	accountClients[client] = struct{}{}
	return client
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(accountID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	if accountClients, ok := h.clients[accountID]; ok {
		delete(accountClients, client)
		if len(accountClients) == 0 {
			delete(h.clients, accountID)
		}
	}
	h.mu.Unlock()

	_ = client.conn.Close()
}

// Send broadcasts a message to every client following the account.
// A client that cannot be written to is dropped.
func (h *Hub) Send(accountID string, msg []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[accountID]))
	for client := range h.clients[accountID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.write(msg); err != nil {
			log.Printf("WebSocket: failed to write message for account %s: %v", accountID, err)
			go h.Unregister(accountID, client)
		}
	}
}

// ActiveConnections returns the number of connections following the account.
func (h *Hub) ActiveConnections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[accountID])
}

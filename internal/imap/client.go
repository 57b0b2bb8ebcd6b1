package imap

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/vdavid/mailsync/internal/models"
)

// clientRole indicates the purpose of a client.
type clientRole int

const (
	// roleWorker indicates a worker client. There can be multiple worker clients per account.
	roleWorker clientRole = iota
	// roleListener indicates a listener client. There is at most one per watched mailbox.
	roleListener
)

// Credentials is what the pool needs to open and authenticate a connection.
// AccessToken takes precedence over Password when set.
type Credentials struct {
	Server      string
	Username    string
	Password    string
	AccessToken string
}

// threadSafeClient wraps an IMAP client with a mutex for thread-safe access.
// Each client has its own mutex to allow concurrent access to different clients
// while serializing access to the same client.
type threadSafeClient struct {
	client   *client.Client
	mu       sync.Mutex
	lastUsed time.Time
	role     clientRole
}

// Lock acquires the mutex for thread-safe access to the underlying client.
func (c *threadSafeClient) Lock() {
	c.mu.Lock()
}

// TryLock acquires the mutex if it is free.
func (c *threadSafeClient) TryLock() bool {
	return c.mu.TryLock()
}

// Unlock releases the mutex.
func (c *threadSafeClient) Unlock() {
	c.mu.Unlock()
}

// GetClient returns the underlying IMAP client.
// Caller must hold the lock before calling this.
func (c *threadSafeClient) GetClient() *client.Client {
	return c.client
}

// UpdateLastUsed updates the lastUsed timestamp to now.
func (c *threadSafeClient) UpdateLastUsed() {
	c.lastUsed = time.Now()
}

// GetLastUsed returns the lastUsed timestamp.
func (c *threadSafeClient) GetLastUsed() time.Time {
	return c.lastUsed
}

// GetRole returns the client role (worker or listener).
func (c *threadSafeClient) GetRole() clientRole {
	return c.role
}

// DialFunc opens an unauthenticated connection to server.
type DialFunc func(server string, useTLS bool) (*client.Client, error)

// ConnectToIMAP connects to the IMAP server with a 5-second timeout.
// useTLS: true for production (TLS), false for tests (non-TLS).
func ConnectToIMAP(server string, useTLS bool) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}

	if useTLS {
		c, err := client.DialWithDialerTLS(dialer, server, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	// Non-TLS connection for testing
	c, err := client.DialWithDialer(dialer, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return c, nil
}

// authenticate logs in with a password or, when a token is present, with OAUTHBEARER.
// A rejection by the server is wrapped with models.ErrAuthFailed; a dropped
// connection keeps its network error so the caller retries.
func authenticate(c *client.Client, creds Credentials) error {
	var err error
	if creds.AccessToken != "" {
		saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: creds.Username,
			Token:    creds.AccessToken,
		})
		err = c.Authenticate(saslClient)
	} else {
		err = c.Login(creds.Username, creds.Password)
	}
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return fmt.Errorf("failed to authenticate: %w: %w", models.ErrAuthFailed, err)
}

// connect dials and authenticates, closing the connection when login fails.
func connect(dial DialFunc, creds Credentials, useTLS bool) (*client.Client, error) {
	c, err := dial(creds.Server, useTLS)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if err := authenticate(c, creds); err != nil {
		_ = c.Logout()
		return nil, err
	}

	return c, nil
}

package testutil

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// ReceivedMessage is one message accepted by the memory backend.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
}

// MemoryBackend is a simple in-memory SMTP backend for testing.
// RejectNext makes the next DATA commands fail with the given errors, in order.
type MemoryBackend struct {
	mu        sync.Mutex
	messages  []*ReceivedMessage
	rejects   []*smtp.SMTPError
	authUsers []string
}

// NewMemoryBackend creates a new in-memory SMTP backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		messages: make([]*ReceivedMessage, 0),
	}
}

// NewSession creates a new SMTP session.
func (b *MemoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

// GetMessages returns all received messages.
func (b *MemoryBackend) GetMessages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*ReceivedMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

// ClearMessages clears all stored messages.
func (b *MemoryBackend) ClearMessages() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = make([]*ReceivedMessage, 0)
}

// RejectNext queues errors returned for the next DATA commands.
func (b *MemoryBackend) RejectNext(errs ...*smtp.SMTPError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects = append(b.rejects, errs...)
}

// AuthenticatedUsers returns the usernames that logged in with AUTH PLAIN.
func (b *MemoryBackend) AuthenticatedUsers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.authUsers...)
}

type memorySession struct {
	backend *MemoryBackend
	from    string
	to      []string
}

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *memorySession) Auth(mech string) (sasl.Server, error) {
	// Accept any credentials for testing
	return sasl.NewPlainServer(func(identity, username, password string) error {
		s.backend.mu.Lock()
		s.backend.authUsers = append(s.backend.authUsers, username)
		s.backend.mu.Unlock()
		return nil
	}), nil
}

func (s *memorySession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	if len(s.backend.rejects) > 0 {
		reject := s.backend.rejects[0]
		s.backend.rejects = s.backend.rejects[1:]
		return reject
	}

	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: data,
	})

	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer represents a test SMTP server instance.
type TestSMTPServer struct {
	Server  *smtp.Server
	Address string
	Backend *MemoryBackend
	cleanup func()
}

// NewTestSMTPServer starts an SMTP server with an in-memory backend on a random local port.
// The backend accepts any username/password combination.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	s, err := StartSMTPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start SMTP server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// StartSMTPServer starts an in-memory SMTP server on addr without a testing.T,
// for the local development mail server.
func StartSMTPServer(addr string) (*TestSMTPServer, error) {
	be := NewMemoryBackend()

	s := smtp.NewServer(be)
	s.AllowInsecureAuth = true
	s.Domain = "localhost"

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		// Serve returns once the server is closed.
		_ = s.Serve(listener)
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	return &TestSMTPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
		cleanup: func() { _ = s.Close() },
	}, nil
}

// Close shuts down the test SMTP server.
func (s *TestSMTPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// GetMessages returns all messages received by the server.
func (s *TestSMTPServer) GetMessages() []*ReceivedMessage {
	return s.Backend.GetMessages()
}

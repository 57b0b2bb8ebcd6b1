package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer creates a new test IMAP server with an in-memory backend.
// The memory backend creates a default user with username "username" and password "password".
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	s, err := StartIMAPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// StartIMAPServer starts an in-memory IMAP server on addr without a testing.T.
func StartIMAPServer(addr string) (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

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

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		cleanup:  func() { _ = s.Close() },
		username: "username",
		password: "password",
	}, nil
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// EnsureMailbox creates the mailbox if it does not exist yet.
func (s *TestIMAPServer) EnsureMailbox(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(name, true); err == nil {
		return
	}
	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create %s: %v", name, err)
	}
}

// TestMessage describes a message appended by AddTestMessage.
type TestMessage struct {
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       string
	To         string
	SentAt     time.Time
	Seen       bool
}

// AddMessage adds a simple test message to the mailbox and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, mailbox, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()
	return s.AddTestMessage(t, mailbox, TestMessage{
		MessageID: messageID,
		Subject:   subject,
		From:      from,
		To:        to,
		SentAt:    sentAt,
		Seen:      true,
	})
}

// AddTestMessage appends msg to the mailbox and returns its UID.
func (s *TestIMAPServer) AddTestMessage(t *testing.T, mailbox string, msg TestMessage) uint32 {
	t.Helper()

	uid, err := s.Append(mailbox, msg)
	if err != nil {
		t.Fatalf("Failed to add message: %v", err)
	}
	return uid
}

// Append adds msg to the mailbox, creating the mailbox if needed, and returns its UID.
// Unlike AddTestMessage it needs no testing.T, so the local dev stack can seed with it.
func (s *TestIMAPServer) Append(mailbox string, msg TestMessage) (uint32, error) {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return 0, fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = client.Logout() }()
	if err := client.Login(s.username, s.password); err != nil {
		return 0, fmt.Errorf("failed to login: %w", err)
	}

	if _, err := client.Select(mailbox, true); err != nil {
		if err := client.Create(mailbox); err != nil {
			return 0, fmt.Errorf("failed to create %s: %w", mailbox, err)
		}
	}

	var headers strings.Builder
	fmt.Fprintf(&headers, "Message-ID: %s\r\n", msg.MessageID)
	fmt.Fprintf(&headers, "Date: %s\r\n", msg.SentAt.Format(time.RFC1123Z))
	fmt.Fprintf(&headers, "From: %s\r\n", msg.From)
	fmt.Fprintf(&headers, "To: %s\r\n", msg.To)
	fmt.Fprintf(&headers, "Subject: %s\r\n", msg.Subject)
	if msg.InReplyTo != "" {
		fmt.Fprintf(&headers, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		fmt.Fprintf(&headers, "References: %s\r\n", strings.Join(msg.References, " "))
	}
	headers.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\nTest message body.\r\n")

	var flags []string
	if msg.Seen {
		flags = append(flags, imap.SeenFlag)
	}
	if err := client.Append(mailbox, flags, msg.SentAt, strings.NewReader(headers.String())); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := client.Select(mailbox, true); err != nil {
		return 0, fmt.Errorf("failed to select folder: %w", err)
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", msg.MessageID)
	uids, err := client.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search for message: %w", err)
	}
	if len(uids) == 0 {
		return 0, fmt.Errorf("message %s not found after append", msg.MessageID)
	}

	return uids[len(uids)-1], nil
}

// DeleteMessage flags the UID as deleted and expunges it.
func (s *TestIMAPServer) DeleteMessage(t *testing.T, mailbox string, uid uint32) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(mailbox, false); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := client.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag message deleted: %v", err)
	}
	if err := client.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge: %v", err)
	}
}

// SetFlagged stars or unstars the UID.
func (s *TestIMAPServer) SetFlagged(t *testing.T, mailbox string, uid uint32, flagged bool) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(mailbox, false); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	op := imap.FlagsOp(imap.AddFlags)
	if !flagged {
		op = imap.RemoveFlags
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	if err := client.UidStore(seqSet, imap.FormatFlagsOp(op, true), []interface{}{imap.FlaggedFlag}, nil); err != nil {
		t.Fatalf("Failed to store flags: %v", err)
	}
}

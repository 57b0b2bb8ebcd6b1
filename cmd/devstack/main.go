// Command devstack runs a disposable local environment for the sync server:
// a Postgres container, in-memory IMAP and SMTP servers, and one seeded account.
// It prints the environment cmd/server needs to run against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

const (
	devEncryptionKey = "ZGV2c3RhY2sta2V5LTEyMzQ1Njc4OTAxMjM0NTY3ODk="
	devJWTSecret     = "devstack-secret"
	devDBPassword    = "mailsync"
	devUserEmail     = "dev@example.com"
)

type stackOptions struct {
	imapAddr string
	smtpAddr string
}

func main() {
	opts := stackOptions{}
	flag.StringVar(&opts.imapAddr, "imap", "127.0.0.1:1143", "address for the in-memory IMAP server")
	flag.StringVar(&opts.smtpAddr, "smtp", "127.0.0.1:1025", "address for the in-memory SMTP server")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("Devstack: %v", err)
	}
}

func run(ctx context.Context, opts stackOptions) error {
	postgresContainer, err := startPostgres(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := postgresContainer.Terminate(context.Background()); err != nil {
			log.Printf("Devstack: failed to terminate Postgres container: %v", err)
		}
	}()

	imapServer, smtpServer, err := startMailServers(opts)
	if err != nil {
		return err
	}
	defer imapServer.Close()
	defer smtpServer.Close()

	if err := seedMailbox(imapServer, time.Now()); err != nil {
		return err
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("failed to get connection string: %w", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	account, err := seedAccount(ctx, pool, imapServer, smtpServer)
	if err != nil {
		return err
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("failed to get Postgres host: %w", err)
	}
	port, err := postgresContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("failed to get Postgres port: %w", err)
	}

	token, err := auth.NewVerifier(devJWTSecret, false).IssueToken(devUserEmail, 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Println("Run the server against this stack with:")
	fmt.Println()
	for _, line := range serverEnv(host, port.Port()) {
		fmt.Printf("  export %s\n", line)
	}
	fmt.Println()
	fmt.Printf("Account %s (%s), bearer token:\n  %s\n", account.ID, account.Email, token)
	log.Println("Devstack: ready. Press Ctrl+C to stop.")

	<-ctx.Done()
	log.Println("Devstack: shutting down")
	return nil
}

// serverEnv lists the MAILSYNC_* variables that point cmd/server at this stack.
// Test mode makes the server talk plain text to the in-memory mail servers.
func serverEnv(dbHost, dbPort string) []string {
	return []string{
		"MAILSYNC_TEST_MODE=true",
		"MAILSYNC_ENCRYPTION_KEY_BASE64=" + devEncryptionKey,
		"MAILSYNC_JWT_SECRET=" + devJWTSecret,
		"MAILSYNC_DB_HOST=" + dbHost,
		"MAILSYNC_DB_PORT=" + dbPort,
		"MAILSYNC_DB_USER=mailsync",
		"MAILSYNC_DB_PASSWORD=" + devDBPassword,
		"MAILSYNC_DB_NAME=mailsync",
	}
}

func startPostgres(ctx context.Context) (*postgres.PostgresContainer, error) {
	log.Println("Devstack: starting Postgres...")
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mailsync"),
		postgres.WithUsername("mailsync"),
		postgres.WithPassword(devDBPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}
	return container, nil
}

func startMailServers(opts stackOptions) (*testutil.TestIMAPServer, *testutil.TestSMTPServer, error) {
	imapServer, err := testutil.StartIMAPServer(opts.imapAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start IMAP server: %w", err)
	}
	log.Printf("Devstack: IMAP server on %s (username: %s, password: %s)", imapServer.Address, imapServer.Username(), imapServer.Password())

	smtpServer, err := testutil.StartSMTPServer(opts.smtpAddr)
	if err != nil {
		imapServer.Close()
		return nil, nil, fmt.Errorf("failed to start SMTP server: %w", err)
	}
	log.Printf("Devstack: SMTP server on %s", smtpServer.Address)

	return imapServer, smtpServer, nil
}

type seedMessage struct {
	mailbox string
	msg     testutil.TestMessage
}

// seedMessages builds a small mailbox: a three-message conversation whose
// reply arrives before its parent, one standalone message, and an archived one.
func seedMessages(now time.Time) []seedMessage {
	root := "<plan-1@example.com>"
	reply := "<plan-2@example.com>"
	followUp := "<plan-3@example.com>"

	return []seedMessage{
		{"INBOX", testutil.TestMessage{
			MessageID:  reply,
			InReplyTo:  root,
			References: []string{root},
			Subject:    "Re: Quarterly plan",
			From:       "bob@example.com",
			To:         devUserEmail,
			SentAt:     now.Add(-2 * time.Hour),
		}},
		{"INBOX", testutil.TestMessage{
			MessageID: root,
			Subject:   "Quarterly plan",
			From:      "alice@example.com",
			To:        devUserEmail,
			SentAt:    now.Add(-3 * time.Hour),
			Seen:      true,
		}},
		{"INBOX", testutil.TestMessage{
			MessageID:  followUp,
			InReplyTo:  reply,
			References: []string{root, reply},
			Subject:    "Re: Quarterly plan",
			From:       "alice@example.com",
			To:         devUserEmail,
			SentAt:     now.Add(-time.Hour),
		}},
		{"INBOX", testutil.TestMessage{
			MessageID: "<lunch@example.com>",
			Subject:   "Lunch?",
			From:      "carol@example.com",
			To:        devUserEmail,
			SentAt:    now.Add(-30 * time.Minute),
		}},
		{"Archive", testutil.TestMessage{
			MessageID: "<receipt@example.com>",
			Subject:   "Your receipt",
			From:      "shop@example.com",
			To:        devUserEmail,
			SentAt:    now.Add(-48 * time.Hour),
			Seen:      true,
		}},
	}
}

func seedMailbox(imapServer *testutil.TestIMAPServer, now time.Time) error {
	for _, s := range seedMessages(now) {
		if _, err := imapServer.Append(s.mailbox, s.msg); err != nil {
			return fmt.Errorf("failed to seed %s in %s: %w", s.msg.MessageID, s.mailbox, err)
		}
	}
	log.Println("Devstack: mailbox seeded")
	return nil
}

func seedAccount(ctx context.Context, pool *pgxpool.Pool, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) (*models.Account, error) {
	userID, err := db.GetOrCreateUser(ctx, pool, devUserEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	encryptor, err := crypto.NewEncryptor(devEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	imapPassword, err := encryptor.Encrypt(imapServer.Password())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt IMAP password: %w", err)
	}
	// The in-memory SMTP server accepts any credentials.
	smtpPassword, err := encryptor.Encrypt("devstack")
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt SMTP password: %w", err)
	}

	account := &models.Account{
		UserID:                userID,
		Provider:              models.ProviderIMAP,
		Email:                 devUserEmail,
		IMAPServerHostname:    imapServer.Address,
		IMAPUsername:          imapServer.Username(),
		EncryptedIMAPPassword: imapPassword,
		SMTPServerHostname:    smtpServer.Address,
		SMTPUsername:          strings.Split(devUserEmail, "@")[0],
		EncryptedSMTPPassword: smtpPassword,
	}
	if err := db.SaveAccount(ctx, pool, account); err != nil {
		return nil, fmt.Errorf("failed to save account: %w", err)
	}
	log.Printf("Devstack: account %s ready for %s", account.ID, devUserEmail)
	return account, nil
}

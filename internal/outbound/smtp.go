package outbound

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/vdavid/mailsync/internal/models"
)

// Decrypter turns stored credentials back into plaintext.
type Decrypter interface {
	Decrypt(ciphertext []byte) (string, error)
}

// SMTPSender delivers messages through the account's submission server.
type SMTPSender struct {
	decrypter Decrypter
	useTLS    bool
	timeout   time.Duration
	now       func() time.Time
}

// NewSMTPSender creates an SMTPSender. With useTLS the connection is upgraded
// with STARTTLS before authenticating.
func NewSMTPSender(decrypter Decrypter, useTLS bool) *SMTPSender {
	return &SMTPSender{
		decrypter: decrypter,
		useTLS:    useTLS,
		timeout:   time.Minute,
		now:       time.Now,
	}
}

// Send submits the envelope. The returned error keeps the *smtp.SMTPError of a
// rejected command so callers can classify it.
func (s *SMTPSender) Send(ctx context.Context, account *models.Account, env *models.OutboundEnvelope) (*models.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	recipients := env.Recipients()
	if len(recipients) == 0 {
		return nil, errors.New("envelope has no recipients")
	}

	data, messageID, err := BuildMessage(env, s.now())
	if err != nil {
		return nil, err
	}

	c, err := s.dial(account.SMTPServerHostname)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("SMTP: failed to close connection: %v", err)
		}
	}()
	c.CommandTimeout = s.timeout
	c.SubmissionTimeout = s.timeout

	if err := s.authenticate(c, account); err != nil {
		return nil, err
	}

	from, err := envelopeAddress(env.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := c.Mail(from, nil); err != nil {
		return nil, fmt.Errorf("failed to send MAIL FROM: %w", err)
	}

	accepted := make([]string, 0, len(recipients))
	for _, r := range recipients {
		addr, err := envelopeAddress(r)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", r, err)
		}
		if err := c.Rcpt(addr, nil); err != nil {
			return nil, fmt.Errorf("failed to send RCPT TO %s: %w", addr, err)
		}
		accepted = append(accepted, addr)
	}

	w, err := c.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to start DATA: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("message rejected: %w", err)
	}

	// The server has the message; a failed QUIT does not change that.
	if err := c.Quit(); err != nil {
		log.Printf("SMTP: QUIT failed after delivery of %s: %v", messageID, err)
	}

	return &models.SendResult{
		MessageID:  messageID,
		AcceptedAt: s.now().UTC(),
		Recipients: accepted,
	}, nil
}

func (s *SMTPSender) dial(addr string) (*smtp.Client, error) {
	if addr == "" {
		return nil, errors.New("account has no SMTP server")
	}
	if !s.useTLS {
		c, err := smtp.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		return c, nil
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP server address %q: %w", addr, err)
	}
	c, err := smtp.DialStartTLS(addr, &tls.Config{ServerName: host})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	return c, nil
}

func (s *SMTPSender) authenticate(c *smtp.Client, account *models.Account) error {
	if account.SMTPUsername == "" {
		return nil
	}
	if ok, _ := c.Extension("AUTH"); !ok {
		return fmt.Errorf("%w: server does not offer AUTH", models.ErrAuthFailed)
	}

	password, err := s.decrypter.Decrypt(account.EncryptedSMTPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}
	if err := c.Auth(sasl.NewPlainClient("", account.SMTPUsername, password)); err != nil {
		return fmt.Errorf("%w: %w", models.ErrAuthFailed, err)
	}
	return nil
}

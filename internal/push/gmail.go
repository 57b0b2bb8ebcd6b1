// Package push talks to provider push-notification APIs: it registers mailbox
// watches and decodes the webhook deliveries they produce.
package push

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// DefaultGmailBaseURL is the Gmail REST API root.
const DefaultGmailBaseURL = "https://gmail.googleapis.com"

// ErrNoAccessToken is returned for accounts without an OAuth token.
var ErrNoAccessToken = errors.New("account has no access token")

// Subscription is what a provider returns for a registered watch.
type Subscription struct {
	Handle        string
	HistoryCursor uint64
	ExpiresAt     time.Time
}

// Notification is one decoded webhook delivery.
type Notification struct {
	// AccountHint identifies the account, for Gmail its email address.
	AccountHint   string
	HistoryCursor uint64
}

// Decrypter turns a stored access token back into plaintext.
type Decrypter interface {
	Decrypt(ciphertext []byte) (string, error)
}

// GmailProvider registers Gmail users.watch subscriptions that publish to a Pub/Sub topic.
type GmailProvider struct {
	httpClient *http.Client
	baseURL    string
	topic      string
	decrypter  Decrypter
}

// NewGmailProvider creates a provider publishing to topic (projects/<p>/topics/<t>).
func NewGmailProvider(topic string, decrypter Decrypter) *GmailProvider {
	return &GmailProvider{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    DefaultGmailBaseURL,
		topic:      topic,
		decrypter:  decrypter,
	}
}

// WithBaseURL points the provider at another API root, such as a test server.
func (p *GmailProvider) WithBaseURL(baseURL string) *GmailProvider {
	p.baseURL = strings.TrimRight(baseURL, "/")
	return p
}

type watchRequest struct {
	TopicName           string   `json:"topicName"`
	LabelIDs            []string `json:"labelIds"`
	LabelFilterBehavior string   `json:"labelFilterBehavior"`
}

type watchResponse struct {
	HistoryID  string `json:"historyId"`
	Expiration string `json:"expiration"`
}

// Subscribe starts a watch on the label matching mailbox.
func (p *GmailProvider) Subscribe(ctx context.Context, account *models.Account, mailbox string) (*Subscription, error) {
	body := watchRequest{
		TopicName:           p.topic,
		LabelIDs:            []string{gmailLabel(mailbox)},
		LabelFilterBehavior: "include",
	}

	var resp watchResponse
	if err := p.call(ctx, account, "/gmail/v1/users/me/watch", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", mailbox, err)
	}

	cursor, err := strconv.ParseUint(resp.HistoryID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse history id %q: %w", resp.HistoryID, err)
	}
	expiresMillis, err := strconv.ParseInt(resp.Expiration, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expiration %q: %w", resp.Expiration, err)
	}

	return &Subscription{
		Handle:        p.topic + "#" + gmailLabel(mailbox),
		HistoryCursor: cursor,
		ExpiresAt:     time.UnixMilli(expiresMillis),
	}, nil
}

// Renew extends a watch. Gmail renews by registering the same watch again.
func (p *GmailProvider) Renew(ctx context.Context, account *models.Account, sub *models.PushSubscription) (*Subscription, error) {
	return p.Subscribe(ctx, account, sub.Mailbox)
}

// Unsubscribe stops every watch on the account; Gmail has one watch per user.
func (p *GmailProvider) Unsubscribe(ctx context.Context, account *models.Account, _ *models.PushSubscription) error {
	if err := p.call(ctx, account, "/gmail/v1/users/me/stop", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

func (p *GmailProvider) call(ctx context.Context, account *models.Account, path string, in, out any) error {
	if len(account.EncryptedAccessToken) == 0 {
		return ErrNoAccessToken
	}
	token, err := p.decrypter.Decrypt(account.EncryptedAccessToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt access token: %w", err)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %s", models.ErrAuthFailed, strings.TrimSpace(string(detail)))
		}
		return fmt.Errorf("gmail API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// gmailLabel maps an IMAP mailbox name to the Gmail system label id where one exists.
func gmailLabel(mailbox string) string {
	switch strings.ToUpper(mailbox) {
	case "INBOX":
		return "INBOX"
	case "[GMAIL]/SENT MAIL", "SENT":
		return "SENT"
	case "[GMAIL]/DRAFTS", "DRAFTS":
		return "DRAFT"
	case "[GMAIL]/SPAM", "SPAM":
		return "SPAM"
	case "[GMAIL]/TRASH", "TRASH":
		return "TRASH"
	case "[GMAIL]/STARRED":
		return "STARRED"
	case "[GMAIL]/IMPORTANT":
		return "IMPORTANT"
	}
	return mailbox
}

type pubSubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// DecodeGmailPushEnvelope decodes a Pub/Sub push delivery carrying a Gmail notification.
func DecodeGmailPushEnvelope(r io.Reader) (Notification, error) {
	var env pubSubEnvelope
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&env); err != nil {
		return Notification{}, fmt.Errorf("failed to decode push envelope: %w", err)
	}
	if env.Message.Data == "" {
		return Notification{}, errors.New("push envelope has no data")
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return Notification{}, fmt.Errorf("failed to decode push data: %w", err)
		}
	}

	var n gmailNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, fmt.Errorf("failed to decode gmail notification: %w", err)
	}
	if n.EmailAddress == "" {
		return Notification{}, errors.New("gmail notification has no email address")
	}
	cursor, err := strconv.ParseUint(n.HistoryID.String(), 10, 64)
	if err != nil {
		return Notification{}, fmt.Errorf("failed to parse history id %q: %w", n.HistoryID, err)
	}

	return Notification{AccountHint: strings.ToLower(n.EmailAddress), HistoryCursor: cursor}, nil
}

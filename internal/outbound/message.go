package outbound

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailsync/internal/models"
)

// BuildMessage renders the envelope as an RFC 5322 message and returns it with its Message-ID.
// Bcc recipients are delivered but never written into the headers.
func BuildMessage(env *models.OutboundEnvelope, date time.Time) ([]byte, string, error) {
	from, err := mail.ParseAddress(env.From)
	if err != nil {
		return nil, "", fmt.Errorf("invalid from address: %w", err)
	}
	to, err := parseAddresses(env.To)
	if err != nil {
		return nil, "", fmt.Errorf("invalid to address: %w", err)
	}
	cc, err := parseAddresses(env.Cc)
	if err != nil {
		return nil, "", fmt.Errorf("invalid cc address: %w", err)
	}
	bcc, err := parseAddresses(env.Bcc)
	if err != nil {
		return nil, "", fmt.Errorf("invalid bcc address: %w", err)
	}

	domain := "localhost"
	if at := strings.LastIndex(from.Address, "@"); at >= 0 {
		domain = from.Address[at+1:]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)

	builder := enmime.Builder().
		From(from.Name, from.Address).
		ToAddrs(to).
		CCAddrs(cc).
		BCCAddrs(bcc).
		Subject(env.Subject).
		Date(date).
		Header("Message-Id", messageID)

	if env.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", env.InReplyTo)
	}
	if len(env.References) > 0 {
		builder = builder.Header("References", strings.Join(env.References, " "))
	}
	if env.HTMLBody != "" {
		builder = builder.HTML([]byte(env.HTMLBody))
	}
	if env.TextBody != "" || env.HTMLBody == "" {
		builder = builder.Text([]byte(env.TextBody))
	}

	root, err := builder.Build()
	if err != nil {
		return nil, "", fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, "", fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func parseAddresses(raw []string) ([]mail.Address, error) {
	out := make([]mail.Address, 0, len(raw))
	for _, r := range raw {
		a, err := mail.ParseAddress(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// envelopeAddress strips the display name for MAIL FROM and RCPT TO.
func envelopeAddress(raw string) (string, error) {
	a, err := mail.ParseAddress(raw)
	if err != nil {
		return "", err
	}
	return a.Address, nil
}

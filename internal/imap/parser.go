package imap

import (
	"bufio"
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

// ToMessageDelta converts a fetched IMAP message into the shape the sync worker stores.
func ToMessageDelta(imapMsg *imap.Message) models.MessageDelta {
	seen, flagged := parseFlags(imapMsg.Flags)
	delta := models.MessageDelta{
		UID:        int64(imapMsg.Uid),
		ReceivedAt: imapMsg.InternalDate,
		Seen:       seen,
		Flagged:    flagged,
	}

	if env := imapMsg.Envelope; env != nil {
		if len(env.From) > 0 {
			delta.From = formatAddress(env.From[0])
		}
		delta.To = formatAddressList(env.To)
		delta.Cc = formatAddressList(env.Cc)
		delta.Subject = env.Subject
		delta.MessageID = env.MessageId
		delta.InReplyTo = env.InReplyTo
		if delta.ReceivedAt.IsZero() {
			delta.ReceivedAt = env.Date
		}
	}

	for name, literal := range imapMsg.Body {
		if name == nil || literal == nil || name.Specifier != imap.HeaderSpecifier {
			continue
		}
		references, inReplyTo := parseThreadingHeaders(literal)
		delta.References = references
		if delta.InReplyTo == "" {
			delta.InReplyTo = inReplyTo
		}
		break
	}

	return delta
}

// parseThreadingHeaders reads References and In-Reply-To from a raw header block.
// Malformed values fall back to a lenient tokenizer.
func parseThreadingHeaders(r io.Reader) (references []string, inReplyTo string) {
	th, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return nil, ""
	}
	h := mail.Header{Header: message.Header{Header: th}}

	references, err = h.MsgIDList("References")
	if err != nil {
		references = threading.ParseMessageIDList(h.Get("References"))
	}

	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		inReplyTo = ids[0]
	} else if ids := threading.ParseMessageIDList(h.Get("In-Reply-To")); len(ids) > 0 {
		inReplyTo = ids[0]
	}
	return references, inReplyTo
}

func parseFlags(flags []string) (seen, flagged bool) {
	for _, flag := range flags {
		switch flag {
		case imap.SeenFlag:
			seen = true
		case imap.FlaggedFlag:
			flagged = true
		}
	}
	return seen, flagged
}

// formatAddress formats an IMAP address to a string.
func formatAddress(address *imap.Address) string {
	if address == nil {
		return ""
	}

	if address.MailboxName == "" && address.HostName == "" {
		return ""
	}

	if address.PersonalName != "" {
		return fmt.Sprintf("%s <%s@%s>", address.PersonalName, address.MailboxName, address.HostName)
	}

	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}

// formatAddressList formats a list of IMAP addresses.
func formatAddressList(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		formatted := formatAddress(address)
		if formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}

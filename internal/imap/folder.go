package imap

import (
	"fmt"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// ListMailboxes lists the selectable mailboxes on the IMAP server, sorted by name.
func ListMailboxes(c *client.Client) ([]string, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var names []string
	for m := range mailboxes {
		if hasAttribute(m.Attributes, imap.NoSelectAttr) {
			continue
		}
		names = append(names, m.Name)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	sort.Strings(names)
	return names, nil
}

func hasAttribute(attrs []string, want string) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}

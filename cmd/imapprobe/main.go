// Command imapprobe checks whether an IMAP server offers what the sync engine relies on
// and shows how the latest messages of a mailbox would be threaded.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
	mimap "github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

// wantedCapabilities are reported as missing when absent. Only IDLE changes
// behavior: without it the mailbox is covered by polling alone.
var wantedCapabilities = []string{"IDLE", "UIDPLUS", "THREAD=REFERENCES"}

type probeOptions struct {
	server   string
	user     string
	password string
	mailbox  string
	limit    int
	plain    bool
}

func main() {
	opts := probeOptions{}
	flag.StringVar(&opts.server, "server", os.Getenv("IMAP_SERVER"), "IMAP server host:port")
	flag.StringVar(&opts.user, "user", os.Getenv("IMAP_USER"), "IMAP username")
	flag.StringVar(&opts.mailbox, "mailbox", "INBOX", "mailbox to inspect")
	flag.IntVar(&opts.limit, "limit", 50, "how many of the newest messages to thread")
	flag.BoolVar(&opts.plain, "plain", false, "connect without TLS")
	flag.Parse()
	opts.password = os.Getenv("IMAP_PASSWORD")

	if err := opts.validate(); err != nil {
		log.Fatalf("Error: %v", err)
	}

	c, err := mimap.ConnectToIMAP(opts.server, !opts.plain)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer func() {
		if err := c.Logout(); err != nil {
			log.Printf("Failed to log out: %v", err)
		}
	}()

	if err := c.Login(opts.user, opts.password); err != nil {
		log.Fatalf("Failed to log in: %v", err)
	}

	report, err := probeCapabilities(c)
	if err != nil {
		log.Fatalf("Failed to check capabilities: %v", err)
	}
	log.Printf("Capabilities: %s", strings.Join(report.All, " "))
	if len(report.Missing) > 0 {
		log.Printf("Missing: %s", strings.Join(report.Missing, ", "))
	}

	snapshot, err := probeMailbox(c, opts.mailbox)
	if err != nil {
		log.Fatalf("Failed to inspect %s: %v", opts.mailbox, err)
	}
	log.Printf("%s: %d messages, UIDVALIDITY %d, UIDNEXT %d", opts.mailbox, snapshot.Messages, snapshot.UIDValidity, snapshot.UIDNext)

	threads, err := collectThreads(c, report.Has("THREAD=REFERENCES"), opts.limit)
	if err != nil {
		log.Fatalf("Failed to thread %s: %v", opts.mailbox, err)
	}
	for i, nodes := range threads {
		log.Printf("Thread %d:", i+1)
		for _, n := range nodes {
			log.Printf("  %s%s (UID %s)", strings.Repeat("  ", n.Depth), n.Message.MessageID, n.Message.ID)
		}
	}
}

func (o probeOptions) validate() error {
	if o.server == "" || o.user == "" || o.password == "" {
		return fmt.Errorf("server, user and IMAP_PASSWORD are required")
	}
	if o.limit <= 0 {
		return fmt.Errorf("limit must be positive")
	}
	return nil
}

type capabilityReport struct {
	All     []string
	Missing []string
}

func (r capabilityReport) Has(capability string) bool {
	for _, c := range r.All {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

func probeCapabilities(c *client.Client) (capabilityReport, error) {
	if c == nil {
		return capabilityReport{}, fmt.Errorf("client is nil")
	}

	caps, err := c.Capability()
	if err != nil {
		return capabilityReport{}, fmt.Errorf("failed to get capabilities: %w", err)
	}

	var report capabilityReport
	for capability := range caps {
		report.All = append(report.All, capability)
	}
	sort.Strings(report.All)

	for _, want := range wantedCapabilities {
		if !report.Has(want) {
			report.Missing = append(report.Missing, want)
		}
	}
	return report, nil
}

type mailboxSnapshot struct {
	Messages    uint32
	UIDValidity uint32
	UIDNext     uint32
}

// probeMailbox selects the mailbox read-only and reports the identity a sync checkpoint records.
func probeMailbox(c *client.Client, mailbox string) (mailboxSnapshot, error) {
	if c == nil {
		return mailboxSnapshot{}, fmt.Errorf("client is nil")
	}

	status, err := c.Select(mailbox, true)
	if err != nil {
		return mailboxSnapshot{}, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	return mailboxSnapshot{
		Messages:    status.Messages,
		UIDValidity: status.UidValidity,
		UIDNext:     status.UidNext,
	}, nil
}

// collectThreads fetches the newest limit messages of the selected mailbox and orders
// each conversation. Groups come from the server's THREAD response when available,
// otherwise from the base subject.
func collectThreads(c *client.Client, serverThreads bool, limit int) ([][]models.ThreadNode, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	uids, err := mimap.SearchUIDsAfter(c, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	if len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	deltas, err := mimap.FetchMessages(c, uids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}

	var groups [][]models.MessageDelta
	if serverThreads {
		tree, err := sortthread.NewThreadClient(c).UidThread(sortthread.References, imap.NewSearchCriteria())
		if err != nil {
			return nil, fmt.Errorf("THREAD command returned error: %w", err)
		}
		groups = groupByServerThreads(deltas, tree)
	} else {
		groups = groupBySubject(deltas)
	}

	result := make([][]models.ThreadNode, 0, len(groups))
	for _, group := range groups {
		messages := make([]models.ThreadMessage, 0, len(group))
		for _, d := range group {
			messages = append(messages, threadMessage(d))
		}
		result = append(result, threading.OrderThreadMessages(messages))
	}
	return result, nil
}

func threadMessage(d models.MessageDelta) models.ThreadMessage {
	return models.ThreadMessage{
		ID:         strconv.FormatInt(d.UID, 10),
		MessageID:  d.MessageID,
		InReplyTo:  d.InReplyTo,
		References: d.References,
		ReceivedAt: d.ReceivedAt,
	}
}

// groupByServerThreads keeps the server's grouping for the fetched messages.
// Messages outside the fetched window are dropped from their groups.
func groupByServerThreads(deltas []models.MessageDelta, tree []*sortthread.Thread) [][]models.MessageDelta {
	byUID := make(map[uint32]models.MessageDelta, len(deltas))
	for _, d := range deltas {
		byUID[uint32(d.UID)] = d
	}

	var groups [][]models.MessageDelta
	for _, root := range tree {
		var group []models.MessageDelta
		var walk func(t *sortthread.Thread)
		walk = func(t *sortthread.Thread) {
			if d, ok := byUID[t.Id]; ok {
				group = append(group, d)
			}
			for _, child := range t.Children {
				walk(child)
			}
		}
		walk(root)
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

func groupBySubject(deltas []models.MessageDelta) [][]models.MessageDelta {
	index := make(map[string]int)
	var groups [][]models.MessageDelta
	for _, d := range deltas {
		subject, _ := sortthread.GetBaseSubject(d.Subject)
		key := strings.ToLower(subject)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], d)
	}
	return groups
}

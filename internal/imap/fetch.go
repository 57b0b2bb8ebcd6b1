package imap

import (
	"fmt"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
)

// threadingHeaders is the header subset fetched for every message.
var threadingHeaders = &imap.BodySectionName{
	BodyPartName: imap.BodyPartName{
		Specifier: imap.HeaderSpecifier,
		Fields:    []string{"References", "In-Reply-To"},
	},
	Peek: true,
}

func uidSet(uids []int64) *imap.SeqSet {
	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uint32(uid))
	}
	return seqSet
}

func uidFetch(c *client.Client, uids []int64, items []imap.FetchItem) ([]*imap.Message, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	if len(uids) == 0 {
		return nil, nil
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(uidSet(uids), items, messages)
	}()

	var result []*imap.Message
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return nil, err
	}

	return result, nil
}

// FetchMessages fetches envelope, flags and threading headers for the given UIDs,
// in ascending UID order. UIDs the server no longer has are left out.
func FetchMessages(c *client.Client, uids []int64) ([]models.MessageDelta, error) {
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		threadingHeaders.FetchItem(),
	}

	messages, err := uidFetch(c, uids, items)
	if err != nil {
		return nil, err
	}

	deltas := make([]models.MessageDelta, 0, len(messages))
	for _, msg := range messages {
		if msg.Uid == 0 {
			continue
		}
		deltas = append(deltas, ToMessageDelta(msg))
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].UID < deltas[j].UID })
	return deltas, nil
}

// FetchFlags fetches only the flags of the given UIDs.
func FetchFlags(c *client.Client, uids []int64) ([]models.FlagUpdate, error) {
	messages, err := uidFetch(c, uids, []imap.FetchItem{imap.FetchUid, imap.FetchFlags})
	if err != nil {
		return nil, err
	}

	updates := make([]models.FlagUpdate, 0, len(messages))
	for _, msg := range messages {
		if msg.Uid == 0 {
			continue
		}
		seen, flagged := parseFlags(msg.Flags)
		updates = append(updates, models.FlagUpdate{UID: int64(msg.Uid), Seen: seen, Flagged: flagged})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].UID < updates[j].UID })
	return updates, nil
}

// SearchUIDsAfter returns the UIDs above after, ascending.
func SearchUIDsAfter(c *client.Client, after int64) ([]int64, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	// "n:*" always matches the highest UID, even when it is below n.
	criteria.Uid.AddRange(uint32(after+1), 0)

	found, err := c.UidSearch(criteria)
	if err != nil {
		return nil, err
	}

	uids := make([]int64, 0, len(found))
	for _, uid := range found {
		if int64(uid) > after {
			uids = append(uids, int64(uid))
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

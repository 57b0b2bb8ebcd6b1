package main

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestSeedMessagesFormOneConversation(t *testing.T) {
	msgs := seedMessages(time.Now())

	byID := make(map[string]testutil.TestMessage)
	for _, s := range msgs {
		byID[s.msg.MessageID] = s.msg
	}
	require.Len(t, byID, len(msgs), "message ids are unique")

	// Every parent reference resolves inside the seed set.
	for _, s := range msgs {
		if s.msg.InReplyTo == "" {
			continue
		}
		_, ok := byID[s.msg.InReplyTo]
		assert.True(t, ok, "%s replies to a seeded message", s.msg.MessageID)
	}
	assert.True(t, msgs[0].msg.SentAt.After(msgs[1].msg.SentAt), "the reply is appended before its parent")
}

func TestSeedMailbox(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)

	require.NoError(t, seedMailbox(server, time.Now()))

	client, cleanup := server.Connect(t)
	defer cleanup()

	inbox, err := client.Select("INBOX", true)
	require.NoError(t, err)
	archive, err := client.Status("Archive", []imap.StatusItem{imap.StatusMessages})
	require.NoError(t, err)

	// The memory backend starts with one welcome message in INBOX.
	assert.Equal(t, uint32(5), inbox.Messages)
	assert.Equal(t, uint32(1), archive.Messages)
}

func TestServerEnv(t *testing.T) {
	env := serverEnv("localhost", "55432")

	vars := make(map[string]string)
	for _, line := range env {
		k, v, ok := strings.Cut(line, "=")
		require.True(t, ok, line)
		assert.True(t, strings.HasPrefix(k, "MAILSYNC_"), k)
		vars[k] = v
	}

	assert.Equal(t, "true", vars["MAILSYNC_TEST_MODE"])
	assert.Equal(t, "55432", vars["MAILSYNC_DB_PORT"])
	assert.Equal(t, devDBPassword, vars["MAILSYNC_DB_PASSWORD"])

	_, err := crypto.NewEncryptor(vars["MAILSYNC_ENCRYPTION_KEY_BASE64"])
	assert.NoError(t, err, "the printed key is usable")
}

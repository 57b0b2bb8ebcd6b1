package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestGetThreadForAccount(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID := testutil.CreateTestAccount(t, pool, "owner@example.com")
	otherAccountID := testutil.CreateTestAccount(t, pool, "other@example.com")

	changes, err := UpsertMessages(ctx, pool, accountID, "INBOX", "1", []models.MessageDelta{
		delta(1, "<root@example.com>", "Re: Weekly sync", time.Now()),
	})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	threadID := changes[0].ThreadID

	t.Run("returns the thread of the account", func(t *testing.T) {
		thread, err := GetThreadForAccount(ctx, pool, accountID, threadID)
		require.NoError(t, err)
		assert.Equal(t, threadID, thread.ID)
		assert.Equal(t, "root@example.com", thread.StableThreadID)
		assert.NotContains(t, thread.Subject, "Re:")
	})

	t.Run("hides threads of other accounts", func(t *testing.T) {
		_, err := GetThreadForAccount(ctx, pool, otherAccountID, threadID)
		assert.True(t, errors.Is(err, ErrThreadNotFound))
	})

	t.Run("returns not found for unknown thread", func(t *testing.T) {
		_, err := GetThreadForAccount(ctx, pool, accountID, "00000000-0000-0000-0000-000000000000")
		assert.True(t, errors.Is(err, ErrThreadNotFound))
	})
}

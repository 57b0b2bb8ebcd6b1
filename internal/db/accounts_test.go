package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestAccounts(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()

	userID, err := GetOrCreateUser(ctx, pool, "owner@example.com")
	require.NoError(t, err)
	strangerID, err := GetOrCreateUser(ctx, pool, "stranger@example.com")
	require.NoError(t, err)

	account := &models.Account{
		UserID:                userID,
		Email:                 "Owner@Example.com",
		IMAPServerHostname:    "imap.example.com:993",
		IMAPUsername:          "owner",
		EncryptedIMAPPassword: []byte("sealed"),
	}

	t.Run("saves with imap as the default provider", func(t *testing.T) {
		require.NoError(t, SaveAccount(ctx, pool, account))
		assert.NotEmpty(t, account.ID)
		assert.Equal(t, models.ProviderIMAP, account.Provider)
	})

	t.Run("updates the same user and address in place", func(t *testing.T) {
		firstID := account.ID
		account.IMAPServerHostname = "imap2.example.com:993"
		require.NoError(t, SaveAccount(ctx, pool, account))
		assert.Equal(t, firstID, account.ID)

		stored, err := GetAccount(ctx, pool, account.ID)
		require.NoError(t, err)
		assert.Equal(t, "imap2.example.com:993", stored.IMAPServerHostname)
		assert.Equal(t, []byte("sealed"), stored.EncryptedIMAPPassword)
		assert.Nil(t, stored.EncryptedAccessToken)
	})

	t.Run("scopes lookups to the owner", func(t *testing.T) {
		_, err := GetAccountForUser(ctx, pool, userID, account.ID)
		require.NoError(t, err)

		_, err = GetAccountForUser(ctx, pool, strangerID, account.ID)
		assert.True(t, errors.Is(err, models.ErrAccountNotFound))
	})

	t.Run("lists accounts", func(t *testing.T) {
		accounts, err := ListAccounts(ctx, pool)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, account.ID, accounts[0].ID)
	})

	t.Run("reports unknown accounts", func(t *testing.T) {
		_, err := GetAccount(ctx, pool, "00000000-0000-0000-0000-000000000000")
		assert.True(t, errors.Is(err, models.ErrAccountNotFound))
	})
}

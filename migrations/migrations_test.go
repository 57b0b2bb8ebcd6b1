package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpIsSortedAndComplete(t *testing.T) {
	migrations, err := Up()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.True(t, strings.HasSuffix(m.Name, ".up.sql"), m.Name)
		assert.NotEmpty(t, strings.TrimSpace(m.SQL), m.Name)
		if i > 0 {
			assert.Less(t, migrations[i-1].Name, m.Name)
		}
	}

	var all strings.Builder
	for _, m := range migrations {
		all.WriteString(m.SQL)
	}
	for _, table := range []string{"mailbox_sync_state", "send_attempts", "sync_events", "push_subscriptions", "jobs"} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

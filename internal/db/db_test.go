package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestPoolSize(t *testing.T) {
	tests := []struct {
		workers int
		wantMax int32
		wantMin int32
	}{
		{workers: 0, wantMax: 11, wantMin: 1},
		{workers: 4, wantMax: 14, wantMin: 4},
		{workers: 32, wantMax: 42, wantMin: 5},
	}
	for _, tt := range tests {
		gotMax, gotMin := poolSize(&config.Config{JobConcurrency: tt.workers})
		assert.Equal(t, tt.wantMax, gotMax, "max for %d workers", tt.workers)
		assert.Equal(t, tt.wantMin, gotMin, "min for %d workers", tt.workers)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()

	// NewTestDB already migrated; a second run must find nothing to do.
	require.NoError(t, Migrate(ctx, pool))

	var applied int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&applied))
	require.Equal(t, 7, applied)
}

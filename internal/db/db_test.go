package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbenjam1n/autoforge/internal/testutil"
)

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://u:p@localhost:5432/db?sslmode=disable", "pgx5://u:p@localhost:5432/db?sslmode=disable"},
		{"postgresql://localhost/db", "pgx5://localhost/db"},
		{"pgx5://localhost/db", "pgx5://localhost/db"},
	}
	for _, tt := range tests {
		if got := migrateURL(tt.in); got != tt.want {
			t.Errorf("migrateURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMigrateUpDown(t *testing.T) {
	url := testutil.Postgres(t)
	ctx := context.Background()

	require.NoError(t, Migrate(url, 0))
	require.NoError(t, Migrate(url, 0), "second run is a no-op")

	v, dirty, err := Version(url)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)

	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	var n int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT count(*) FROM pg_indexes WHERE indexname = 'deployments_one_pending_idx'").Scan(&n))
	assert.Equal(t, 1, n)

	require.NoError(t, Migrate(url, -1))
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_name = 'plans'").Scan(&n))
	assert.Equal(t, 0, n)
}

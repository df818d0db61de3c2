//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"predictgate/config"
)

func TestNewPostgreSQL(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("predictgate"),
		postgres.WithUsername("predictgate"),
		postgres.WithPassword("predictgate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := New(ctx, config.StorageConfig{
		Type:       TypePostgreSQL,
		PostgreSQL: config.PostgreSQLConfig{URL: url, MaxConns: 4},
	})
	require.NoError(t, err)
	defer store.Close()

	pool := store.PostgreSQLPool()
	require.NotNil(t, pool)
	assert.Equal(t, int32(4), pool.Config().MaxConns)

	var one int
	require.NoError(t, pool.QueryRow(ctx, "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)
}

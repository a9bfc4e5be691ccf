//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/tokengate/internal/store"
	"github.com/wolfeidau/tokengate/internal/store/storetest"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (string, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	cleanup := func() {
		_ = container.Terminate(ctx)
	}

	return connString, cleanup
}

func TestIntegration_PrincipalStore(t *testing.T) {
	ctx := context.Background()
	connString, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	pool, err := NewPool(ctx, &PoolConfig{ConnString: connString, MinConns: 1})
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, RunMigrations(ctx, pool))

	// migrations are idempotent
	require.NoError(t, RunMigrations(ctx, pool))

	storetest.RunPrincipalStoreTests(t, func(t *testing.T) store.PrincipalStore {
		_, err := pool.Exec(ctx, `TRUNCATE principals`)
		require.NoError(t, err)
		return NewPrincipalStore(pool)
	})
}

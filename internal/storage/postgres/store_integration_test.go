//go:build integration_pg

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

func startPostgres(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "zca",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/zca?sslmode=disable", host, mapped.Port())
}

func TestStoreAgainstPostgres(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	store, err := New(ctx, Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrate is idempotent")

	t0 := time.Now().UTC().Truncate(time.Millisecond)
	first := climate.Lease{Fingerprint: "fp", HolderID: "a", AcquiredAt: t0, TTL: time.Minute}
	_, ok, err := store.Acquire(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)

	cur, ok, err := store.Acquire(ctx, climate.Lease{Fingerprint: "fp", HolderID: "b", AcquiredAt: t0.Add(time.Second), TTL: time.Minute})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "a", cur.HolderID)

	// Expired leases are taken over atomically.
	_, ok, err = store.Acquire(ctx, climate.Lease{Fingerprint: "fp", HolderID: "c", AcquiredAt: t0.Add(time.Minute), TTL: time.Minute})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Release(ctx, "fp", "a"))
	cur, ok, err = store.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", cur.HolderID)

	for want := int64(1); want <= 3; want++ {
		n, err := store.Incr(ctx, "window", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := store.PurgeExpired(ctx, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

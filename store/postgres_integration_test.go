//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"leasekeeper/store"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		postgres.WithDatabase("leasekeeper"),
		postgres.WithUsername("leasekeeper"),
		postgres.WithPassword("leasekeeper"),
		postgres.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func TestPostgresStore_ClaimAndRelease(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	st := store.NewPostgresStore(pool)
	require.NoError(t, st.EnsureSchema(ctx))

	_, err := pool.Exec(ctx, `INSERT INTO pool_entities (role, is_healthy) VALUES ('admin', true), ('admin', true)`)
	require.NoError(t, err)

	txn, err := st.Begin(ctx)
	require.NoError(t, err)
	ids, err := txn.ClaimCandidates(ctx, "admin", 2)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	require.NoError(t, txn.CreateExecution(ctx, "exec-pg-1", map[string]int{"admin": 2}, time.Now()))
	require.NoError(t, txn.MarkLeased(ctx, ids, "exec-pg-1", time.Now()))
	require.NoError(t, txn.Commit(ctx))

	txn2, err := st.Begin(ctx)
	require.NoError(t, err)
	avail, err := txn2.AvailabilityByRole(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, avail["admin"])

	n, err := txn2.ReleaseByExecution(ctx, "exec-pg-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, txn2.Commit(ctx))
}

func TestPostgresStore_DuplicateExecutionRejected(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	st := store.NewPostgresStore(pool)
	require.NoError(t, st.EnsureSchema(ctx))

	txn, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.CreateExecution(ctx, "exec-pg-dup", map[string]int{"admin": 1}, time.Now()))
	require.NoError(t, txn.Commit(ctx))

	txn2, err := st.Begin(ctx)
	require.NoError(t, err)
	err = txn2.CreateExecution(ctx, "exec-pg-dup", map[string]int{"admin": 1}, time.Now())
	require.Error(t, err)
	require.NoError(t, txn2.Rollback(ctx))
}

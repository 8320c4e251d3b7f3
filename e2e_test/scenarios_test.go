// Package e2e_test drives the full store→selector→coordinator stack
// through the literal scenarios named in the lease coordinator design,
// against the in-memory store so the suite runs without an external
// database. store/postgres_integration_test.go exercises the same claim
// primitive against a real Postgres container.
package e2e_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leasekeeper/coordinator"
	"leasekeeper/internal/config"
	"leasekeeper/store"
)

func seedRole(role string, n int, healthy bool) []store.PoolEntity {
	out := make([]store.PoolEntity, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, store.PoolEntity{
			Role:      role,
			IsHealthy: healthy,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		})
	}
	return out
}

// S1: happy path — a mixed-role request is granted in full, then released.
func TestScenario_HappyPath(t *testing.T) {
	ctx := context.Background()
	entities := append(seedRole("client", 3, true), seedRole("vendor", 2, true)...)
	st := store.NewMemoryStore(entities)
	c := coordinator.New(st, config.Default())

	grant, err := c.Acquire(ctx, "t1", map[string]int{"client": 2, "vendor": 1}, 10)
	require.NoError(t, err)
	require.Len(t, grant.ByRole["client"], 2)
	require.Len(t, grant.ByRole["vendor"], 1)

	ex, err := c.GetExecution(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, ex.Status)
	require.NotNil(t, ex.AcquiredAt)

	n, err := c.Release(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	avail, err := c.Availability(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, avail["client"])
	require.Equal(t, 2, avail["vendor"])
}

// S2: shortage then recovery — B only succeeds after A releases, and never
// observes any of A's entities before that release.
func TestScenario_ShortageThenRecovery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(seedRole("client", 3, true))
	c := coordinator.New(st, config.Default())

	grantA, err := c.Acquire(ctx, "a", map[string]int{"client": 3}, 10)
	require.NoError(t, err)
	require.Len(t, grantA.ByRole["client"], 3)

	bDone := make(chan struct{})
	var grantB *struct {
		ids []int64
		err error
	}
	releaseFired := make(chan struct{})

	go func() {
		defer close(bDone)
		cb := coordinator.New(st, config.Default())
		cb.SetSleepForTest(func(ctx context.Context, d time.Duration) error {
			select {
			case <-releaseFired:
			case <-time.After(50 * time.Millisecond):
			}
			return nil
		})
		g, err := cb.Acquire(ctx, "b", map[string]int{"client": 1}, 10)
		grantB = &struct {
			ids []int64
			err error
		}{err: err}
		if err == nil {
			grantB.ids = g.IDs()
		}
	}()

	time.Sleep(10 * time.Millisecond)
	n, err := c.Release(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	close(releaseFired)

	<-bDone
	require.NoError(t, grantB.err)
	require.Len(t, grantB.ids, 1)
	// A held every client, so B's entity can only be one A released.
	require.Subset(t, grantA.IDs(), grantB.ids)
}

// S3: timeout — only one of two required clients is ever available.
func TestScenario_Timeout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(seedRole("client", 1, true))
	c := coordinator.New(st, config.Default())
	c.SetSleepForTest(func(ctx context.Context, d time.Duration) error { return nil })

	_, err := c.Acquire(ctx, "t2", map[string]int{"client": 2}, 3)
	require.Error(t, err)

	ex, err := c.GetExecution(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, ex.Status)
}

// S4: duplicate id — a second acquire on the same exec_id fails immediately
// and the first execution's lease is untouched.
func TestScenario_DuplicateID(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(seedRole("client", 1, true))
	c := coordinator.New(st, config.Default())

	grant, err := c.Acquire(ctx, "t3", map[string]int{"client": 1}, 10)
	require.NoError(t, err)
	require.Len(t, grant.ByRole["client"], 1)

	_, err = c.Acquire(ctx, "t3", map[string]int{"client": 1}, 10)
	require.Error(t, err)

	ex, err := c.GetExecution(ctx, "t3")
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, ex.Status)
}

// S5: unhealthy excluded — one of two clients is unhealthy, so a request
// for two clients times out rather than returning a partial lease.
func TestScenario_UnhealthyExcluded(t *testing.T) {
	ctx := context.Background()
	entities := append(seedRole("client", 1, true), seedRole("client", 1, false)...)
	st := store.NewMemoryStore(entities)
	c := coordinator.New(st, config.Default())
	c.SetSleepForTest(func(ctx context.Context, d time.Duration) error { return nil })

	_, err := c.Acquire(ctx, "t4", map[string]int{"client": 2}, 1)
	require.Error(t, err)

	avail, err := c.Availability(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, avail["client"])
}

// S6: idempotent release — releasing the same execution twice is harmless.
func TestScenario_IdempotentRelease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(seedRole("client", 1, true))
	c := coordinator.New(st, config.Default())

	_, err := c.Acquire(ctx, "t5", map[string]int{"client": 1}, 10)
	require.NoError(t, err)

	n, err := c.Release(ctx, "t5")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = c.Release(ctx, "t5")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

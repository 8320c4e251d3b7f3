package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leasekeeper/internal/config"
	"leasekeeper/internal/poolerrors"
	"leasekeeper/store"
)

func seed(role string, n int) []store.PoolEntity {
	out := make([]store.PoolEntity, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, store.PoolEntity{Role: role, IsHealthy: true, CreatedAt: time.Now(), UpdatedAt: time.Now()})
	}
	return out
}

func noSleep(c *Coordinator) {
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
}

func TestAcquire_SucceedsOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(append(seed("admin", 2), seed("editor", 1)...))
	c := New(st, config.Default())
	noSleep(c)

	grant, err := c.Acquire(ctx, "exec-s1", map[string]int{"admin": 2, "editor": 1}, 5)
	require.NoError(t, err)
	require.Len(t, grant.ByRole["admin"], 2)
	require.Len(t, grant.ByRole["editor"], 1)

	ex, err := c.GetExecution(ctx, "exec-s1")
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, ex.Status)
}

func TestAcquire_RetriesThroughTransientShortage(t *testing.T) {
	ctx := context.Background()
	// No admin entities exist yet; one is added from within the backoff
	// hook, simulating another execution releasing one between attempts.
	st := store.NewMemoryStore(nil)
	c := New(st, config.Default())

	attempts := 0
	c.sleep = func(ctx context.Context, d time.Duration) error {
		attempts++
		st.AddEntity(store.PoolEntity{Role: "admin", IsHealthy: true, CreatedAt: time.Now(), UpdatedAt: time.Now()})
		return nil
	}

	grant, err := c.Acquire(ctx, "exec-s2", map[string]int{"admin": 1}, 3)
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
	require.Len(t, grant.ByRole["admin"], 1)
}

func TestAcquire_TimesOutAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(seed("admin", 0))
	c := New(st, config.Default())
	noSleep(c)

	_, err := c.Acquire(ctx, "exec-s3", map[string]int{"admin": 2}, 3)
	require.Error(t, err)
	require.ErrorIs(t, err, poolerrors.ErrAcquisitionTimedOut)

	var timeoutErr *poolerrors.AcquisitionTimedOutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "admin", timeoutErr.Role)
	require.Equal(t, 2, timeoutErr.Required)
	require.Equal(t, 0, timeoutErr.Available)

	ex, err := c.GetExecution(ctx, "exec-s3")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, ex.Status)
}

func TestAcquire_DuplicateExecutionIsNotRetried(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(seed("admin", 1))
	c := New(st, config.Default())
	noSleep(c)

	_, err := c.Acquire(ctx, "exec-s4", map[string]int{"admin": 1}, 5)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "exec-s4", map[string]int{"admin": 1}, 5)
	require.Error(t, err)
	require.ErrorIs(t, err, poolerrors.ErrDuplicateExecution)
}

func TestRelease_ClearsLeasesAndCompletesExecution(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(seed("admin", 1))
	c := New(st, config.Default())
	noSleep(c)

	_, err := c.Acquire(ctx, "exec-s5", map[string]int{"admin": 1}, 5)
	require.NoError(t, err)

	n, err := c.Release(ctx, "exec-s5")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ex, err := c.GetExecution(ctx, "exec-s5")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, ex.Status)

	n, err = c.Release(ctx, "exec-s5")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRelease_UnknownExecutionIsNotAnError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	c := New(st, config.Default())
	noSleep(c)

	n, err := c.Release(ctx, "exec-never-existed")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRelease_FailedExecutionStaysFailed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(seed("admin", 0))
	c := New(st, config.Default())
	noSleep(c)

	_, err := c.Acquire(ctx, "exec-s8", map[string]int{"admin": 1}, 2)
	require.Error(t, err)

	ex, err := c.GetExecution(ctx, "exec-s8")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, ex.Status)

	n, err := c.Release(ctx, "exec-s8")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	ex, err = c.GetExecution(ctx, "exec-s8")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, ex.Status)
}

func TestAcquire_RejectsZeroCountRole(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(seed("admin", 1))
	c := New(st, config.Default())
	noSleep(c)

	_, err := c.Acquire(ctx, "exec-s7", map[string]int{"admin": 0}, 5)
	require.Error(t, err)
	require.ErrorIs(t, err, poolerrors.ErrInvalidRequest)

	_, err = c.GetExecution(ctx, "exec-s7")
	require.Error(t, err, "an invalid request must never create an execution row")
}

func TestAvailability_ReflectsUnleasedHealthyCounts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(append(seed("admin", 3), seed("editor", 2)...))
	c := New(st, config.Default())
	noSleep(c)

	_, err := c.Acquire(ctx, "exec-s6", map[string]int{"admin": 1}, 5)
	require.NoError(t, err)

	avail, err := c.Availability(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, avail["admin"])
	require.Equal(t, 2, avail["editor"])
}

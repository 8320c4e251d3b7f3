// Package coordinator implements the Lease Coordinator: the retrying,
// execution-scoped orchestration layer that turns a role→count request
// into either a committed all-or-nothing grant or a timeout, backing off
// between attempts the way the original acquisition service does.
package coordinator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"leasekeeper/internal/config"
	"leasekeeper/internal/logger"
	"leasekeeper/internal/metrics"
	"leasekeeper/internal/poolerrors"
	"leasekeeper/selector"
	"leasekeeper/store"
)

var log = logger.GetLogger("coordinator")

// Coordinator is the entry point test executions use to acquire and
// release pool entities. One Coordinator is safe for concurrent use by
// many goroutines, each representing a different execution.
type Coordinator struct {
	st  store.Store
	sel *selector.Selector
	cfg config.Config

	mu  sync.Mutex
	rng *rand.Rand

	// now and sleep are overridden in tests so attempt timing is
	// deterministic instead of depending on a wall clock.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option customizes a Coordinator at construction, primarily so tests can
// replace wall-clock time and the backoff sleep with deterministic stand-ins.
type Option func(*Coordinator)

// WithClock overrides the function used to stamp *_at fields and measure
// acquisition duration.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithSleep overrides the backoff sleep, e.g. to make retries instant in a
// test or to inject a side effect (like releasing a competing lease)
// between attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// New builds a Coordinator over st using cfg's retry/backoff tunables.
func New(st store.Store, cfg config.Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		st:    st,
		sel:   selector.New(),
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSleepForTest swaps the backoff sleep function after construction. It
// exists for tests in other packages that need to synchronize a goroutine
// with a coordinator's retry loop; production callers should use
// WithSleep at construction instead.
func (c *Coordinator) SetSleepForTest(sleep func(context.Context, time.Duration) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleep = sleep
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire creates an execution record and attempts, up to maxRetries times
// (clamped to [1, 50] via cfg.ClampMaxRetries, falling back to the
// configured default when maxRetries <= 0), to atomically lease enough
// healthy, unleased entities to satisfy every role in requestedRoles.
//
// A duplicate execID is rejected immediately and is never retried — the
// caller's intent is ambiguous and retrying would silently mask a bug on
// the caller's side. A role shortage triggers a backoff sleep and another
// attempt. Exhausting every attempt marks the execution FAILED and returns
// an AcquisitionTimedOutError carrying the last-observed shortage.
func (c *Coordinator) Acquire(ctx context.Context, execID string, requestedRoles map[string]int, maxRetries int) (*selector.Grant, error) {
	for role, count := range requestedRoles {
		if role == "" || count < 1 {
			return nil, poolerrors.NewInvalidRequest(role, count)
		}
	}

	maxRetries = c.cfg.ClampMaxRetries(maxRetries)
	now := c.now()

	start := c.now()
	acquireResultLabel := "timeout"
	defer func() {
		metrics.AcquireDurationSeconds.WithLabelValues(acquireResultLabel).Observe(c.now().Sub(start).Seconds())
	}()

	createTxn, err := c.st.Begin(ctx)
	if err != nil {
		return nil, poolerrors.Annotatef(err, "begin create_execution")
	}
	if err := createTxn.CreateExecution(ctx, execID, requestedRoles, now); err != nil {
		_ = createTxn.Rollback(ctx)
		return nil, poolerrors.Trace(err)
	}
	if err := createTxn.Commit(ctx); err != nil {
		return nil, poolerrors.Trace(err)
	}

	var lastShortage *poolerrors.Shortage

	for attempt := 0; attempt < maxRetries; attempt++ {
		grant, shortage, err := c.attempt(ctx, execID, requestedRoles)
		if err != nil {
			metrics.AcquireAttemptsTotal.WithLabelValues("error").Inc()
			c.failExecution(ctx, execID)
			acquireResultLabel = "error"
			return nil, poolerrors.Annotatef(err, "acquire %q attempt %d", execID, attempt)
		}
		if shortage == nil {
			metrics.AcquireAttemptsTotal.WithLabelValues("granted").Inc()
			acquireResultLabel = "granted"
			return grant, nil
		}
		metrics.AcquireAttemptsTotal.WithLabelValues("shortage").Inc()
		lastShortage = shortage

		log.WithField("exec_id", execID).
			WithField("attempt", attempt).
			WithField("role", shortage.Role).
			Debug("acquisition attempt short, backing off")

		if attempt == maxRetries-1 {
			break
		}

		c.mu.Lock()
		delay := backoff(attempt, c.cfg, c.rng)
		sleep := c.sleep
		c.mu.Unlock()

		if err := sleep(ctx, delay); err != nil {
			acquireResultLabel = "error"
			c.failExecution(ctx, execID)
			return nil, poolerrors.Trace(err)
		}
	}

	acquireResultLabel = "timeout"
	c.failExecution(ctx, execID)
	if lastShortage == nil {
		lastShortage = &poolerrors.Shortage{}
	}
	return nil, poolerrors.NewAcquisitionTimedOut(execID, *lastShortage)
}

// attempt runs exactly one claim attempt in its own transaction, committing
// the lease on success or rolling back on shortage so the reserved rows
// become visible to the next contender immediately. The RUNNING transition
// is a second, separate commit (see markRunning) so that a failure after
// the lease is already durable never revokes it.
func (c *Coordinator) attempt(ctx context.Context, execID string, requestedRoles map[string]int) (*selector.Grant, *poolerrors.Shortage, error) {
	txn, err := c.st.Begin(ctx)
	if err != nil {
		return nil, nil, poolerrors.Annotatef(err, "begin attempt")
	}

	now := c.now()
	grant, shortage, err := c.sel.TryClaim(ctx, txn, execID, requestedRoles, now)
	if err != nil {
		_ = txn.Rollback(ctx)
		return nil, nil, poolerrors.Trace(err)
	}
	if shortage != nil {
		if err := txn.Rollback(ctx); err != nil {
			return nil, nil, poolerrors.Trace(err)
		}
		return nil, shortage, nil
	}

	if err := txn.Commit(ctx); err != nil {
		return nil, nil, poolerrors.Trace(err)
	}

	if err := c.markRunning(ctx, execID); err != nil {
		log.WithField("exec_id", execID).WithError(err).Warn("lease committed but could not mark execution running")
	}
	return grant, nil, nil
}

// markRunning transitions execID to RUNNING in its own transaction, after
// the lease itself is already committed. A failure here leaves the
// execution ACQUIRING with its entities already leased rather than
// revoking the lease just granted.
func (c *Coordinator) markRunning(ctx context.Context, execID string) error {
	txn, err := c.st.Begin(ctx)
	if err != nil {
		return poolerrors.Annotatef(err, "begin mark_running")
	}
	if err := txn.UpdateExecutionStatus(ctx, execID, store.StatusRunning, c.now()); err != nil {
		_ = txn.Rollback(ctx)
		return poolerrors.Trace(err)
	}
	return poolerrors.Trace(txn.Commit(ctx))
}

func (c *Coordinator) failExecution(ctx context.Context, execID string) {
	txn, err := c.st.Begin(ctx)
	if err != nil {
		log.WithField("exec_id", execID).WithError(err).Warn("could not open txn to mark execution failed")
		return
	}
	if err := txn.UpdateExecutionStatus(ctx, execID, store.StatusFailed, c.now()); err != nil {
		log.WithField("exec_id", execID).WithError(err).Warn("could not mark execution failed")
		_ = txn.Rollback(ctx)
		return
	}
	if err := txn.Commit(ctx); err != nil {
		log.WithField("exec_id", execID).WithError(err).Warn("could not commit execution failure")
	}
}

// Release clears every entity leased to execID. If the execution is still
// ACQUIRING or RUNNING, it is transitioned to COMPLETED; a FAILED execution
// stays FAILED (terminal), and a COMPLETED one stays COMPLETED — release is
// idempotent in both status and row cleanup. An unknown execID is not an
// error: it simply has nothing to release, so 0 comes back.
func (c *Coordinator) Release(ctx context.Context, execID string) (int, error) {
	txn, err := c.st.Begin(ctx)
	if err != nil {
		return 0, poolerrors.Annotatef(err, "begin release")
	}

	ex, err := txn.GetExecution(ctx, execID)
	if err != nil {
		_ = txn.Rollback(ctx)
		return 0, nil
	}

	n, err := c.sel.Release(ctx, txn, execID)
	if err != nil {
		_ = txn.Rollback(ctx)
		return 0, poolerrors.Trace(err)
	}

	if ex.Status != store.StatusFailed && ex.Status != store.StatusCompleted {
		if err := txn.UpdateExecutionStatus(ctx, execID, store.StatusCompleted, c.now()); err != nil {
			_ = txn.Rollback(ctx)
			return 0, poolerrors.Trace(err)
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return 0, poolerrors.Trace(err)
	}
	metrics.ReleasedEntitiesTotal.Add(float64(n))
	return n, nil
}

// Availability reports the current unleased+healthy entity count per role.
func (c *Coordinator) Availability(ctx context.Context) (map[string]int, error) {
	txn, err := c.st.Begin(ctx)
	if err != nil {
		return nil, poolerrors.Annotatef(err, "begin availability")
	}
	avail, err := c.sel.Availability(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return nil, poolerrors.Trace(err)
	}
	if err := txn.Rollback(ctx); err != nil {
		return nil, poolerrors.Trace(err)
	}
	for role, count := range avail {
		metrics.AvailableEntities.WithLabelValues(role).Set(float64(count))
	}
	return avail, nil
}

// GetExecution fetches an execution's current lifecycle state.
func (c *Coordinator) GetExecution(ctx context.Context, execID string) (*store.Execution, error) {
	txn, err := c.st.Begin(ctx)
	if err != nil {
		return nil, poolerrors.Annotatef(err, "begin get_execution")
	}
	ex, err := txn.GetExecution(ctx, execID)
	if err != nil {
		_ = txn.Rollback(ctx)
		return nil, poolerrors.Trace(err)
	}
	if err := txn.Rollback(ctx); err != nil {
		return nil, poolerrors.Trace(err)
	}
	return ex, nil
}

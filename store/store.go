// Package store defines the Directory Store Adapter contract: transactional
// access to the entities and executions collections, plus the row-locking
// primitives the selector and coordinator build on. Adapter is intentionally
// thin — it has no opinion on retry or multi-role semantics, only on what a
// single committed transaction can do to the two collections.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Status is an Execution's lifecycle state. The only legal transitions are
// Acquiring->Running, Acquiring->Failed, Running->Completed, and
// Acquiring->Completed when a release races an acquisition.
type Status string

const (
	StatusAcquiring Status = "ACQUIRING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// PoolEntity is one pre-provisioned test account in the directory.
type PoolEntity struct {
	ID          int64
	Role        string
	Credentials json.RawMessage
	IsLeased    bool
	IsHealthy   bool
	LeasedBy    *string
	LeasedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Execution is a client-named unit of work that holds zero or more leases.
type Execution struct {
	ID             string
	RequestedRoles map[string]int
	Status         Status
	CreatedAt      time.Time
	AcquiredAt     *time.Time
	CompletedAt    *time.Time
}

// Txn is a single logical transaction against the directory store. Every
// method must be called against a txn obtained from the same Begin call;
// mixing txns is a programming error the adapter is free to reject.
//
// The atomic grant primitive is ClaimCandidates followed by MarkLeased
// inside one committed Txn: before commit, the rows are reserved but
// invisible to other ClaimCandidates callers (they skip them); after
// commit they are visible to the rest of the system as leased.
type Txn interface {
	// ClaimCandidates selects up to count entity ids with role = R,
	// ¬is_leased, is_healthy, ordered by leased_at with nulls first, and
	// takes an exclusive lock on those rows that is skipped by any
	// concurrent transaction running the same query. It may return fewer
	// than count ids; that is a shortage, not an error.
	ClaimCandidates(ctx context.Context, role string, count int) ([]int64, error)

	// MarkLeased sets is_leased/leased_by/leased_at on every id given. It
	// must only be called on ids this txn obtained from ClaimCandidates.
	MarkLeased(ctx context.Context, ids []int64, execID string, now time.Time) error

	// GetEntities hydrates full rows for a set of ids, in the same txn, so
	// callers observe the entities as they exist right after MarkLeased.
	GetEntities(ctx context.Context, ids []int64) ([]PoolEntity, error)

	// ReleaseByExecution clears is_leased/leased_by/leased_at on every row
	// owned by execID and returns the number of rows touched. Calling it a
	// second time for the same execID returns 0.
	ReleaseByExecution(ctx context.Context, execID string) (int, error)

	// CreateExecution inserts a new Execution row with status=ACQUIRING.
	// It must fail with a non-transient, detectable error when id already
	// exists; see store/postgres.go and store/memory.go for how each
	// backend surfaces that.
	CreateExecution(ctx context.Context, id string, requestedRoles map[string]int, now time.Time) error

	// GetExecution fetches an Execution by id, or a not-found error.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// UpdateExecutionStatus transitions status and stamps the timestamp
	// appropriate to that transition (acquired_at for Running, completed_at
	// for Completed/Failed); it is a no-op on the other timestamp fields.
	UpdateExecutionStatus(ctx context.Context, id string, status Status, now time.Time) error

	// AvailabilityByRole counts ¬is_leased ∧ is_healthy rows grouped by
	// role. It is a snapshot only and may be stale immediately.
	AvailabilityByRole(ctx context.Context) (map[string]int, error)

	// Commit finalizes the transaction. Rows claimed-but-not-committed
	// become visible to concurrent ClaimCandidates callers again.
	Commit(ctx context.Context) error

	// Rollback discards every mutation made on this txn.
	Rollback(ctx context.Context) error
}

// Store opens transactions against the directory. Implementations: the
// Postgres-backed adapter in postgres.go for production, and the
// mutex-serialized in-memory adapter in memory.go for tests and for stores
// that cannot offer SKIP LOCKED natively (see design notes in DESIGN.md).
type Store interface {
	Begin(ctx context.Context) (Txn, error)
}

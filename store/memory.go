package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"leasekeeper/internal/poolerrors"
)

// MemoryStore is an in-process Directory Store Adapter for tests and for
// deployments without a SKIP LOCKED-capable backend (see the design note in
// DESIGN.md on the CAS alternative). It serializes every transaction behind
// a single mutex and stamps a monotonically increasing revision on every
// commit: a writer is handed a private copy of the world, and because no
// other transaction can run until it finishes, commit always applies
// cleanly and is never rejected.
type MemoryStore struct {
	mu sync.Mutex

	entities   map[int64]*PoolEntity
	executions map[string]*Execution
	nextID     int64

	// revision increments on every committed mutation. It is not consulted
	// for conflict detection here (the store-wide mutex already serializes
	// transactions end to end) but is kept and exposed so tests can assert
	// forward progress.
	revision uint64
}

// NewMemoryStore returns an empty store. Seed is a convenience for tests
// that want entities preloaded; it is optional and may be nil.
func NewMemoryStore(seed []PoolEntity) *MemoryStore {
	s := &MemoryStore{
		entities:   make(map[int64]*PoolEntity),
		executions: make(map[string]*Execution),
	}
	for _, e := range seed {
		e := e
		s.nextID++
		if e.ID == 0 {
			e.ID = s.nextID
		} else if e.ID > s.nextID {
			s.nextID = e.ID
		}
		s.entities[e.ID] = &e
	}
	return s
}

// AddEntity inserts e directly into the store outside of any transaction,
// assigning it an id if it doesn't have one. It exists for seeding tests
// that need to simulate an entity becoming available between one claim
// attempt and the next.
func (s *MemoryStore) AddEntity(e PoolEntity) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if e.ID == 0 {
		e.ID = s.nextID
	} else if e.ID > s.nextID {
		s.nextID = e.ID
	}
	s.entities[e.ID] = &e
	return e.ID
}

// Revision reports the number of committed mutations so far.
func (s *MemoryStore) Revision() uint64 {
	return atomic.LoadUint64(&s.revision)
}

// Begin locks the store for the duration of the transaction and hands the
// caller an isolated working copy of both collections. Nothing is visible
// to other Begin callers — who block until Commit or Rollback — until
// Commit replaces the store's maps with the working copy.
func (s *MemoryStore) Begin(_ context.Context) (Txn, error) {
	s.mu.Lock()
	entities := make(map[int64]*PoolEntity, len(s.entities))
	for id, e := range s.entities {
		cp := *e
		entities[id] = &cp
	}
	executions := make(map[string]*Execution, len(s.executions))
	for id, ex := range s.executions {
		cp := *ex
		executions[id] = &cp
	}
	return &memTxn{
		store:      s,
		entities:   entities,
		executions: executions,
		nextID:     s.nextID,
	}, nil
}

type memTxn struct {
	store      *MemoryStore
	entities   map[int64]*PoolEntity
	executions map[string]*Execution
	nextID     int64
	done       bool
}

func (t *memTxn) ClaimCandidates(_ context.Context, role string, count int) ([]int64, error) {
	var candidates []*PoolEntity
	for _, e := range t.entities {
		if e.Role == role && !e.IsLeased && e.IsHealthy {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.LeasedAt == nil && b.LeasedAt == nil:
			return a.ID < b.ID
		case a.LeasedAt == nil:
			return true
		case b.LeasedAt == nil:
			return false
		case a.LeasedAt.Equal(*b.LeasedAt):
			return a.ID < b.ID
		default:
			return a.LeasedAt.Before(*b.LeasedAt)
		}
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	ids := make([]int64, len(candidates))
	for i, e := range candidates {
		ids[i] = e.ID
	}
	return ids, nil
}

func (t *memTxn) MarkLeased(_ context.Context, ids []int64, execID string, now time.Time) error {
	for _, id := range ids {
		e, ok := t.entities[id]
		if !ok {
			return poolerrors.Annotatef(fmt.Errorf("entity %d not found", id), "mark_leased")
		}
		e.IsLeased = true
		owner := execID
		e.LeasedBy = &owner
		stamp := now
		e.LeasedAt = &stamp
		e.UpdatedAt = now
	}
	return nil
}

func (t *memTxn) GetEntities(_ context.Context, ids []int64) ([]PoolEntity, error) {
	out := make([]PoolEntity, 0, len(ids))
	for _, id := range ids {
		e, ok := t.entities[id]
		if !ok {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (t *memTxn) ReleaseByExecution(_ context.Context, execID string) (int, error) {
	now := time.Now().UTC()
	n := 0
	for _, e := range t.entities {
		if e.LeasedBy != nil && *e.LeasedBy == execID {
			e.IsLeased = false
			e.LeasedBy = nil
			e.LeasedAt = nil
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (t *memTxn) CreateExecution(_ context.Context, id string, requestedRoles map[string]int, now time.Time) error {
	if _, exists := t.executions[id]; exists {
		return poolerrors.NewDuplicateExecution(id)
	}
	roles := make(map[string]int, len(requestedRoles))
	for k, v := range requestedRoles {
		roles[k] = v
	}
	t.executions[id] = &Execution{
		ID:             id,
		RequestedRoles: roles,
		Status:         StatusAcquiring,
		CreatedAt:      now,
	}
	return nil
}

func (t *memTxn) GetExecution(_ context.Context, id string) (*Execution, error) {
	ex, ok := t.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %q: not found", id)
	}
	cp := *ex
	return &cp, nil
}

func (t *memTxn) UpdateExecutionStatus(_ context.Context, id string, status Status, now time.Time) error {
	ex, ok := t.executions[id]
	if !ok {
		return fmt.Errorf("execution %q: not found", id)
	}
	ex.Status = status
	switch status {
	case StatusRunning:
		stamp := now
		ex.AcquiredAt = &stamp
	case StatusCompleted, StatusFailed:
		if ex.CompletedAt == nil {
			stamp := now
			ex.CompletedAt = &stamp
		}
	}
	return nil
}

func (t *memTxn) AvailabilityByRole(_ context.Context) (map[string]int, error) {
	out := map[string]int{}
	for _, e := range t.entities {
		if !e.IsLeased && e.IsHealthy {
			out[e.Role]++
		}
	}
	return out, nil
}

func (t *memTxn) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.mu.Unlock()

	t.store.entities = t.entities
	t.store.executions = t.executions
	t.store.nextID = t.nextID
	atomic.AddUint64(&t.store.revision, 1)
	return nil
}

func (t *memTxn) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

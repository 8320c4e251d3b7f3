// Package selector implements one all-or-nothing claim attempt against the
// directory store: given a role→count request, either every role is
// satisfied within the same transaction or none of them are, and the
// caller (the coordinator) decides whether to commit or roll back.
package selector

import (
	"context"
	"sort"
	"time"

	"leasekeeper/internal/logger"
	"leasekeeper/internal/poolerrors"
	"leasekeeper/store"
)

var log = logger.GetLogger("selector")

// Grant is what one successful TryClaim call hands back: the full rows for
// every entity leased to execID, keyed by role.
type Grant struct {
	ByRole map[string][]store.PoolEntity
}

// IDs flattens a Grant into the entity ids leased across every role, in no
// particular order.
func (g Grant) IDs() []int64 {
	var ids []int64
	for _, entities := range g.ByRole {
		for _, e := range entities {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Selector performs claim attempts. It holds no state of its own; every
// method takes the Txn it should operate within, so the coordinator
// controls the commit/rollback boundary around each attempt.
type Selector struct{}

// New returns a Selector. It is stateless and safe to share.
func New() *Selector {
	return &Selector{}
}

// TryClaim attempts to satisfy every role in requested within txn. Roles
// are processed in sorted order so that concurrent executions requesting
// the same role set contend for rows in the same order, rather than
// deadlocking on lock acquisition order (SKIP LOCKED means no blocking
// occurs, but a stable order still keeps attempts' failure patterns
// predictable and testable).
//
// On full success, every claimed id is marked leased to execID and the
// hydrated rows are returned. On a shortage, TryClaim returns immediately
// without marking anything leased; because SKIP LOCKED candidates are only
// reserved for the lifetime of the uncommitted transaction, the caller must
// roll back to release them back to other attempts.
func (s *Selector) TryClaim(ctx context.Context, txn store.Txn, execID string, requested map[string]int, now time.Time) (*Grant, *poolerrors.Shortage, error) {
	roles := make([]string, 0, len(requested))
	for role := range requested {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	claimed := make(map[string][]int64, len(roles))
	for _, role := range roles {
		count := requested[role]
		if role == "" || count < 1 {
			return nil, nil, poolerrors.NewInvalidRequest(role, count)
		}
		ids, err := txn.ClaimCandidates(ctx, role, count)
		if err != nil {
			return nil, nil, poolerrors.Annotatef(err, "claim role %q", role)
		}
		if len(ids) < count {
			log.WithField("role", role).
				WithField("required", count).
				WithField("available", len(ids)).
				Debug("shortage on claim attempt")
			shortage, _ := poolerrors.IsShortage(poolerrors.NewShortage(role, count, len(ids)))
			return nil, shortage, nil
		}
		claimed[role] = ids
	}

	grant := &Grant{ByRole: make(map[string][]store.PoolEntity, len(claimed))}
	for role, ids := range claimed {
		if err := txn.MarkLeased(ctx, ids, execID, now); err != nil {
			return nil, nil, poolerrors.Annotatef(err, "mark leased role %q", role)
		}
		entities, err := txn.GetEntities(ctx, ids)
		if err != nil {
			return nil, nil, poolerrors.Annotatef(err, "hydrate role %q", role)
		}
		grant.ByRole[role] = entities
	}
	return grant, nil, nil
}

// Release clears every entity leased to execID within txn; committing is
// left to the caller.
// Releasing an execution that holds nothing (already released, or one
// that never acquired anything) is a no-op, not an error.
func (s *Selector) Release(ctx context.Context, txn store.Txn, execID string) (int, error) {
	n, err := txn.ReleaseByExecution(ctx, execID)
	if err != nil {
		return 0, poolerrors.Annotatef(err, "release execution %q", execID)
	}
	return n, nil
}

// Availability reports the current unleased+healthy count per role. It is
// a point-in-time snapshot with no isolation guarantee beyond the
// transaction it's read in.
func (s *Selector) Availability(ctx context.Context, txn store.Txn) (map[string]int, error) {
	avail, err := txn.AvailabilityByRole(ctx)
	if err != nil {
		return nil, poolerrors.Trace(err)
	}
	return avail, nil
}

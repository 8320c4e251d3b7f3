package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"leasekeeper/internal/logger"
	"leasekeeper/internal/poolerrors"
)

const (
	entitiesTable   = "pool_entities"
	executionsTable = "pool_executions"

	// uniqueViolation is the Postgres SQLSTATE for a primary/unique key
	// collision, used to tell a DuplicateExecution from a transient failure.
	uniqueViolation = "23505"
)

// PostgresStore is the production Directory Store Adapter. It requires a
// backend that supports SELECT ... FOR UPDATE SKIP LOCKED, which Postgres
// has offered natively since 9.5; this is the grant primitive the whole
// design rests on (see DESIGN.md).
type PostgresStore struct {
	pool *pgxpool.Pool
	log  logrusEntry
}

// logrusEntry is the subset of *logrus.Entry (what logger.GetLogger
// returns) that this adapter needs, so this file doesn't import logrus by
// name.
type logrusEntry = interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NewPostgresStore wraps an already-configured pgxpool.Pool. Pool sizing and
// pre-ping liveness checks are the caller's concern (config.Config.StorePoolSize,
// StorePoolPrePing); this adapter only issues queries against it.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		log:  logger.GetLogger("store/postgres"),
	}
}

// EnsureSchema creates the entities and executions tables and their
// indexes if they do not already exist. It is idempotent and safe to call
// on every process start.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + entitiesTable + ` (
			id          BIGSERIAL PRIMARY KEY,
			role        TEXT NOT NULL,
			credentials JSONB,
			is_leased   BOOLEAN NOT NULL DEFAULT false,
			is_healthy  BOOLEAN NOT NULL DEFAULT true,
			leased_by   TEXT,
			leased_at   TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_entities_role ON ` + entitiesTable + ` (role)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_entities_is_leased ON ` + entitiesTable + ` (is_leased)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_entities_leased_by ON ` + entitiesTable + ` (leased_by)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_entities_claim ON ` + entitiesTable + ` (role, is_leased, is_healthy, leased_at)`,

		`CREATE TABLE IF NOT EXISTS ` + executionsTable + ` (
			id              TEXT PRIMARY KEY,
			requested_roles JSONB NOT NULL,
			status          TEXT NOT NULL DEFAULT 'ACQUIRING',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			acquired_at     TIMESTAMPTZ,
			completed_at    TIMESTAMPTZ
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return poolerrors.NewStoreUnavailable("ensure schema", err)
		}
	}
	return nil
}

// Begin starts a read-committed transaction, the minimum isolation the
// grant primitive requires (SKIP LOCKED already prevents the anomalies a
// stronger level would otherwise need to rule out).
func (s *PostgresStore) Begin(ctx context.Context) (Txn, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, poolerrors.NewStoreUnavailable("begin", err)
	}
	return &pgTxn{tx: tx, log: s.log}, nil
}

type pgTxn struct {
	tx  pgx.Tx
	log logrusEntry
}

func (t *pgTxn) ClaimCandidates(ctx context.Context, role string, count int) ([]int64, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM `+entitiesTable+`
		WHERE role = $1 AND NOT is_leased AND is_healthy
		ORDER BY leased_at ASC NULLS FIRST
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		role, count)
	if err != nil {
		return nil, poolerrors.NewStoreUnavailable("claim_candidates", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, poolerrors.NewStoreUnavailable("claim_candidates scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, poolerrors.NewStoreUnavailable("claim_candidates rows", err)
	}
	return ids, nil
}

func (t *pgTxn) MarkLeased(ctx context.Context, ids []int64, execID string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE `+entitiesTable+`
		SET is_leased = true, leased_by = $1, leased_at = $2, updated_at = $2
		WHERE id = ANY($3)`,
		execID, now, ids)
	if err != nil {
		return poolerrors.NewStoreUnavailable("mark_leased", err)
	}
	return nil
}

func (t *pgTxn) GetEntities(ctx context.Context, ids []int64) ([]PoolEntity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id, role, credentials, is_leased, is_healthy, leased_by, leased_at, created_at, updated_at
		FROM `+entitiesTable+`
		WHERE id = ANY($1)`,
		ids)
	if err != nil {
		return nil, poolerrors.NewStoreUnavailable("get_entities", err)
	}
	defer rows.Close()

	var out []PoolEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, poolerrors.NewStoreUnavailable("get_entities scan", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTxn) ReleaseByExecution(ctx context.Context, execID string) (int, error) {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE `+entitiesTable+`
		SET is_leased = false, leased_by = NULL, leased_at = NULL, updated_at = $2
		WHERE leased_by = $1`,
		execID, now)
	if err != nil {
		return 0, poolerrors.NewStoreUnavailable("release_by_execution", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTxn) CreateExecution(ctx context.Context, id string, requestedRoles map[string]int, now time.Time) error {
	payload, err := json.Marshal(requestedRoles)
	if err != nil {
		return poolerrors.Trace(err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO `+executionsTable+` (id, requested_roles, status, created_at)
		VALUES ($1, $2, $3, $4)`,
		id, payload, string(StatusAcquiring), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return poolerrors.NewDuplicateExecution(id)
		}
		return poolerrors.NewStoreUnavailable("create_execution", err)
	}
	return nil
}

func (t *pgTxn) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, requested_roles, status, created_at, acquired_at, completed_at
		FROM `+executionsTable+`
		WHERE id = $1`,
		id)
	return scanExecution(row)
}

func (t *pgTxn) UpdateExecutionStatus(ctx context.Context, id string, status Status, now time.Time) error {
	setClause := "status = $2"
	args := []interface{}{id, string(status), now}
	switch status {
	case StatusRunning:
		setClause += ", acquired_at = $3"
	case StatusCompleted, StatusFailed:
		setClause += ", completed_at = COALESCE(completed_at, $3)"
	}
	tag, err := t.tx.Exec(ctx, `UPDATE `+executionsTable+` SET `+setClause+` WHERE id = $1`, args...)
	if err != nil {
		return poolerrors.NewStoreUnavailable("update_execution_status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %q: not found", id)
	}
	return nil
}

func (t *pgTxn) AvailabilityByRole(ctx context.Context) (map[string]int, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT role, COUNT(*) FROM `+entitiesTable+`
		WHERE NOT is_leased AND is_healthy
		GROUP BY role`)
	if err != nil {
		return nil, poolerrors.NewStoreUnavailable("availability_by_role", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var role string
		var count int
		if err := rows.Scan(&role, &count); err != nil {
			return nil, poolerrors.NewStoreUnavailable("availability_by_role scan", err)
		}
		out[role] = count
	}
	return out, rows.Err()
}

func (t *pgTxn) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return poolerrors.NewStoreUnavailable("commit", err)
	}
	return nil
}

func (t *pgTxn) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return poolerrors.NewStoreUnavailable("rollback", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (PoolEntity, error) {
	var e PoolEntity
	var credentials []byte
	if err := row.Scan(
		&e.ID, &e.Role, &credentials, &e.IsLeased, &e.IsHealthy,
		&e.LeasedBy, &e.LeasedAt, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return PoolEntity{}, err
	}
	if credentials != nil {
		e.Credentials = json.RawMessage(credentials)
	}
	return e, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var ex Execution
	var requestedRoles []byte
	var status string
	if err := row.Scan(&ex.ID, &requestedRoles, &status, &ex.CreatedAt, &ex.AcquiredAt, &ex.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("execution not found: %w", err)
		}
		return nil, poolerrors.NewStoreUnavailable("get_execution scan", err)
	}
	ex.Status = Status(status)
	if err := json.Unmarshal(requestedRoles, &ex.RequestedRoles); err != nil {
		return nil, poolerrors.Trace(err)
	}
	return &ex, nil
}

// Package store provides the task data access layer. The PostgreSQL
// implementation in this package uses *pgxpool.Pool directly for pgx native
// transactions, FOR UPDATE SKIP LOCKED row locks and transactional advisory
// locks. Alternative backends live in the memstore and mysqlstore
// subpackages and satisfy the same TaskStore interface.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed TaskStore.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ TaskStore = (*Store)(nil)

// New creates a Store backed by pool. The caller owns the pool and closes it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, log: slog.Default().With("component", "store")}
}

// Pool returns the underlying pgxpool for callers that need pgx native
// operations (tests, health checks).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withTx runs fn inside a pgx native transaction. The transaction is
// committed if fn returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// taskColumns is the canonical column order read by scanTask.
const taskColumns = `task_id, namespace_id, function, input, priority,
    concurrency_threshold, created_at, started_at, ended_at, canceled_at,
    output, exception`

// scanTask reads one row in taskColumns order.
func scanTask(row pgx.Row) (*Task, error) {
	var (
		t         Task
		input     []byte
		output    []byte
		exception []byte
	)
	if err := row.Scan(
		&t.TaskID,
		&t.NamespaceID,
		&t.Function,
		&input,
		&t.Priority,
		&t.ConcurrencyThreshold,
		&t.CreatedAt,
		&t.StartedAt,
		&t.EndedAt,
		&t.CanceledAt,
		&output,
		&exception,
	); err != nil {
		return nil, err
	}
	if err := DecodeJSONColumns(&t, input, output, exception); err != nil {
		return nil, err
	}
	return &t, nil
}

// DecodeJSONColumns fills the input, output and exception fields of t from
// their raw column bytes. nil bytes mean SQL NULL.
func DecodeJSONColumns(t *Task, input, output, exception []byte) error {
	if input != nil {
		t.Input = json.RawMessage(input)
	}
	if output != nil {
		t.Output = json.RawMessage(output)
	}
	if exception != nil {
		var exc Exception
		if err := json.Unmarshal(exception, &exc); err != nil {
			return fmt.Errorf("decode exception of task %s: %w", t.TaskID, err)
		}
		t.Exception = &exc
	}
	return nil
}

// jsonArg converts raw JSON into a query argument. Strings are used instead of
// []byte so the value is sent as text under both the simple and extended
// protocols; the SQL casts it with ::jsonb. nil becomes SQL NULL.
func jsonArg(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// isClaimRace reports whether err is a conflict between concurrent claimers
// that the caller should treat as "nothing claimed" and retry on its next poll.
func isClaimRace(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "23505", // unique_violation
		"23514", // check_violation
		"40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Package mysqlstore is the MySQL 8 TaskStore. It runs over database/sql with
// github.com/go-sql-driver/mysql and relies on InnoDB FOR UPDATE SKIP LOCKED
// for candidate selection and on GET_LOCK for namespace admission.
package mysqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/import-ai/magic-box-wizard/internal/store"
)

// Store is the MySQL-backed TaskStore.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var _ store.TaskStore = (*Store)(nil)

// New creates a Store backed by db. The caller owns db and closes it.
func New(db *sql.DB) *Store {
	return &Store{db: db, log: slog.Default().With("component", "mysqlstore")}
}

// Open parses dsn, forces the options the store depends on (parseTime, UTC
// location and session time zone), and returns a pinged *sql.DB.
func Open(ctx context.Context, dsn string, maxConns int, maxIdle time.Duration) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["time_zone"] = "'+00:00'"

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if maxIdle > 0 {
		db.SetConnMaxIdleTime(maxIdle)
	}
	db.SetConnMaxLifetime(10 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const taskColumns = "task_id, namespace_id, `function`, input, priority, " +
	"concurrency_threshold, created_at, started_at, ended_at, canceled_at, output, exception"

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*store.Task, error) {
	var (
		t                           store.Task
		started, ended, canceled    sql.NullTime
		input, output, exceptionRaw []byte
	)
	if err := row.Scan(
		&t.TaskID,
		&t.NamespaceID,
		&t.Function,
		&input,
		&t.Priority,
		&t.ConcurrencyThreshold,
		&t.CreatedAt,
		&started,
		&ended,
		&canceled,
		&output,
		&exceptionRaw,
	); err != nil {
		return nil, err
	}
	t.StartedAt = nullTime(started)
	t.EndedAt = nullTime(ended)
	t.CanceledAt = nullTime(canceled)
	if err := store.DecodeJSONColumns(&t, input, output, exceptionRaw); err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

func mysqlErrNumber(err error) (uint16, bool) {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return 0, false
	}
	return myErr.Number, true
}

// isClaimRace reports whether err is a conflict between concurrent claimers.
func isClaimRace(err error) bool {
	n, ok := mysqlErrNumber(err)
	if !ok {
		return false
	}
	switch n {
	case 1062, // ER_DUP_ENTRY
		1205, // ER_LOCK_WAIT_TIMEOUT
		1213, // ER_LOCK_DEADLOCK
		3572, // ER_LOCK_NOWAIT
		3819: // ER_CHECK_CONSTRAINT_VIOLATED
		return true
	}
	return false
}

func (s *Store) getTask(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string, forUpdate bool) (*store.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTask(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	return t, err
}

// CreateTask inserts a pending task. created_at is assigned by the database.
func (s *Store) CreateTask(ctx context.Context, nt store.NewTask) (*store.Task, error) {
	nt, err := store.PrepareNewTask(nt)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO tasks (task_id, namespace_id, `function`, input, priority, concurrency_threshold) VALUES (?, ?, ?, ?, ?, ?)",
		nt.TaskID, nt.NamespaceID, nt.Function, string(nt.Input), nt.PriorityValue(), nt.ConcurrencyThreshold)
	if err != nil {
		if n, ok := mysqlErrNumber(err); ok && n == 1062 {
			return nil, store.ErrTaskConflict
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	t, err := s.getTask(ctx, s.db, nt.TaskID, false)
	if err != nil {
		return nil, fmt.Errorf("create task: read back: %w", err)
	}
	return t, nil
}

// GetTask returns the task with the given id, or store.ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	t, err := s.getTask(ctx, s.db, id, false)
	if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, err
}

// ListTasks returns tasks newest first, optionally filtered by namespace and
// derived status.
func (s *Store) ListTasks(ctx context.Context, p store.ListTasksParams) ([]store.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE (? = '' OR namespace_id = ?)`
	if p.Status != "" {
		pred, ok := store.StatusPredicate(p.Status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidTask, p.Status)
		}
		query += ` AND ` + pred
	}
	query += ` ORDER BY created_at DESC, task_id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, p.NamespaceID, p.NamespaceID, p.EffectiveLimit())
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	tasks := []store.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: scan: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// CancelTask withdraws a pending task from eligibility.
func (s *Store) CancelTask(ctx context.Context, id string) (*store.Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET canceled_at = CURRENT_TIMESTAMP(6)
		 WHERE task_id = ? AND started_at IS NULL AND canceled_at IS NULL`, id)
	if err != nil {
		return nil, fmt.Errorf("cancel task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("cancel task %s: %w", id, err)
	}
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 1 || cur.Status() == store.StatusCanceled {
		return cur, nil
	}
	return nil, fmt.Errorf("cancel task %s: %w (status %s)", id, store.ErrTaskNotPending, cur.Status())
}

// CompleteTask records a successful result on a running task.
func (s *Store) CompleteTask(ctx context.Context, id string, output []byte) (*store.Task, error) {
	out := store.NormalizeOutput(output)
	if !json.Valid(out) {
		return nil, fmt.Errorf("complete task %s: %w: output is not valid JSON", id, store.ErrInvalidTask)
	}
	t, err := s.finish(ctx, id,
		`UPDATE tasks SET output = ?, ended_at = CURRENT_TIMESTAMP(6) WHERE task_id = ?`, string(out))
	if err != nil {
		return nil, fmt.Errorf("complete task %s: %w", id, err)
	}
	return t, nil
}

// FailTask records a structured failure on a running task.
func (s *Store) FailTask(ctx context.Context, id string, exc store.Exception) (*store.Task, error) {
	raw, err := json.Marshal(exc)
	if err != nil {
		return nil, fmt.Errorf("fail task %s: marshal exception: %w", id, err)
	}
	t, err := s.finish(ctx, id,
		`UPDATE tasks SET exception = ?, ended_at = CURRENT_TIMESTAMP(6) WHERE task_id = ?`, string(raw))
	if err != nil {
		return nil, fmt.Errorf("fail task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) finish(ctx context.Context, id, update string, arg any) (*store.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	cur, err := s.getTask(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if cur.StartedAt == nil || cur.EndedAt != nil {
		return nil, store.ErrTaskNotRunning
	}
	if _, err := tx.ExecContext(ctx, update, arg, id); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	t, err := s.getTask(ctx, tx, id, true)
	if err != nil {
		return nil, fmt.Errorf("read back: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return t, nil
}

// CountRunning returns the number of running tasks in namespaceID.
func (s *Store) CountRunning(ctx context.Context, namespaceID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, countRunningSQL, namespaceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running %s: %w", namespaceID, err)
	}
	return n, nil
}

// RunningCounts returns the number of running tasks per namespace.
func (s *Store) RunningCounts(ctx context.Context) (map[string]int, error) {
	pred, _ := store.StatusPredicate(store.StatusRunning)
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace_id, COUNT(*) FROM tasks WHERE `+pred+` GROUP BY namespace_id`)
	if err != nil {
		return nil, fmt.Errorf("running counts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[string]int)
	for rows.Next() {
		var (
			ns string
			n  int
		)
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, fmt.Errorf("running counts: scan: %w", err)
		}
		counts[ns] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("running counts: %w", err)
	}
	return counts, nil
}

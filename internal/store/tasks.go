package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const insertTaskSQL = `
INSERT INTO tasks (task_id, namespace_id, function, input, priority, concurrency_threshold)
VALUES ($1, $2, $3, $4::jsonb, $5, $6)
RETURNING ` + taskColumns

// CreateTask inserts a pending task. created_at is assigned by the database.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	nt, err := PrepareNewTask(nt)
	if err != nil {
		return nil, err
	}
	t, err := scanTask(s.pool.QueryRow(ctx, insertTaskSQL,
		nt.TaskID,
		nt.NamespaceID,
		nt.Function,
		jsonArg(nt.Input),
		nt.PriorityValue(),
		nt.ConcurrencyThreshold,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrTaskConflict
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// GetTask returns the task with the given id, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// statusPredicates maps a derived Status to the SQL that selects it. Kept in
// sync with Task.Status.
var statusPredicates = map[Status]string{
	StatusPending:   "started_at IS NULL AND canceled_at IS NULL",
	StatusRunning:   "started_at IS NOT NULL AND ended_at IS NULL AND canceled_at IS NULL",
	StatusCompleted: "ended_at IS NOT NULL AND exception IS NULL",
	StatusFailed:    "ended_at IS NOT NULL AND exception IS NOT NULL",
	StatusCanceled:  "ended_at IS NULL AND canceled_at IS NOT NULL",
}

// StatusPredicate returns the SQL WHERE fragment selecting rows in status st.
// The fragment uses only column names and is shared with mysqlstore.
func StatusPredicate(st Status) (string, bool) {
	p, ok := statusPredicates[st]
	return p, ok
}

// ListTasks returns tasks newest first, optionally filtered by namespace and
// derived status.
func (s *Store) ListTasks(ctx context.Context, p ListTasksParams) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ($1 = '' OR namespace_id = $1)`
	if p.Status != "" {
		pred, ok := StatusPredicate(p.Status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTask, p.Status)
		}
		query += ` AND ` + pred
	}
	query += ` ORDER BY created_at DESC, task_id DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, p.NamespaceID, p.EffectiveLimit())
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
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

const cancelTaskSQL = `
UPDATE tasks SET canceled_at = now()
WHERE task_id = $1 AND started_at IS NULL AND canceled_at IS NULL
RETURNING ` + taskColumns

// CancelTask withdraws a pending task from eligibility. Canceling an already
// canceled task returns it unchanged; a claimed task yields ErrTaskNotPending.
func (s *Store) CancelTask(ctx context.Context, id string) (*Task, error) {
	// The UPDATE waits on a claimer's row lock; once that claimer commits,
	// the re-checked predicate no longer matches and no row is returned.
	t, err := scanTask(s.pool.QueryRow(ctx, cancelTaskSQL, id))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel task %s: %w", id, err)
	}
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status() == StatusCanceled {
		return cur, nil
	}
	return nil, fmt.Errorf("cancel task %s: %w (status %s)", id, ErrTaskNotPending, cur.Status())
}

// CompleteTask records a successful result on a running task.
func (s *Store) CompleteTask(ctx context.Context, id string, output []byte) (*Task, error) {
	out := NormalizeOutput(output)
	if !json.Valid(out) {
		return nil, fmt.Errorf("complete task %s: %w: output is not valid JSON", id, ErrInvalidTask)
	}
	t, err := s.finish(ctx, id,
		`UPDATE tasks SET output = $2::jsonb, ended_at = now() WHERE task_id = $1 RETURNING `+taskColumns,
		jsonArg(out))
	if err != nil {
		return nil, fmt.Errorf("complete task %s: %w", id, err)
	}
	return t, nil
}

// FailTask records a structured failure on a running task.
func (s *Store) FailTask(ctx context.Context, id string, exc Exception) (*Task, error) {
	raw, err := json.Marshal(exc)
	if err != nil {
		return nil, fmt.Errorf("fail task %s: marshal exception: %w", id, err)
	}
	t, err := s.finish(ctx, id,
		`UPDATE tasks SET exception = $2::jsonb, ended_at = now() WHERE task_id = $1 RETURNING `+taskColumns,
		jsonArg(raw))
	if err != nil {
		return nil, fmt.Errorf("fail task %s: %w", id, err)
	}
	return t, nil
}

// finish re-fetches the row under an exclusive lock in a fresh transaction,
// checks it is still running, and applies update.
func (s *Store) finish(ctx context.Context, id, update string, arg any) (*Task, error) {
	var result *Task
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanTask(tx.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("lock task: %w", err)
		}
		if cur.StartedAt == nil || cur.EndedAt != nil {
			return ErrTaskNotRunning
		}
		result, err = scanTask(tx.QueryRow(ctx, update, id, arg))
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CountRunning returns the number of running tasks in namespaceID.
func (s *Store) CountRunning(ctx context.Context, namespaceID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, countRunningSQL, namespaceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running %s: %w", namespaceID, err)
	}
	return n, nil
}

// RunningCounts returns the number of running tasks per namespace. Namespaces
// with nothing running are absent.
func (s *Store) RunningCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT namespace_id, count(*)
FROM tasks
WHERE `+statusPredicates[StatusRunning]+`
GROUP BY namespace_id`)
	if err != nil {
		return nil, fmt.Errorf("running counts: %w", err)
	}
	defer rows.Close()

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

package mysqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/import-ai/magic-box-wizard/internal/store"
)

const selectCandidateSQL = `
WITH running AS (
    SELECT namespace_id, COUNT(*) AS running_count
    FROM tasks
    WHERE started_at IS NOT NULL AND ended_at IS NULL AND canceled_at IS NULL
    GROUP BY namespace_id
)
SELECT t.task_id, t.namespace_id, t.` + "`function`" + `, t.input, t.priority,
       t.concurrency_threshold, t.created_at, t.started_at, t.ended_at,
       t.canceled_at, t.output, t.exception
FROM tasks t
LEFT JOIN running r ON r.namespace_id = t.namespace_id
WHERE t.started_at IS NULL
  AND t.canceled_at IS NULL
  AND COALESCE(r.running_count, 0) < t.concurrency_threshold
ORDER BY t.priority DESC, t.created_at ASC, t.task_id ASC
LIMIT 1
FOR UPDATE OF t SKIP LOCKED`

// GET_LOCK names are limited to 64 characters, so the namespace is hashed.
const (
	namespaceLockSQL    = `SELECT GET_LOCK(CONCAT('wizard.ns.', SHA1(?)), 0)`
	namespaceReleaseSQL = `DO RELEASE_LOCK(CONCAT('wizard.ns.', SHA1(?)))`
)

const countRunningSQL = `
SELECT COUNT(*) FROM tasks
WHERE namespace_id = ?
  AND started_at IS NOT NULL AND ended_at IS NULL AND canceled_at IS NULL`

const markStartedSQL = `
UPDATE tasks SET started_at = CURRENT_TIMESTAMP(6)
WHERE task_id = ? AND started_at IS NULL AND canceled_at IS NULL`

var errNotClaimed = errors.New("not claimed")

// ClaimNextTask claims the best admissible pending task. GET_LOCK is session
// scoped, so the claim runs on one pinned connection and the namespace lock is
// released only after the transaction has committed or rolled back.
func (s *Store) ClaimNextTask(ctx context.Context) (*store.Task, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim next task: acquire conn: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	var lockedNS *string
	defer func() {
		if lockedNS == nil {
			return
		}
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), namespaceReleaseSQL, *lockedNS); err != nil {
			s.log.Warn("release namespace lock", "namespace_id", *lockedNS, "error", err)
		}
	}()

	claimed, err := s.claimTx(ctx, conn, &lockedNS)
	switch {
	case err == nil:
		return claimed, nil
	case errors.Is(err, errNotClaimed):
		return nil, nil
	case isClaimRace(err):
		s.log.Debug("claim race, retrying next cycle", "error", err)
		return nil, nil
	default:
		return nil, fmt.Errorf("claim next task: %w", err)
	}
}

func (s *Store) claimTx(ctx context.Context, conn *sql.Conn, lockedNS **string) (*store.Task, error) {
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	cand, err := scanTask(tx.QueryRowContext(ctx, selectCandidateSQL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("select candidate: %w", err)
	}
	if !cand.IsPending() {
		return nil, errNotClaimed
	}

	var got sql.NullInt64
	if err := tx.QueryRowContext(ctx, namespaceLockSQL, cand.NamespaceID).Scan(&got); err != nil {
		return nil, fmt.Errorf("namespace lock: %w", err)
	}
	if !got.Valid || got.Int64 != 1 {
		s.log.Debug("namespace busy, skipping candidate",
			"task_id", cand.TaskID, "namespace_id", cand.NamespaceID)
		return nil, errNotClaimed
	}
	ns := cand.NamespaceID
	*lockedNS = &ns

	var running int
	if err := tx.QueryRowContext(ctx, countRunningSQL, cand.NamespaceID).Scan(&running); err != nil {
		return nil, fmt.Errorf("count running: %w", err)
	}
	if running >= cand.ConcurrencyThreshold {
		return nil, errNotClaimed
	}

	res, err := tx.ExecContext(ctx, markStartedSQL, cand.TaskID)
	if err != nil {
		return nil, fmt.Errorf("mark started: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("mark started: %w", err)
	} else if n != 1 {
		return nil, errNotClaimed
	}
	claimed, err := s.getTask(ctx, tx, cand.TaskID, true)
	if err != nil {
		return nil, fmt.Errorf("read back: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return claimed, nil
}

// ABOUTME: Claim engine: selects and marks exactly one eligible pending task as started.
// ABOUTME: One transaction: admission CTE + FOR UPDATE SKIP LOCKED + per-namespace advisory lock.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// selectCandidateSQL computes running counts per namespace and picks the best
// admissible pending row in a single statement, so the admission read and
// the candidate selection share one snapshot. Rows locked by a concurrent
// claimer are skipped rather than waited on.
const selectCandidateSQL = `
WITH running AS (
    SELECT namespace_id, count(*) AS running_count
    FROM tasks
    WHERE started_at IS NOT NULL AND ended_at IS NULL AND canceled_at IS NULL
    GROUP BY namespace_id
)
SELECT t.task_id, t.namespace_id, t.function, t.input, t.priority,
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

// namespaceLockSQL takes a transaction-scoped advisory lock for a namespace
// without waiting. Claimers of different rows in the same namespace serialize
// on it, so the running count re-read below cannot be stale.
const namespaceLockSQL = `SELECT pg_try_advisory_xact_lock(hashtextextended('wizard.namespace:' || $1::text, 0))`

const countRunningSQL = `
SELECT count(*) FROM tasks
WHERE namespace_id = $1
  AND started_at IS NOT NULL AND ended_at IS NULL AND canceled_at IS NULL`

const markStartedSQL = `
UPDATE tasks SET started_at = now()
WHERE task_id = $1 AND started_at IS NULL AND canceled_at IS NULL
RETURNING ` + taskColumns

// errNotClaimed aborts the claim transaction without surfacing an error.
var errNotClaimed = errors.New("not claimed")

// ClaimNextTask atomically claims the highest-priority, oldest pending task
// whose namespace has spare capacity. Returns (nil, nil) when no task is
// available, when the candidate is locked by another claimer, or when the
// attempt lost a race. Other storage errors are returned wrapped; the
// transaction is always rolled back on failure.
func (s *Store) ClaimNextTask(ctx context.Context) (*Task, error) {
	var claimed *Task
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cand, err := scanTask(tx.QueryRow(ctx, selectCandidateSQL))
		if errors.Is(err, pgx.ErrNoRows) {
			return errNotClaimed
		}
		if err != nil {
			return fmt.Errorf("select candidate: %w", err)
		}
		// The row is re-read after locking; a concurrent claimer that won
		// leaves it failing the pending predicate.
		if !cand.IsPending() {
			return errNotClaimed
		}

		var locked bool
		if err := tx.QueryRow(ctx, namespaceLockSQL, cand.NamespaceID).Scan(&locked); err != nil {
			return fmt.Errorf("namespace lock: %w", err)
		}
		if !locked {
			s.log.Debug("namespace busy, skipping candidate",
				"task_id", cand.TaskID, "namespace_id", cand.NamespaceID)
			return errNotClaimed
		}

		var running int
		if err := tx.QueryRow(ctx, countRunningSQL, cand.NamespaceID).Scan(&running); err != nil {
			return fmt.Errorf("count running: %w", err)
		}
		if running >= cand.ConcurrencyThreshold {
			return errNotClaimed
		}

		claimed, err = scanTask(tx.QueryRow(ctx, markStartedSQL, cand.TaskID))
		if errors.Is(err, pgx.ErrNoRows) {
			return errNotClaimed
		}
		if err != nil {
			return fmt.Errorf("mark started: %w", err)
		}
		return nil
	})
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

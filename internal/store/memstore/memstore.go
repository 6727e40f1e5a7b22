// Package memstore is an in-process TaskStore for single-process deployments
// and tests. Skip-locked selection is modeled with a table of per-task
// try-locks and admission control with per-namespace try-locks; a store-wide
// mutex guards the task map itself.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/import-ai/magic-box-wizard/internal/store"
)

// Store keeps tasks in memory. The zero value is not usable; call New.
type Store struct {
	mu       sync.Mutex // guards tasks, rowLocks, nsLocks and lastTime
	tasks    map[string]*store.Task
	rowLocks map[string]*sync.Mutex
	nsLocks  map[string]*sync.Mutex
	lastTime time.Time

	now func() time.Time
}

var _ store.TaskStore = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks:    make(map[string]*store.Task),
		rowLocks: make(map[string]*sync.Mutex),
		nsLocks:  make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// timestamp returns a strictly increasing UTC time at microsecond precision,
// matching what the SQL backends store. Caller holds s.mu.
func (s *Store) timestamp() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.lastTime) {
		t = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = t
	return t
}

func (s *Store) rowLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lockFor(s.rowLocks, id)
}

func (s *Store) nsLock(ns string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lockFor(s.nsLocks, ns)
}

// forgetRowLock drops the row lock of a task that no caller can lock for
// again: missing or already terminal. Every lock holder re-reads the task
// under s.mu, so a waiter on the dropped mutex still sees the final state.
// Caller holds s.mu.
func (s *Store) forgetRowLock(id string) {
	t, ok := s.tasks[id]
	if !ok || t.CanceledAt != nil || t.EndedAt != nil {
		delete(s.rowLocks, id)
	}
}

func lockFor(m map[string]*sync.Mutex, key string) *sync.Mutex {
	l, ok := m[key]
	if !ok {
		l = &sync.Mutex{}
		m[key] = l
	}
	return l
}

// CreateTask inserts a pending task.
func (s *Store) CreateTask(_ context.Context, nt store.NewTask) (*store.Task, error) {
	nt, err := store.PrepareNewTask(nt)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[nt.TaskID]; exists {
		return nil, store.ErrTaskConflict
	}
	t := &store.Task{
		TaskID:               nt.TaskID,
		NamespaceID:          nt.NamespaceID,
		Function:             nt.Function,
		Input:                append(json.RawMessage(nil), nt.Input...),
		Priority:             nt.PriorityValue(),
		ConcurrencyThreshold: nt.ConcurrencyThreshold,
		CreatedAt:            s.timestamp(),
	}
	s.tasks[t.TaskID] = t
	return t.Clone(), nil
}

// GetTask returns a copy of the task with the given id.
func (s *Store) GetTask(_ context.Context, id string) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(_ context.Context, p store.ListTasksParams) ([]store.Task, error) {
	if p.Status != "" && !p.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidTask, p.Status)
	}

	s.mu.Lock()
	matched := make([]*store.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if p.NamespaceID != "" && t.NamespaceID != p.NamespaceID {
			continue
		}
		if p.Status != "" && t.Status() != p.Status {
			continue
		}
		matched = append(matched, t.Clone())
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].TaskID > matched[j].TaskID
	})
	if limit := p.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]store.Task, len(matched))
	for i, t := range matched {
		out[i] = *t
	}
	return out, nil
}

// CancelTask withdraws a pending task. Like the SQL backends it waits for a
// claimer holding the row lock to finish.
func (s *Store) CancelTask(_ context.Context, id string) (*store.Task, error) {
	l := s.rowLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.forgetRowLock(id)
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	switch {
	case t.IsPending():
		ts := s.timestamp()
		t.CanceledAt = &ts
	case t.Status() == store.StatusCanceled:
	default:
		return nil, fmt.Errorf("cancel task %s: %w (status %s)", id, store.ErrTaskNotPending, t.Status())
	}
	return t.Clone(), nil
}

// runningCounts returns the running count per namespace. Caller holds s.mu.
func (s *Store) runningCounts() map[string]int {
	counts := make(map[string]int)
	for _, t := range s.tasks {
		if t.IsRunning() {
			counts[t.NamespaceID]++
		}
	}
	return counts
}

// CountRunning returns the number of running tasks in namespaceID.
func (s *Store) CountRunning(_ context.Context, namespaceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.NamespaceID == namespaceID && t.IsRunning() {
			n++
		}
	}
	return n, nil
}

// RunningCounts returns the number of running tasks per namespace.
func (s *Store) RunningCounts(context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningCounts(), nil
}

// ClaimNextTask mirrors the SQL claim: one snapshot computes admission and
// candidate order, the first candidate whose row lock is free is taken, the
// namespace lock is tried without waiting, and the candidate is re-validated
// before started_at is set.
func (s *Store) ClaimNextTask(ctx context.Context) (*store.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	running := s.runningCounts()
	candidates := make([]*store.Task, 0)
	for _, t := range s.tasks {
		if t.IsPending() && running[t.NamespaceID] < t.ConcurrencyThreshold {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.TaskID < b.TaskID
	})
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.TaskID
	}
	s.mu.Unlock()

	var (
		picked string
		row    *sync.Mutex
	)
	for _, id := range ids {
		l := s.rowLock(id)
		if l.TryLock() {
			picked, row = id, l
			break
		}
	}
	if row == nil {
		return nil, nil
	}
	defer row.Unlock()

	s.mu.Lock()
	ns := s.tasks[picked].NamespaceID
	s.mu.Unlock()
	nsl := s.nsLock(ns)
	if !nsl.TryLock() {
		return nil, nil
	}
	defer nsl.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[picked]
	if !t.IsPending() {
		s.forgetRowLock(picked)
		return nil, nil
	}
	if s.runningCounts()[ns] >= t.ConcurrencyThreshold {
		return nil, nil
	}
	ts := s.timestamp()
	t.StartedAt = &ts
	return t.Clone(), nil
}

// CompleteTask records a successful result on a running task.
func (s *Store) CompleteTask(_ context.Context, id string, output []byte) (*store.Task, error) {
	out := store.NormalizeOutput(output)
	if !json.Valid(out) {
		return nil, fmt.Errorf("complete task %s: %w: output is not valid JSON", id, store.ErrInvalidTask)
	}
	t, err := s.finish(id, func(t *store.Task) {
		t.Output = append(json.RawMessage(nil), out...)
	})
	if err != nil {
		return nil, fmt.Errorf("complete task %s: %w", id, err)
	}
	return t, nil
}

// FailTask records a structured failure on a running task.
func (s *Store) FailTask(_ context.Context, id string, exc store.Exception) (*store.Task, error) {
	t, err := s.finish(id, func(t *store.Task) {
		e := exc
		t.Exception = &e
	})
	if err != nil {
		return nil, fmt.Errorf("fail task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) finish(id string, apply func(*store.Task)) (*store.Task, error) {
	l := s.rowLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.forgetRowLock(id)
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if t.StartedAt == nil || t.EndedAt != nil {
		return nil, store.ErrTaskNotRunning
	}
	apply(t)
	ts := s.timestamp()
	t.EndedAt = &ts
	// Stored copy must not alias the caller's exception context map.
	stored := t.Clone()
	s.tasks[id] = stored
	return stored.Clone(), nil
}

// ABOUTME: Backend-independent behaviour suite for store.TaskStore implementations.
// ABOUTME: memstore, the Postgres Store and mysqlstore all run Run(t, factory) from their tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/import-ai/magic-box-wizard/internal/store"
)

// Factory returns an empty TaskStore. It is called once per subtest.
type Factory func(t *testing.T) store.TaskStore

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.TaskStore)
	}{
		{"CreateDefaults", testCreateDefaults},
		{"CreateConflict", testCreateConflict},
		{"CreateValidation", testCreateValidation},
		{"GetNotFound", testGetNotFound},
		{"ClaimEmpty", testClaimEmpty},
		{"ConcurrentClaimSingleTask", testConcurrentClaimSingleTask},
		{"ConcurrentClaimEachTaskOnce", testConcurrentClaimEachTaskOnce},
		{"PriorityOrderUnderThresholdOne", testPriorityOrder},
		{"EqualPriorityOldestFirst", testEqualPriorityOldestFirst},
		{"CanceledNeverClaimed", testCanceledNeverClaimed},
		{"AdmissionUnderConcurrency", testAdmissionUnderConcurrency},
		{"AdmissionIsPerNamespace", testAdmissionIsPerNamespace},
		{"CandidateThresholdDecides", testCandidateThresholdDecides},
		{"CompleteTask", testCompleteTask},
		{"FailTask", testFailTask},
		{"FinishRequiresRunning", testFinishRequiresRunning},
		{"CancelRules", testCancelRules},
		{"ListTasks", testListTasks},
		{"RunningCounts", testRunningCounts},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func intp(v int) *int { return &v }

func mustCreate(t *testing.T, s store.TaskStore, nt store.NewTask) *store.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), nt)
	require.NoError(t, err)
	return task
}

func mustClaim(t *testing.T, s store.TaskStore) *store.Task {
	t.Helper()
	task, err := s.ClaimNextTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task, "expected a task to be claimed")
	return task
}

func requireNoClaim(t *testing.T, s store.TaskStore) {
	t.Helper()
	task, err := s.ClaimNextTask(context.Background())
	require.NoError(t, err)
	require.Nil(t, task, "expected no task to be claimable")
}

func testCreateDefaults(t *testing.T, s store.TaskStore) {
	before := time.Now().Add(-time.Minute)
	task := mustCreate(t, s, store.NewTask{NamespaceID: "ns", Function: "collect"})

	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, "ns", task.NamespaceID)
	assert.Equal(t, "collect", task.Function)
	assert.Equal(t, store.DefaultPriority, task.Priority)
	assert.Equal(t, store.DefaultConcurrencyThreshold, task.ConcurrencyThreshold)
	assert.JSONEq(t, `{}`, string(task.Input))
	assert.True(t, task.CreatedAt.After(before), "created_at assigned by the store")
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.EndedAt)
	assert.Nil(t, task.CanceledAt)
	assert.Equal(t, store.StatusPending, task.Status())

	got, err := s.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.WithinDuration(t, task.CreatedAt, got.CreatedAt, time.Millisecond)

	explicit := mustCreate(t, s, store.NewTask{
		TaskID:               "explicit-1",
		NamespaceID:          "ns",
		Function:             "delete_index",
		Input:                json.RawMessage(`{"resource_id":"r1"}`),
		Priority:             intp(0),
		ConcurrencyThreshold: 3,
	})
	assert.Equal(t, "explicit-1", explicit.TaskID)
	assert.Equal(t, 0, explicit.Priority, "explicit zero priority is kept")
	assert.Equal(t, 3, explicit.ConcurrencyThreshold)
	assert.JSONEq(t, `{"resource_id":"r1"}`, string(explicit.Input))
}

func testCreateConflict(t *testing.T, s store.TaskStore) {
	mustCreate(t, s, store.NewTask{TaskID: "dup", NamespaceID: "ns", Function: "collect"})
	_, err := s.CreateTask(context.Background(), store.NewTask{TaskID: "dup", NamespaceID: "other", Function: "collect"})
	require.ErrorIs(t, err, store.ErrTaskConflict)
}

func testCreateValidation(t *testing.T, s store.TaskStore) {
	bad := []store.NewTask{
		{Function: "collect"},
		{NamespaceID: "ns"},
		{NamespaceID: "ns", Function: "collect", ConcurrencyThreshold: -1},
		{NamespaceID: "ns", Function: "collect", Input: json.RawMessage(`{not json`)},
	}
	for i, nt := range bad {
		_, err := s.CreateTask(context.Background(), nt)
		assert.ErrorIs(t, err, store.ErrInvalidTask, "case %d", i)
	}
}

func testGetNotFound(t *testing.T, s store.TaskStore) {
	_, err := s.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrTaskNotFound)
}

func testClaimEmpty(t *testing.T, s store.TaskStore) {
	requireNoClaim(t, s)
}

// Two claimers race for the only task of a namespace with threshold 1.
func testConcurrentClaimSingleTask(t *testing.T, s store.TaskStore) {
	task := mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect", ConcurrencyThreshold: 1})

	const claimers = 2
	results := make([]*store.Task, claimers)
	errs := make([]error, claimers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range claimers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = s.ClaimNextTask(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i := range claimers {
		require.NoError(t, errs[i])
		if results[i] != nil {
			winners++
			assert.Equal(t, task.TaskID, results[i].TaskID)
			assert.NotNil(t, results[i].StartedAt)
		}
	}
	assert.Equal(t, 1, winners, "exactly one claimer wins")
}

// Many claimers drain many tasks; every task is claimed exactly once.
func testConcurrentClaimEachTaskOnce(t *testing.T, s store.TaskStore) {
	const tasks = 10
	for i := range tasks {
		mustCreate(t, s, store.NewTask{
			NamespaceID: fmt.Sprintf("ns-%d", i),
			Function:    "collect",
		})
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	done := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(claimed) == tasks
	}
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 200 && !done(); attempt++ {
				task, err := s.ClaimNextTask(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				if task == nil {
					continue
				}
				mu.Lock()
				claimed[task.TaskID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, tasks)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}
	requireNoClaim(t, s)
}

// Priorities 5, 10, 1 created in that order with threshold 1 run as 10, 5, 1.
func testPriorityOrder(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	p5 := mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect", Priority: intp(5)})
	p10 := mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect", Priority: intp(10)})
	p1 := mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect", Priority: intp(1)})

	for _, want := range []*store.Task{p10, p5, p1} {
		got := mustClaim(t, s)
		assert.Equal(t, want.TaskID, got.TaskID)
		requireNoClaim(t, s)
		_, err := s.CompleteTask(ctx, got.TaskID, nil)
		require.NoError(t, err)
	}
	requireNoClaim(t, s)
}

func testEqualPriorityOldestFirst(t *testing.T, s store.TaskStore) {
	first := mustCreate(t, s, store.NewTask{TaskID: "a-first", NamespaceID: "X", Function: "collect", ConcurrencyThreshold: 2})
	second := mustCreate(t, s, store.NewTask{TaskID: "b-second", NamespaceID: "X", Function: "collect", ConcurrencyThreshold: 2})

	assert.Equal(t, first.TaskID, mustClaim(t, s).TaskID)
	assert.Equal(t, second.TaskID, mustClaim(t, s).TaskID)
}

// A canceled high-priority task is skipped in favour of a pending one.
func testCanceledNeverClaimed(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	canceled := mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect", Priority: intp(100)})
	pending := mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect", Priority: intp(1)})
	_, err := s.CancelTask(ctx, canceled.TaskID)
	require.NoError(t, err)

	got := mustClaim(t, s)
	assert.Equal(t, pending.TaskID, got.TaskID)
	_, err = s.CompleteTask(ctx, got.TaskID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)

	requireNoClaim(t, s)
	after, err := s.GetTask(ctx, canceled.TaskID)
	require.NoError(t, err)
	assert.Nil(t, after.StartedAt)
	assert.Equal(t, store.StatusCanceled, after.Status())
}

// Ten concurrent claimers against five tasks with threshold 2 never start
// more than two.
func testAdmissionUnderConcurrency(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	for range 5 {
		mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect", ConcurrencyThreshold: 2})
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.ClaimNextTask(ctx)
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	counts, err := s.RunningCounts(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, counts["X"], 2)

	// Lost races may leave spare capacity; sequential claims fill it exactly.
	for range 5 {
		task, err := s.ClaimNextTask(ctx)
		require.NoError(t, err)
		if task == nil {
			break
		}
	}
	counts, err = s.RunningCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["X"])

	pending, err := s.ListTasks(ctx, store.ListTasksParams{NamespaceID: "X", Status: store.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func testAdmissionIsPerNamespace(t *testing.T, s store.TaskStore) {
	busy := mustCreate(t, s, store.NewTask{NamespaceID: "A", Function: "collect", Priority: intp(9)})
	mustCreate(t, s, store.NewTask{NamespaceID: "A", Function: "collect", Priority: intp(9)})
	other := mustCreate(t, s, store.NewTask{NamespaceID: "B", Function: "collect", Priority: intp(1)})

	assert.Equal(t, busy.TaskID, mustClaim(t, s).TaskID)
	// A is full; B's lower-priority task is still admitted.
	assert.Equal(t, other.TaskID, mustClaim(t, s).TaskID)
	requireNoClaim(t, s)
}

// Admission compares the running count with the candidate's own threshold.
func testCandidateThresholdDecides(t *testing.T, s store.TaskStore) {
	mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect", Priority: intp(9), ConcurrencyThreshold: 1})
	wide := mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect", Priority: intp(1), ConcurrencyThreshold: 3})
	mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect", Priority: intp(0), ConcurrencyThreshold: 1})

	mustClaim(t, s)
	assert.Equal(t, wide.TaskID, mustClaim(t, s).TaskID)
	requireNoClaim(t, s)
}

func testCompleteTask(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect"})
	claimed := mustClaim(t, s)
	assert.Equal(t, store.StatusRunning, claimed.Status())

	done, err := s.CompleteTask(ctx, claimed.TaskID, json.RawMessage(`{"markdown":"# hi"}`))
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Status())
	assert.NotNil(t, done.EndedAt)
	assert.JSONEq(t, `{"markdown":"# hi"}`, string(done.Output))
	assert.Nil(t, done.Exception)

	got, err := s.GetTask(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"markdown":"# hi"}`, string(got.Output))
	assert.Nil(t, got.Exception)

	_, err = s.CompleteTask(ctx, claimed.TaskID, json.RawMessage(`{}`))
	require.ErrorIs(t, err, store.ErrTaskNotRunning)
	_, err = s.FailTask(ctx, claimed.TaskID, store.Exception{Kind: "handler_error", Message: "late"})
	require.ErrorIs(t, err, store.ErrTaskNotRunning)

	got, err = s.GetTask(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Nil(t, got.Exception, "a completed task never gains an exception")

	// Empty output is stored as an empty object.
	mustCreate(t, s, store.NewTask{NamespaceID: "Y", Function: "delete_index"})
	second := mustClaim(t, s)
	done, err = s.CompleteTask(ctx, second.TaskID, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(done.Output))
}

func testFailTask(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "unknown_fn"})
	claimed := mustClaim(t, s)

	exc := store.Exception{
		Kind:    "unknown_function",
		Message: `unknown function "unknown_fn"`,
		Context: map[string]any{"function": "unknown_fn"},
	}
	failed, err := s.FailTask(ctx, claimed.TaskID, exc)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, failed.Status())
	assert.NotNil(t, failed.EndedAt)
	assert.Nil(t, failed.Output)
	require.NotNil(t, failed.Exception)
	assert.Equal(t, exc, *failed.Exception)

	got, err := s.GetTask(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Nil(t, got.Output)
	require.NotNil(t, got.Exception)
	assert.Equal(t, "unknown_function", got.Exception.Kind)
	assert.Equal(t, "unknown_fn", got.Exception.Context["function"])

	_, err = s.CompleteTask(ctx, claimed.TaskID, json.RawMessage(`{}`))
	require.ErrorIs(t, err, store.ErrTaskNotRunning)
}

func testFinishRequiresRunning(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	pending := mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect"})

	_, err := s.CompleteTask(ctx, pending.TaskID, json.RawMessage(`{}`))
	require.ErrorIs(t, err, store.ErrTaskNotRunning)
	_, err = s.FailTask(ctx, pending.TaskID, store.Exception{Kind: "handler_error"})
	require.ErrorIs(t, err, store.ErrTaskNotRunning)
	_, err = s.CompleteTask(ctx, "missing", json.RawMessage(`{}`))
	require.ErrorIs(t, err, store.ErrTaskNotFound)

	mustClaim(t, s)
	_, err = s.CompleteTask(ctx, pending.TaskID, json.RawMessage(`not json`))
	require.ErrorIs(t, err, store.ErrInvalidTask)
}

func testCancelRules(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	p := mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect"})

	canceled, err := s.CancelTask(ctx, p.TaskID)
	require.NoError(t, err)
	require.NotNil(t, canceled.CanceledAt)
	assert.Equal(t, store.StatusCanceled, canceled.Status())

	again, err := s.CancelTask(ctx, p.TaskID)
	require.NoError(t, err, "cancel is idempotent")
	assert.WithinDuration(t, *canceled.CanceledAt, *again.CanceledAt, time.Millisecond)

	_, err = s.CancelTask(ctx, "missing")
	require.ErrorIs(t, err, store.ErrTaskNotFound)

	mustCreate(t, s, store.NewTask{NamespaceID: "X", Function: "collect"})
	running := mustClaim(t, s)
	_, err = s.CancelTask(ctx, running.TaskID)
	require.ErrorIs(t, err, store.ErrTaskNotPending)

	_, err = s.CompleteTask(ctx, running.TaskID, nil)
	require.NoError(t, err)
	_, err = s.CancelTask(ctx, running.TaskID)
	require.ErrorIs(t, err, store.ErrTaskNotPending)
}

func testListTasks(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	a1 := mustCreate(t, s, store.NewTask{TaskID: "a1", NamespaceID: "A", Function: "collect"})
	a2 := mustCreate(t, s, store.NewTask{TaskID: "a2", NamespaceID: "A", Function: "collect"})
	b1 := mustCreate(t, s, store.NewTask{TaskID: "b1", NamespaceID: "B", Function: "collect"})
	_, err := s.CancelTask(ctx, a2.TaskID)
	require.NoError(t, err)

	all, err := s.ListTasks(ctx, store.ListTasksParams{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{b1.TaskID, a2.TaskID, a1.TaskID},
		[]string{all[0].TaskID, all[1].TaskID, all[2].TaskID}, "newest first")

	inA, err := s.ListTasks(ctx, store.ListTasksParams{NamespaceID: "A"})
	require.NoError(t, err)
	assert.Len(t, inA, 2)

	canceled, err := s.ListTasks(ctx, store.ListTasksParams{Status: store.StatusCanceled})
	require.NoError(t, err)
	require.Len(t, canceled, 1)
	assert.Equal(t, a2.TaskID, canceled[0].TaskID)

	limited, err := s.ListTasks(ctx, store.ListTasksParams{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, b1.TaskID, limited[0].TaskID)

	none, err := s.ListTasks(ctx, store.ListTasksParams{NamespaceID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = s.ListTasks(ctx, store.ListTasksParams{Status: "bogus"})
	require.ErrorIs(t, err, store.ErrInvalidTask)
}

func testRunningCounts(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	counts, err := s.RunningCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	mustCreate(t, s, store.NewTask{NamespaceID: "A", Function: "collect", ConcurrencyThreshold: 5})
	mustCreate(t, s, store.NewTask{NamespaceID: "A", Function: "collect", ConcurrencyThreshold: 5})
	b := mustCreate(t, s, store.NewTask{NamespaceID: "B", Function: "collect"})
	mustClaim(t, s)
	mustClaim(t, s)
	mustClaim(t, s)

	counts, err = s.RunningCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 2, "B": 1}, counts)

	for ns, want := range map[string]int{"A": 2, "B": 1, "C": 0} {
		n, err := s.CountRunning(ctx, ns)
		require.NoError(t, err)
		assert.Equal(t, want, n, "namespace %s", ns)
	}

	// Finished tasks leave the count.
	_, err = s.CompleteTask(ctx, b.TaskID, nil)
	require.NoError(t, err)
	n, err := s.CountRunning(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

package memstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/import-ai/magic-box-wizard/internal/store"
	"github.com/import-ai/magic-box-wizard/internal/store/storetest"
)

func TestStoreSuite(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.TaskStore { return New() })
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	s := New()
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	a, err := s.CreateTask(context.Background(), store.NewTask{TaskID: "z", NamespaceID: "ns", Function: "collect"})
	require.NoError(t, err)
	b, err := s.CreateTask(context.Background(), store.NewTask{TaskID: "a", NamespaceID: "ns", Function: "collect"})
	require.NoError(t, err)
	assert.True(t, b.CreatedAt.After(a.CreatedAt))

	// Insertion order wins over task_id when the clock does not move.
	got, err := s.ClaimNextTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "z", got.TaskID)
}

func TestReturnedTasksAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, err := s.CreateTask(ctx, store.NewTask{NamespaceID: "ns", Function: "collect"})
	require.NoError(t, err)

	created.Input[0] = 'X'
	created.NamespaceID = "mutated"

	got, err := s.GetTask(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "ns", got.NamespaceID)
	assert.JSONEq(t, `{}`, string(got.Input))
}

func TestNamespaceLockBusyYieldsNoTask(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateTask(ctx, store.NewTask{NamespaceID: "ns", Function: "collect"})
	require.NoError(t, err)

	l := s.nsLock("ns")
	l.Lock()
	got, err := s.ClaimNextTask(ctx)
	l.Unlock()
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.ClaimNextTask(ctx)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestClaimHonoursCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ClaimNextTask(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func rowLockCount(s *Store) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rowLocks)
}

func TestRowLocksReleasedOnTerminalState(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"done", "failed", "canceled"} {
		_, err := s.CreateTask(ctx, store.NewTask{TaskID: id, NamespaceID: id, Function: "collect"})
		require.NoError(t, err)
	}

	_, err := s.CancelTask(ctx, "canceled")
	require.NoError(t, err)
	assert.Equal(t, 0, rowLockCount(s))

	first, err := s.ClaimNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := s.ClaimNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, rowLockCount(s), "running tasks keep their row lock")

	_, err = s.CompleteTask(ctx, first.TaskID, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = s.FailTask(ctx, second.TaskID, store.Exception{Kind: "handler_error", Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, 0, rowLockCount(s))

	_, err = s.CancelTask(ctx, "missing")
	require.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.Equal(t, 0, rowLockCount(s))

	// Terminal tasks still answer every operation correctly without a lock.
	_, err = s.CancelTask(ctx, first.TaskID)
	require.ErrorIs(t, err, store.ErrTaskNotPending)
	_, err = s.CompleteTask(ctx, first.TaskID, nil)
	require.ErrorIs(t, err, store.ErrTaskNotRunning)
	assert.Equal(t, 0, rowLockCount(s))
}

package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/import-ai/magic-box-wizard/internal/store"
	"github.com/import-ai/magic-box-wizard/internal/store/storetest"
	"github.com/import-ai/magic-box-wizard/internal/testutil"
)

func TestPostgresStoreSuite(t *testing.T) {
	db := testutil.NewTestDB(t)
	storetest.Run(t, func(t *testing.T) store.TaskStore {
		db.Reset(t)
		return db.Store
	})
}

func TestTerminalExclusiveConstraint(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	task, err := db.CreateTask(ctx, store.NewTask{NamespaceID: "ns", Function: "collect"})
	require.NoError(t, err)

	// The schema rejects rows that carry both a result and an exception, even
	// when written around the store.
	_, err = db.Pool().Exec(ctx, `
		UPDATE tasks SET started_at = now(), ended_at = now(),
		       output = '{}'::jsonb, exception = '{"kind":"x","message":"y"}'::jsonb
		WHERE task_id = $1`, task.TaskID)
	require.Error(t, err)

	_, err = db.Pool().Exec(ctx, `UPDATE tasks SET ended_at = now() WHERE task_id = $1`, task.TaskID)
	require.Error(t, err, "ended_at without a result or a start is rejected")
}

func TestStoredJSONRoundTrip(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	input := json.RawMessage(`{"html":"<p>hi</p>","nested":{"n":[1,2,3]}}`)
	_, err := db.CreateTask(ctx, store.NewTask{TaskID: "json-1", NamespaceID: "ns", Function: "collect", Input: input})
	require.NoError(t, err)

	claimed, err := db.ClaimNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.JSONEq(t, string(input), string(claimed.Input))

	exc := store.Exception{Kind: "handler_error", Message: "boom", Context: map[string]any{"attempt": "first"}}
	failed, err := db.FailTask(ctx, claimed.TaskID, exc)
	require.NoError(t, err)
	require.NotNil(t, failed.Exception)
	assert.Equal(t, exc, *failed.Exception)
}

// ABOUTME: Tests for callback delivery: payload shape, trace header, HMAC signing, status handling.
package callback_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/import-ai/magic-box-wizard/internal/callback"
	"github.com/import-ai/magic-box-wizard/internal/store"
)

func finishedTask() *store.Task {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	ended := started.Add(2 * time.Second)
	return &store.Task{
		TaskID:               "task-1",
		NamespaceID:          "ns-1",
		Function:             "collect",
		Input:                json.RawMessage(`{"html":"<p>x</p>"}`),
		Priority:             5,
		ConcurrencyThreshold: 1,
		CreatedAt:            created,
		StartedAt:            &started,
		EndedAt:              &ended,
		Output:               json.RawMessage(`{"markdown":"x"}`),
	}
}

type received struct {
	path    string
	headers http.Header
	body    []byte
}

func newBackend(t *testing.T, status int, reply string) (*httptest.Server, chan received) {
	t.Helper()
	got := make(chan received, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{path: r.URL.Path, headers: r.Header.Clone(), body: body}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestNotify_PostsSnapshotWithTraceHeader(t *testing.T) {
	srv, got := newBackend(t, http.StatusOK, `{"ok":true}`)
	d := callback.New(callback.Config{BaseURL: srv.URL + "/", Client: callback.BuildClient(5 * time.Second)})
	require.NotNil(t, d)
	assert.Equal(t, srv.URL+callback.DefaultPath, d.URL())

	task := finishedTask()
	require.NoError(t, d.Notify(context.Background(), task))

	r := <-got
	assert.Equal(t, "/api/v1/tasks/callback", r.path)
	assert.Equal(t, "task-1", r.headers.Get(callback.HeaderTraceID))
	assert.Equal(t, "application/json", r.headers.Get("Content-Type"))
	assert.Empty(t, r.headers.Get(callback.HeaderSignature), "unsigned without a secret")

	var body map[string]any
	require.NoError(t, json.Unmarshal(r.body, &body))
	assert.Equal(t, "task-1", body["task_id"])
	assert.Equal(t, "ns-1", body["namespace_id"])
	assert.Contains(t, body, "output")
	assert.Contains(t, body, "ended_at")
	assert.NotContains(t, body, "exception", "null fields are omitted")
	assert.NotContains(t, body, "canceled_at")
}

func TestNotify_SignsBody(t *testing.T) {
	srv, got := newBackend(t, http.StatusOK, "")
	secret := "callback-secret"
	d := callback.New(callback.Config{BaseURL: srv.URL, SigningSecret: secret})
	require.NoError(t, d.Notify(context.Background(), finishedTask()))

	r := <-got
	ts := r.headers.Get(callback.HeaderTimestamp)
	require.NotEmpty(t, ts)
	tsInt, err := strconv.ParseInt(ts, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), tsInt, 5)
	assert.Equal(t, callback.Sign(secret, ts, r.body), r.headers.Get(callback.HeaderSignature))
	assert.True(t, strings.HasPrefix(r.headers.Get(callback.HeaderSignature), "sha256="))
}

func TestNotify_Non2xxReturnsError(t *testing.T) {
	srv, _ := newBackend(t, http.StatusInternalServerError, "backend exploded")
	d := callback.New(callback.Config{BaseURL: srv.URL})
	err := d.Notify(context.Background(), finishedTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestNotify_RedirectNotFollowed(t *testing.T) {
	var hits int
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	d := callback.New(callback.Config{BaseURL: srv.URL})
	require.Error(t, d.Notify(context.Background(), finishedTask()))
	assert.Zero(t, hits)
}

func TestNotify_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := callback.New(callback.Config{BaseURL: url})
	require.Error(t, d.Notify(context.Background(), finishedTask()))
}

func TestNew_EmptyBaseURLDisables(t *testing.T) {
	d := callback.New(callback.Config{BaseURL: "  "})
	assert.Nil(t, d)
	assert.NoError(t, d.Notify(context.Background(), finishedTask()))
	assert.Empty(t, d.URL())
}

func TestNew_CustomPath(t *testing.T) {
	d := callback.New(callback.Config{BaseURL: "http://backend:8000", Path: "hooks/tasks"})
	assert.Equal(t, "http://backend:8000/hooks/tasks", d.URL())
}

// Repeated sends of one snapshot carry identical bodies and leave the task
// untouched.
func TestPayload_StableAcrossCalls(t *testing.T) {
	task := finishedTask()
	before := *task.Clone()

	first, err := callback.Payload(task)
	require.NoError(t, err)
	for range 5 {
		again, err := callback.Payload(task)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	srv, got := newBackend(t, http.StatusOK, "")
	d := callback.New(callback.Config{BaseURL: srv.URL})
	require.NoError(t, d.Notify(context.Background(), task))
	require.NoError(t, d.Notify(context.Background(), task))
	assert.Equal(t, first, (<-got).body)
	assert.Equal(t, first, (<-got).body)
	assert.Equal(t, before, *task)
}

func TestPayload_FailedTask(t *testing.T) {
	task := finishedTask()
	task.Output = nil
	task.Exception = &store.Exception{Kind: "unknown_function", Message: "no handler"}

	b, err := callback.Payload(task)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(b, &body))
	assert.NotContains(t, body, "output")
	exc, ok := body["exception"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unknown_function", exc["kind"])
}

func TestBuildSafeClientRejectsLoopback(t *testing.T) {
	srv, _ := newBackend(t, http.StatusOK, "")
	d := callback.New(callback.Config{BaseURL: srv.URL, Client: callback.BuildSafeClient(time.Second)})
	require.Error(t, d.Notify(context.Background(), finishedTask()))
}

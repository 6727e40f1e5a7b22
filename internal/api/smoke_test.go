package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/import-ai/magic-box-wizard/internal/api"
	"github.com/import-ai/magic-box-wizard/internal/config"
	"github.com/import-ai/magic-box-wizard/internal/store/memstore"
	"github.com/import-ai/magic-box-wizard/internal/testutil"
)

// TestSmokeHealthz runs the full router against a real Postgres store and
// checks /healthz, /metrics and one task round trip.
func TestSmokeHealthz(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	apiSrv := api.NewServer(db.Store, &config.Config{CreateRatePerMinute: 60})
	t.Cleanup(apiSrv.Close)
	srv := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(srv.Close)
	ctx := context.Background()

	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(hReq) //nolint:gosec // G704 false positive: srv.URL is httptest.Server, not user input
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)

	mReq, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/metrics", nil)
	require.NoError(t, err)
	mResp, err := srv.Client().Do(mReq) //nolint:gosec // G704 false positive
	require.NoError(t, err)
	defer mResp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, mResp.StatusCode)

	h := apiSrv.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, jsonRequest(http.MethodPost, "/api/v1/tasks",
		`{"task_id":"smoke-1","namespace_id":"ns","function":"collect","input":{"html":"<p>hi</p>"}}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got, err := db.GetTask(ctx, "smoke-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"html":"<p>hi</p>"}`, string(got.Input))
}

func TestSmokeHealthzDegraded(t *testing.T) {
	t.Parallel()
	apiSrv := api.NewServer(nil, &config.Config{})
	t.Cleanup(apiSrv.Close)

	rec := httptest.NewRecorder()
	apiSrv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string `json:"status"`
		Store  string `json:"store"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unavailable", body.Store)
}

type downStore struct{ *memstore.Store }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthzPingFailure(t *testing.T) {
	t.Parallel()
	apiSrv := api.NewServer(downStore{memstore.New()}, &config.Config{})
	t.Cleanup(apiSrv.Close)

	rec := httptest.NewRecorder()
	apiSrv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthzMemoryStore(t *testing.T) {
	t.Parallel()
	apiSrv := api.NewServer(memstore.New(), &config.Config{})
	t.Cleanup(apiSrv.Close)

	rec := httptest.NewRecorder()
	apiSrv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

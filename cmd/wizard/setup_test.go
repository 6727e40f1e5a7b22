package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/import-ai/magic-box-wizard/internal/auth"
	"github.com/import-ai/magic-box-wizard/internal/config"
	"github.com/import-ai/magic-box-wizard/internal/store"
)

func TestOpenStoreMemory(t *testing.T) {
	t.Parallel()
	st, closeStore, err := openStore(context.Background(), &config.Config{StoreDriver: config.DriverMemory})
	require.NoError(t, err)
	t.Cleanup(closeStore)

	created, err := st.CreateTask(context.Background(), store.NewTask{NamespaceID: "ns", Function: "collect"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, created.Status())
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	t.Parallel()
	_, _, err := openStore(context.Background(), &config.Config{StoreDriver: "sqlite"})
	assert.Error(t, err)
}

func TestNewWorkerPool(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		WorkerConcurrency:  3,
		WorkerPollInterval: time.Second,
		BackendBaseURL:     "http://backend.internal",
		CallbackPath:       "/api/v1/tasks/callback",
		CallbackTimeout:    time.Second,
		VectorBaseURL:      "http://vector.internal",
		VectorBatchSize:    8,
		VectorChunkSize:    256,
	}
	st, closeStore, err := openStore(context.Background(), &config.Config{StoreDriver: config.DriverMemory})
	require.NoError(t, err)
	t.Cleanup(closeStore)

	pool, err := newWorkerPool(cfg, st, nil)
	require.NoError(t, err)
	assert.Len(t, pool.Workers(), 3)
}

func TestNewWorkerPoolRejectsBadVectorURL(t *testing.T) {
	t.Parallel()
	st, closeStore, err := openStore(context.Background(), &config.Config{StoreDriver: config.DriverMemory})
	require.NoError(t, err)
	t.Cleanup(closeStore)

	_, err = newWorkerPool(&config.Config{WorkerConcurrency: 1, VectorBaseURL: "   "}, st, nil)
	assert.Error(t, err)
}

func TestRunMigrateMemoryIsNoop(t *testing.T) {
	t.Parallel()
	assert.NoError(t, runMigrate(&config.Config{StoreDriver: config.DriverMemory}))
}

func TestTokenCmd(t *testing.T) {
	t.Setenv("API_JWT_SECRET", "cli-secret-cli-secret-cli-secret")

	cmd := tokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--subject", "ops", "--namespace", "a", "--namespace", "b", "--ttl", "1h"})
	require.NoError(t, cmd.Execute())

	claims, err := auth.ParseServiceToken(strings.TrimSpace(out.String()), []byte("cli-secret-cli-secret-cli-secret"))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, []string{"a", "b"}, claims.Namespaces)
}

func TestTokenCmdRequiresSecret(t *testing.T) {
	t.Setenv("API_JWT_SECRET", "")
	cmd := tokenCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	assert.Error(t, cmd.Execute())
}

package handlers

import (
	"log/slog"

	"github.com/import-ai/magic-box-wizard/internal/vector"
	"github.com/import-ai/magic-box-wizard/internal/worker"
)

// Function names referenced by the backend.
const (
	FunctionCollect             = "collect"
	FunctionCreateOrUpdateIndex = "create_or_update_index"
	FunctionDeleteIndex         = "delete_index"
)

// Register adds the built-in handlers to reg. The index handlers are only
// registered when idx is non-nil; without a vector service their tasks fail
// as unknown functions.
func Register(reg *worker.Registry, idx vector.Index, chunkSize int, log *slog.Logger) {
	reg.Register(FunctionCollect, Collect)
	if idx == nil {
		logger(log).Warn("vector index not configured, index handlers disabled")
		return
	}
	reg.RegisterRunner(FunctionCreateOrUpdateIndex, &CreateOrUpdateIndex{Index: idx, ChunkSize: chunkSize, Log: log})
	reg.RegisterRunner(FunctionDeleteIndex, &DeleteIndex{Index: idx, Log: log})
}

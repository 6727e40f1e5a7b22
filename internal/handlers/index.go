package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/import-ai/magic-box-wizard/internal/store"
	"github.com/import-ai/magic-box-wizard/internal/vector"
	"github.com/import-ai/magic-box-wizard/internal/worker"
)

// IndexInput is the input of create_or_update_index.
type IndexInput struct {
	ResourceID string `json:"resource_id"`
	Title      string `json:"title,omitempty"`
	Text       string `json:"text"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
}

// IndexOutput is the output of create_or_update_index.
type IndexOutput struct {
	ResourceID string `json:"resource_id"`
	ChunkCount int    `json:"chunk_count"`
}

// CreateOrUpdateIndex replaces the indexed chunks of one resource.
type CreateOrUpdateIndex struct {
	Index     vector.Index
	ChunkSize int
	Log       *slog.Logger
}

// Run removes the resource's previous chunks, then inserts the new ones.
func (h *CreateOrUpdateIndex) Run(ctx context.Context, task store.Task) (json.RawMessage, error) {
	var in IndexInput
	if err := decodeInput(task, &in); err != nil {
		return nil, err
	}
	in.ResourceID = strings.TrimSpace(in.ResourceID)
	if in.ResourceID == "" {
		return nil, worker.InvalidInput("resource_id is required")
	}
	size := in.ChunkSize
	if size <= 0 {
		size = h.ChunkSize
	}

	if err := h.Index.Remove(ctx, task.NamespaceID, in.ResourceID); err != nil {
		return nil, fmt.Errorf("remove previous chunks: %w", err)
	}
	chunks := vector.BuildChunks(task.NamespaceID, in.ResourceID, in.Title, in.Text, size)
	if len(chunks) > 0 {
		if err := h.Index.Insert(ctx, chunks); err != nil {
			return nil, fmt.Errorf("insert chunks: %w", err)
		}
	}
	logger(h.Log).Info("resource indexed",
		"task_id", task.TaskID, "namespace_id", task.NamespaceID,
		"resource_id", in.ResourceID, "chunks", len(chunks))
	return json.Marshal(IndexOutput{ResourceID: in.ResourceID, ChunkCount: len(chunks)})
}

// DeleteIndex removes every chunk of one resource.
type DeleteIndex struct {
	Index vector.Index
	Log   *slog.Logger
}

// Run removes the resource named by the task input.
func (h *DeleteIndex) Run(ctx context.Context, task store.Task) (json.RawMessage, error) {
	var in struct {
		ResourceID string `json:"resource_id"`
	}
	if err := decodeInput(task, &in); err != nil {
		return nil, err
	}
	in.ResourceID = strings.TrimSpace(in.ResourceID)
	if in.ResourceID == "" {
		return nil, worker.InvalidInput("resource_id is required")
	}
	if err := h.Index.Remove(ctx, task.NamespaceID, in.ResourceID); err != nil {
		return nil, fmt.Errorf("remove chunks: %w", err)
	}
	logger(h.Log).Info("resource removed from index",
		"task_id", task.TaskID, "namespace_id", task.NamespaceID, "resource_id", in.ResourceID)
	return json.RawMessage(`{}`), nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

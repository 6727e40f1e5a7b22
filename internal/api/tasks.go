package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/import-ai/magic-box-wizard/internal/store"
)

// registerTaskRoutes wires the task endpoints on the huma API.
//
//	POST /tasks                              enqueue
//	GET  /tasks                              list, newest first
//	GET  /tasks/{task_id}                    fetch one
//	POST /tasks/{task_id}/cancel             withdraw a pending task
//	GET  /namespaces/{namespace_id}/running  running count
func registerTaskRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Enqueue a task",
		Tags:          []string{"Tasks"},
		DefaultStatus: http.StatusCreated,
		Middlewares:   huma.Middlewares{srv.createRateLimit(api)},
	}, createTaskHandler(srv.store))

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Tags:        []string{"Tasks"},
	}, listTasksHandler(srv.store))

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task",
		Tags:        []string{"Tasks"},
	}, getTaskHandler(srv.store))

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/cancel",
		Summary:       "Cancel a pending task",
		Description:   "Only pending tasks can be canceled; a claimed task returns 409.",
		Tags:          []string{"Tasks"},
		DefaultStatus: http.StatusOK,
	}, cancelTaskHandler(srv.store))

	huma.Register(api, huma.Operation{
		OperationID: "get-namespace-running",
		Method:      http.MethodGet,
		Path:        "/namespaces/{namespace_id}/running",
		Summary:     "Count running tasks in a namespace",
		Tags:        []string{"Namespaces"},
	}, namespaceRunningHandler(srv.store))
}

// ── Response types ────────────────────────────────────────────────────────────

// TaskResponse is the API representation of a task.
type TaskResponse struct {
	TaskID               string           `json:"task_id"`
	NamespaceID          string           `json:"namespace_id"`
	Function             string           `json:"function"`
	Status               string           `json:"status" enum:"pending,running,completed,failed,canceled"`
	Input                json.RawMessage  `json:"input,omitempty"`
	Priority             int              `json:"priority"`
	ConcurrencyThreshold int              `json:"concurrency_threshold"`
	CreatedAt            string           `json:"created_at"`            // RFC3339
	StartedAt            *string          `json:"started_at,omitempty"`  // RFC3339
	EndedAt              *string          `json:"ended_at,omitempty"`    // RFC3339
	CanceledAt           *string          `json:"canceled_at,omitempty"` // RFC3339
	Output               json.RawMessage  `json:"output,omitempty"`
	Exception            *store.Exception `json:"exception,omitempty"`
}

func toResponse(t *store.Task) TaskResponse {
	return TaskResponse{
		TaskID:               t.TaskID,
		NamespaceID:          t.NamespaceID,
		Function:             t.Function,
		Status:               string(t.Status()),
		Input:                t.Input,
		Priority:             t.Priority,
		ConcurrencyThreshold: t.ConcurrencyThreshold,
		CreatedAt:            formatTime(t.CreatedAt),
		StartedAt:            formatTimePtr(t.StartedAt),
		EndedAt:              formatTimePtr(t.EndedAt),
		CanceledAt:           formatTimePtr(t.CanceledAt),
		Output:               t.Output,
		Exception:            t.Exception,
	}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// TaskOutput is the response for single-task endpoints.
type TaskOutput struct {
	Body *TaskResponse
}

// storeError maps store sentinels to HTTP errors; anything else is a 500.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return huma.Error404NotFound("task not found")
	case errors.Is(err, store.ErrTaskConflict):
		return huma.Error409Conflict("task id already exists")
	case errors.Is(err, store.ErrTaskNotPending):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, store.ErrInvalidTask):
		return huma.Error422UnprocessableEntity(err.Error())
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ── POST /tasks ───────────────────────────────────────────────────────────────

// CreateTaskInput is the request for POST /tasks.
type CreateTaskInput struct {
	Body struct {
		TaskID               string          `json:"task_id,omitempty" maxLength:"64" doc:"Caller-chosen id; generated when omitted"`
		NamespaceID          string          `json:"namespace_id" minLength:"1" doc:"Tenant the task belongs to"`
		Function             string          `json:"function" minLength:"1" doc:"Handler name"`
		Input                json.RawMessage `json:"input,omitempty" doc:"Handler arguments (JSON object)"`
		Priority             *int            `json:"priority,omitempty" doc:"Higher runs first (default 5)"`
		ConcurrencyThreshold int             `json:"concurrency_threshold,omitempty" minimum:"1" doc:"Max running tasks in the namespace when this task is admitted (default 1)"`
	}
}

func createTaskHandler(s store.TaskStore) func(context.Context, *CreateTaskInput) (*TaskOutput, error) {
	return func(ctx context.Context, input *CreateTaskInput) (*TaskOutput, error) {
		if err := checkNamespace(ctx, input.Body.NamespaceID); err != nil {
			return nil, err
		}
		t, err := s.CreateTask(ctx, store.NewTask{
			TaskID:               input.Body.TaskID,
			NamespaceID:          input.Body.NamespaceID,
			Function:             input.Body.Function,
			Input:                input.Body.Input,
			Priority:             input.Body.Priority,
			ConcurrencyThreshold: input.Body.ConcurrencyThreshold,
		})
		if err != nil {
			return nil, storeError("create task", err)
		}
		resp := toResponse(t)
		return &TaskOutput{Body: &resp}, nil
	}
}

// ── GET /tasks ────────────────────────────────────────────────────────────────

// ListTasksInput defines query parameters for the task list.
type ListTasksInput struct {
	NamespaceID string `query:"namespace_id" doc:"Only tasks in this namespace"`
	Status      string `query:"status" enum:"pending,running,completed,failed,canceled" doc:"Only tasks in this status"`
	Limit       int    `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Page size (max 500)"`
}

// ListTasksOutput is the response for GET /tasks.
type ListTasksOutput struct {
	Body *ListTasksBody
}

// ListTasksBody is the JSON body of the list response.
type ListTasksBody struct {
	Items []TaskResponse `json:"items"`
}

func listTasksHandler(s store.TaskStore) func(context.Context, *ListTasksInput) (*ListTasksOutput, error) {
	return func(ctx context.Context, input *ListTasksInput) (*ListTasksOutput, error) {
		if c := claimsFrom(ctx); c != nil && len(c.Namespaces) > 0 && input.NamespaceID == "" {
			return nil, huma.Error403Forbidden("namespace_id is required for namespace-scoped tokens")
		}
		if err := checkNamespace(ctx, input.NamespaceID); err != nil {
			return nil, err
		}
		tasks, err := s.ListTasks(ctx, store.ListTasksParams{
			NamespaceID: input.NamespaceID,
			Status:      store.Status(input.Status),
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, storeError("list tasks", err)
		}
		items := make([]TaskResponse, len(tasks))
		for i := range tasks {
			items[i] = toResponse(&tasks[i])
		}
		return &ListTasksOutput{Body: &ListTasksBody{Items: items}}, nil
	}
}

// ── GET /tasks/{task_id} ──────────────────────────────────────────────────────

// TaskPathInput identifies one task.
type TaskPathInput struct {
	TaskID string `path:"task_id" maxLength:"64"`
}

// visibleTask loads a task the caller may see. Tasks in namespaces outside
// the token's scope are reported as not found so their ids are not revealed.
func visibleTask(ctx context.Context, s store.TaskStore, op, id string) (*store.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, storeError(op, err)
	}
	if c := claimsFrom(ctx); c != nil && !c.Allows(t.NamespaceID) {
		return nil, storeError(op, store.ErrTaskNotFound)
	}
	return t, nil
}

func getTaskHandler(s store.TaskStore) func(context.Context, *TaskPathInput) (*TaskOutput, error) {
	return func(ctx context.Context, input *TaskPathInput) (*TaskOutput, error) {
		t, err := visibleTask(ctx, s, "get task", input.TaskID)
		if err != nil {
			return nil, err
		}
		resp := toResponse(t)
		return &TaskOutput{Body: &resp}, nil
	}
}

// ── POST /tasks/{task_id}/cancel ──────────────────────────────────────────────

func cancelTaskHandler(s store.TaskStore) func(context.Context, *TaskPathInput) (*TaskOutput, error) {
	return func(ctx context.Context, input *TaskPathInput) (*TaskOutput, error) {
		if _, err := visibleTask(ctx, s, "cancel task", input.TaskID); err != nil {
			return nil, err
		}
		t, err := s.CancelTask(ctx, input.TaskID)
		if err != nil {
			return nil, storeError("cancel task", err)
		}
		resp := toResponse(t)
		return &TaskOutput{Body: &resp}, nil
	}
}

// ── GET /namespaces/{namespace_id}/running ────────────────────────────────────

// NamespaceRunningInput identifies one namespace.
type NamespaceRunningInput struct {
	NamespaceID string `path:"namespace_id"`
}

// NamespaceRunningOutput is the response for the running-count endpoint.
type NamespaceRunningOutput struct {
	Body struct {
		NamespaceID string `json:"namespace_id"`
		Running     int    `json:"running"`
	}
}

func namespaceRunningHandler(s store.TaskStore) func(context.Context, *NamespaceRunningInput) (*NamespaceRunningOutput, error) {
	return func(ctx context.Context, input *NamespaceRunningInput) (*NamespaceRunningOutput, error) {
		if err := checkNamespace(ctx, input.NamespaceID); err != nil {
			return nil, err
		}
		n, err := s.CountRunning(ctx, input.NamespaceID)
		if err != nil {
			return nil, fmt.Errorf("running count: %w", err)
		}
		out := &NamespaceRunningOutput{}
		out.Body.NamespaceID = input.NamespaceID
		out.Body.Running = n
		return out, nil
	}
}

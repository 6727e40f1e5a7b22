package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound is returned when no task has the requested id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskConflict is returned when CreateTask is given an id already in use.
	ErrTaskConflict = errors.New("task id already exists")
	// ErrTaskNotPending is returned by CancelTask for a task that was already claimed.
	ErrTaskNotPending = errors.New("task is not pending")
	// ErrTaskNotRunning is returned by CompleteTask/FailTask for a task that is
	// not currently running (never claimed, or already finished).
	ErrTaskNotRunning = errors.New("task is not running")
	// ErrInvalidTask is wrapped by CreateTask validation failures.
	ErrInvalidTask = errors.New("invalid task")
)

// TaskStore is the durable source of truth for task state. Every mutation of
// a task goes through one of these methods.
type TaskStore interface {
	CreateTask(ctx context.Context, nt NewTask) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, p ListTasksParams) ([]Task, error)
	CancelTask(ctx context.Context, id string) (*Task, error)

	// ClaimNextTask atomically moves the best eligible pending task to
	// running. It returns (nil, nil) when nothing is claimable or when the
	// attempt lost a race to another claimer.
	ClaimNextTask(ctx context.Context) (*Task, error)
	CompleteTask(ctx context.Context, id string, output []byte) (*Task, error)
	FailTask(ctx context.Context, id string, exc Exception) (*Task, error)

	RunningCounts(ctx context.Context) (map[string]int, error)
	// CountRunning returns the number of running tasks in one namespace.
	CountRunning(ctx context.Context, namespaceID string) (int, error)
	Ping(ctx context.Context) error
}

// PrepareNewTask validates nt and fills defaults. Implementations call it
// before inserting.
func PrepareNewTask(nt NewTask) (NewTask, error) {
	nt.NamespaceID = strings.TrimSpace(nt.NamespaceID)
	nt.Function = strings.TrimSpace(nt.Function)
	nt.TaskID = strings.TrimSpace(nt.TaskID)
	if nt.NamespaceID == "" {
		return nt, fmt.Errorf("%w: namespace_id is required", ErrInvalidTask)
	}
	if nt.Function == "" {
		return nt, fmt.Errorf("%w: function is required", ErrInvalidTask)
	}
	if len(nt.TaskID) > 64 {
		return nt, fmt.Errorf("%w: task_id longer than 64 characters", ErrInvalidTask)
	}
	if nt.TaskID == "" {
		nt.TaskID = uuid.NewString()
	}
	if nt.ConcurrencyThreshold == 0 {
		nt.ConcurrencyThreshold = DefaultConcurrencyThreshold
	}
	if nt.ConcurrencyThreshold < 1 {
		return nt, fmt.Errorf("%w: concurrency_threshold must be >= 1", ErrInvalidTask)
	}
	if len(nt.Input) == 0 {
		nt.Input = []byte(`{}`)
	} else if !json.Valid(nt.Input) {
		return nt, fmt.Errorf("%w: input is not valid JSON", ErrInvalidTask)
	}
	return nt, nil
}

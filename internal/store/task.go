// ABOUTME: Task record, derived lifecycle status, and the structured failure payload.
// ABOUTME: Shared by every TaskStore implementation and serialized as-is in callbacks.
package store

import (
	"bytes"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task. It is derived from the timestamp
// columns and never stored.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Task is one row of the tasks table. Pointer and RawMessage fields are nil
// while unset and are omitted from JSON.
type Task struct {
	TaskID               string          `json:"task_id"`
	NamespaceID          string          `json:"namespace_id"`
	Function             string          `json:"function"`
	Input                json.RawMessage `json:"input,omitempty"`
	Priority             int             `json:"priority"`
	ConcurrencyThreshold int             `json:"concurrency_threshold"`
	CreatedAt            time.Time       `json:"created_at"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	EndedAt              *time.Time      `json:"ended_at,omitempty"`
	CanceledAt           *time.Time      `json:"canceled_at,omitempty"`
	Output               json.RawMessage `json:"output,omitempty"`
	Exception            *Exception      `json:"exception,omitempty"`
}

// Exception is the structured failure recorded on a task.
type Exception struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Status derives the lifecycle state from the row's timestamps.
func (t *Task) Status() Status {
	switch {
	case t.EndedAt != nil && t.Exception != nil:
		return StatusFailed
	case t.EndedAt != nil:
		return StatusCompleted
	case t.CanceledAt != nil:
		return StatusCanceled
	case t.StartedAt != nil:
		return StatusRunning
	default:
		return StatusPending
	}
}

// IsPending reports whether the task is still eligible for claiming.
func (t *Task) IsPending() bool {
	return t.StartedAt == nil && t.CanceledAt == nil
}

// IsRunning reports whether the task counts against its namespace's
// concurrency threshold.
func (t *Task) IsRunning() bool {
	return t.StartedAt != nil && t.EndedAt == nil && t.CanceledAt == nil
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.Input = cloneRaw(t.Input)
	c.Output = cloneRaw(t.Output)
	c.StartedAt = cloneTime(t.StartedAt)
	c.EndedAt = cloneTime(t.EndedAt)
	c.CanceledAt = cloneTime(t.CanceledAt)
	if t.Exception != nil {
		e := *t.Exception
		if t.Exception.Context != nil {
			e.Context = make(map[string]any, len(t.Exception.Context))
			for k, v := range t.Exception.Context {
				e.Context[k] = v
			}
		}
		c.Exception = &e
	}
	return &c
}

// NewTask holds the producer-supplied fields of a task. TaskID may be empty,
// in which case the store assigns a UUID. A nil Priority means
// DefaultPriority; a zero ConcurrencyThreshold means DefaultConcurrencyThreshold.
type NewTask struct {
	TaskID               string
	NamespaceID          string
	Function             string
	Input                json.RawMessage
	Priority             *int
	ConcurrencyThreshold int
}

// PriorityValue returns the effective priority.
func (nt NewTask) PriorityValue() int {
	if nt.Priority == nil {
		return DefaultPriority
	}
	return *nt.Priority
}

const (
	DefaultPriority             = 5
	DefaultConcurrencyThreshold = 1
)

// ListTasksParams filters ListTasks. Zero values mean "no filter"; Limit is
// clamped to [1, MaxListLimit] with DefaultListLimit when zero.
type ListTasksParams struct {
	NamespaceID string
	Status      Status
	Limit       int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// EffectiveLimit returns the clamped limit.
func (p ListTasksParams) EffectiveLimit() int {
	switch {
	case p.Limit <= 0:
		return DefaultListLimit
	case p.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return p.Limit
	}
}

// NormalizeOutput returns the stored form of a handler output: "{}" when the
// handler produced nothing, so a completed task always carries an output.
func NormalizeOutput(out json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(out)) == 0 || bytes.Equal(bytes.TrimSpace(out), []byte("null")) {
		return json.RawMessage(`{}`)
	}
	return out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

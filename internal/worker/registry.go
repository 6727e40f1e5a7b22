// Package worker runs the claim/execute/finalize/callback cycle against a
// store.TaskStore. Handlers are looked up by task function name in a
// Registry populated before the Pool starts.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/import-ai/magic-box-wizard/internal/store"
)

// Handler executes one task and returns its JSON output. A nil output is
// stored as an empty object.
type Handler func(ctx context.Context, task store.Task) (json.RawMessage, error)

// Runner is implemented by handlers that carry their own dependencies.
type Runner interface {
	Run(ctx context.Context, task store.Task) (json.RawMessage, error)
}

// Exception kinds recorded on failed tasks.
const (
	KindUnknownFunction = "unknown_function"
	KindHandlerError    = "handler_error"
	KindPanic           = "panic"
	KindTimeout         = "timeout"
	KindInvalidInput    = "invalid_input"
	KindInvalidOutput   = "invalid_output"
)

// ErrUnknownFunction is wrapped by Dispatch when no handler is registered
// under the task's function name.
var ErrUnknownFunction = errors.New("unknown function")

// TaskError lets a handler choose the exception kind and context recorded on
// the task.
type TaskError struct {
	Kind    string
	Message string
	Context map[string]any
	Err     error
}

func (e *TaskError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind
}

func (e *TaskError) Unwrap() error { return e.Err }

// InvalidInput returns a TaskError of kind invalid_input.
func InvalidInput(format string, args ...any) *TaskError {
	return &TaskError{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// ExceptionFor converts a handler error into the structured exception stored
// on the task.
func ExceptionFor(err error) store.Exception {
	var te *TaskError
	if errors.As(err, &te) {
		kind := te.Kind
		if kind == "" {
			kind = KindHandlerError
		}
		return store.Exception{Kind: kind, Message: err.Error(), Context: te.Context}
	}
	kind := KindHandlerError
	switch {
	case errors.Is(err, ErrUnknownFunction):
		kind = KindUnknownFunction
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return store.Exception{Kind: kind, Message: err.Error()}
}

// Registry maps function names to handlers. It is safe for concurrent use;
// registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates h with name, replacing any previous handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// RegisterRunner registers a Runner's Run method under name.
func (r *Registry) RegisterRunner(name string, h Runner) {
	r.Register(name, h.Run)
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler registered for task.Function. An unknown name
// returns an error wrapping ErrUnknownFunction; a handler panic is recovered
// and returned as a TaskError of kind panic.
func (r *Registry) Dispatch(ctx context.Context, task store.Task) (out json.RawMessage, err error) {
	r.mu.RLock()
	h, ok := r.handlers[task.Function]
	r.mu.RUnlock()
	if !ok {
		return nil, &TaskError{
			Kind:    KindUnknownFunction,
			Message: fmt.Sprintf("no handler for function %q", task.Function),
			Context: map[string]any{"function": task.Function},
			Err:     ErrUnknownFunction,
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = &TaskError{
				Kind:    KindPanic,
				Message: fmt.Sprintf("handler panic: %v", rec),
				Context: map[string]any{"stack": string(debug.Stack())},
			}
		}
	}()
	return h(ctx, task)
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/import-ai/magic-box-wizard/internal/metrics"
	"github.com/import-ai/magic-box-wizard/internal/store"
)

// DefaultPollInterval is the fixed delay between cycles.
const DefaultPollInterval = time.Second

// Store is the part of store.TaskStore a worker uses.
type Store interface {
	ClaimNextTask(ctx context.Context) (*store.Task, error)
	CompleteTask(ctx context.Context, id string, output []byte) (*store.Task, error)
	FailTask(ctx context.Context, id string, exc store.Exception) (*store.Task, error)
}

// Notifier receives the final snapshot of every finalized task. Its error is
// logged and counted, never acted on.
type Notifier interface {
	Notify(ctx context.Context, task *store.Task) error
}

// CycleResult is the outcome of one RunOnce call.
type CycleResult int

const (
	// CycleIdle means nothing was claimable.
	CycleIdle CycleResult = iota
	// CycleProcessed means a task was claimed and finalized.
	CycleProcessed
	// CycleError means the cycle failed transiently; the loop keeps going.
	CycleError
	// CycleFatal stops the loop. Only context cancellation produces it.
	CycleFatal
)

func (r CycleResult) String() string {
	switch r {
	case CycleIdle:
		return "idle"
	case CycleProcessed:
		return "processed"
	case CycleError:
		return "error"
	case CycleFatal:
		return "fatal"
	}
	return fmt.Sprintf("CycleResult(%d)", int(r))
}

// Options configures a Worker. Zero values pick defaults.
type Options struct {
	Notifier       Notifier
	Metrics        *metrics.Metrics
	PollInterval   time.Duration
	HandlerTimeout time.Duration
	Logger         *slog.Logger
}

// Worker is one claim loop with its own identity.
type Worker struct {
	id       string
	store    Store
	registry *Registry
	notifier Notifier
	metrics  *metrics.Metrics
	poll     time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

// New creates a Worker identified by id.
func New(id string, s Store, reg *Registry, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		id:       id,
		store:    s,
		registry: reg,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		poll:     opts.PollInterval,
		timeout:  opts.HandlerTimeout,
		log:      opts.Logger.With("worker_id", id),
	}
}

// ID returns the worker identity.
func (w *Worker) ID() string { return w.id }

// Run drives RunOnce until ctx is cancelled, sleeping the poll interval after
// every cycle whatever its result.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started", "poll_interval", w.poll)
	defer w.log.Info("worker stopped")
	for {
		if w.RunOnce(ctx) == CycleFatal {
			return
		}
		if !sleep(ctx, w.poll) {
			return
		}
	}
}

// sleep waits d or until ctx is done. Reports whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RunOnce performs one claim/execute/finalize/callback cycle. Panics anywhere
// in the cycle are recovered and reported as CycleError.
func (w *Worker) RunOnce(ctx context.Context) (res CycleResult) {
	defer func() {
		if rec := recover(); rec != nil {
			w.log.Error("worker cycle panic", "panic", rec)
			res = CycleError
		}
	}()

	if ctx.Err() != nil {
		return CycleFatal
	}

	task, err := w.store.ClaimNextTask(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return CycleFatal
		}
		w.metrics.Claim(metrics.ClaimError)
		w.log.Error("claim next task", "error", err)
		return CycleError
	}
	if task == nil {
		w.metrics.Claim(metrics.ClaimEmpty)
		w.log.Debug("no available task, waiting")
		return CycleIdle
	}
	w.metrics.Claim(metrics.ClaimClaimed)

	log := w.log.With("task_id", task.TaskID, "namespace_id", task.NamespaceID, "function", task.Function)
	log.Info("task claimed", "priority", task.Priority, "created_at", task.CreatedAt, "started_at", task.StartedAt)

	final, ok := w.execute(ctx, *task, log)
	if !ok {
		return CycleError
	}
	w.callback(ctx, final, log)
	return CycleProcessed
}

// execute runs the handler and writes the outcome. The handler and the
// finalization run on a context detached from cancellation: a claimed task is
// seen through to a terminal state during shutdown, bounded only by the
// handler timeout.
func (w *Worker) execute(ctx context.Context, task store.Task, log *slog.Logger) (*store.Task, bool) {
	hctx := context.WithoutCancel(ctx)
	if w.timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, w.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := w.registry.Dispatch(hctx, task)
	elapsed := time.Since(start)
	if err == nil {
		out = store.NormalizeOutput(out)
		if !json.Valid(out) {
			err = &TaskError{Kind: KindInvalidOutput, Message: "handler returned invalid JSON output"}
		}
	}

	fctx := context.WithoutCancel(ctx)
	var (
		final   *store.Task
		ferr    error
		outcome string
	)
	if err != nil {
		outcome = metrics.OutcomeFailed
		final, ferr = w.store.FailTask(fctx, task.TaskID, ExceptionFor(err))
	} else {
		outcome = metrics.OutcomeCompleted
		final, ferr = w.store.CompleteTask(fctx, task.TaskID, out)
	}
	if ferr != nil {
		// The task stays Running; nothing repairs it automatically.
		log.Error("finalize task", "outcome", outcome, "handler_error", err, "error", ferr)
		return nil, false
	}
	w.metrics.TaskFinished(task.Function, outcome, elapsed)

	if err != nil {
		log.Error("task failed", "kind", final.Exception.Kind, "error", err,
			"started_at", final.StartedAt, "ended_at", final.EndedAt)
	} else {
		log.Info("task completed", "duration", elapsed,
			"started_at", final.StartedAt, "ended_at", final.EndedAt)
	}
	return final, true
}

func (w *Worker) callback(ctx context.Context, task *store.Task, log *slog.Logger) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(context.WithoutCancel(ctx), task); err != nil {
		w.metrics.Callback(metrics.CallbackError)
		log.Warn("callback failed", "error", err)
		return
	}
	w.metrics.Callback(metrics.CallbackOK)
}

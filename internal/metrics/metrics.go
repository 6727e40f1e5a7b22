// ABOUTME: Prometheus collectors for claims, task outcomes, task duration and callbacks.
// ABOUTME: A nil *Metrics is valid and records nothing, so tests can omit it.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Claim results.
const (
	ClaimClaimed = "claimed"
	ClaimEmpty   = "empty"
	ClaimError   = "error"
)

// Task and callback outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	CallbackOK       = "ok"
	CallbackError    = "error"
)

// Metrics holds the scheduler's collectors.
type Metrics struct {
	claims        *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	callbacks     *prometheus.CounterVec
	running       *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizard_claims_total",
			Help: "Claim attempts by result.",
		}, []string{"result"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizard_tasks_finished_total",
			Help: "Tasks finalized by function and outcome.",
		}, []string{"function", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wizard_task_duration_seconds",
			Help:    "Handler execution time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"function"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizard_callbacks_total",
			Help: "Callback deliveries by outcome.",
		}, []string{"outcome"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wizard_running_tasks",
			Help: "Running tasks per namespace, sampled from the store.",
		}, []string{"namespace_id"}),
	}
	reg.MustRegister(m.claims, m.tasksFinished, m.taskDuration, m.callbacks, m.running)
	return m
}

// Claim records one claim attempt.
func (m *Metrics) Claim(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

// TaskFinished records a finalized task and its handler duration.
func (m *Metrics) TaskFinished(function, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(function, outcome).Inc()
	m.taskDuration.WithLabelValues(function).Observe(d.Seconds())
}

// Callback records one callback delivery.
func (m *Metrics) Callback(outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

// RunningCounter is the subset of the store read by SampleRunning.
type RunningCounter interface {
	RunningCounts(ctx context.Context) (map[string]int, error)
}

// SampleRunning refreshes the running gauge from src every interval until ctx
// is done.
func (m *Metrics) SampleRunning(ctx context.Context, src RunningCounter, interval time.Duration) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.sampleOnce(ctx, src)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Metrics) sampleOnce(ctx context.Context, src RunningCounter) {
	counts, err := src.RunningCounts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("sample running tasks", "error", err)
		}
		return
	}
	m.running.Reset()
	for ns, n := range counts {
		m.running.WithLabelValues(ns).Set(float64(n))
	}
}

package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Claim(ClaimEmpty)
		m.TaskFinished("collect", OutcomeCompleted, time.Second)
		m.Callback(CallbackOK)
		m.SampleRunning(context.Background(), nil, time.Second)
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Claim(ClaimClaimed)
	m.Claim(ClaimClaimed)
	m.Claim(ClaimEmpty)
	m.TaskFinished("collect", OutcomeFailed, 250*time.Millisecond)
	m.Callback(CallbackError)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.claims.WithLabelValues(ClaimClaimed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.claims.WithLabelValues(ClaimEmpty)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksFinished.WithLabelValues("collect", OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbacks.WithLabelValues(CallbackError)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.taskDuration))
}

type fakeCounts struct {
	counts map[string]int
	err    error
}

func (f fakeCounts) RunningCounts(context.Context) (map[string]int, error) { return f.counts, f.err }

func TestSampleOnce(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.sampleOnce(context.Background(), fakeCounts{counts: map[string]int{"a": 2, "b": 1}})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.running.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running.WithLabelValues("b")))

	// A failed sample keeps the previous values.
	m.sampleOnce(context.Background(), fakeCounts{err: errors.New("db down")})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.running.WithLabelValues("a")))

	m.sampleOnce(context.Background(), fakeCounts{counts: map[string]int{}})
	require.Equal(t, 0, testutil.CollectAndCount(m.running))
}

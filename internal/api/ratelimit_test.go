package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestLimiter(t *testing.T, r rate.Limit, burst int) *clientLimiter {
	t.Helper()
	cl := newClientLimiter(r, burst, time.Minute)
	t.Cleanup(cl.Close)
	return cl
}

func TestClientLimiter_Burst(t *testing.T) {
	t.Parallel()
	cl := newTestLimiter(t, rate.Limit(100), 3)
	for i := 1; i <= 3; i++ {
		assert.True(t, cl.Allow("127.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, cl.Allow("127.0.0.1"), "4th request exceeds burst of 3")
}

func TestClientLimiter_BucketPerClient(t *testing.T) {
	t.Parallel()
	cl := newTestLimiter(t, rate.Limit(1), 1)
	assert.True(t, cl.Allow("1.2.3.4"))
	assert.False(t, cl.Allow("1.2.3.4"))
	assert.True(t, cl.Allow("5.6.7.8"))
}

func TestClientLimiter_RefillsWithClock(t *testing.T) {
	t.Parallel()
	cl := newTestLimiter(t, rate.Limit(1), 1)
	now := time.Now()
	cl.now = func() time.Time { return now }

	require.True(t, cl.Allow("1.2.3.4"))
	require.False(t, cl.Allow("1.2.3.4"))
	now = now.Add(1100 * time.Millisecond)
	assert.True(t, cl.Allow("1.2.3.4"))
}

func TestClientLimiter_DropIdle(t *testing.T) {
	t.Parallel()
	cl := newTestLimiter(t, rate.Limit(1), 1)
	cl.Allow("1.2.3.4")
	cl.Allow("5.6.7.8")
	require.Equal(t, 2, cl.count())

	cl.dropIdle(time.Now())
	assert.Equal(t, 2, cl.count(), "recent buckets survive")

	cl.dropIdle(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, cl.count())
}

func TestClientLimiter_CloseTwice(t *testing.T) {
	t.Parallel()
	cl := newClientLimiter(rate.Limit(1), 1, time.Minute)
	cl.Close()
	cl.Close()
}

func TestClientLimiter_RetryAfter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		limit rate.Limit
		want  string
	}{
		{rate.Limit(10.0 / 60), "6"},
		{rate.Limit(2.0 / 60), "30"},
		{rate.Limit(100), "1"},
		{rate.Limit(0), "60"},
	}
	for _, tc := range tests {
		cl := newTestLimiter(t, tc.limit, 1)
		assert.Equal(t, tc.want, cl.retryAfter(), "limit %v", tc.limit)
	}
}

func TestClientKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "10.0.0.1", clientKey("10.0.0.1:5050"))
	assert.Equal(t, "::1", clientKey("[::1]:80"))
	assert.Equal(t, "10.0.0.1", clientKey("10.0.0.1"))
}

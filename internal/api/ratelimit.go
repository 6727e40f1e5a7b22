// ABOUTME: Per-client token buckets guarding task creation, keyed by remote IP.
// ABOUTME: Idle buckets are dropped by a sweeper goroutine that Close stops.
package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/time/rate"
)

const defaultBucketIdle = 15 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// clientLimiter hands each client its own rate.Limiter.
type clientLimiter struct {
	rate  rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	done     chan struct{}
	doneOnce sync.Once
}

func newClientLimiter(r rate.Limit, burst int, idle time.Duration) *clientLimiter {
	if idle <= 0 {
		idle = defaultBucketIdle
	}
	cl := &clientLimiter{
		rate:    r,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		buckets: map[string]*bucket{},
		done:    make(chan struct{}),
	}
	go cl.sweep()
	return cl
}

// Allow spends one token from client's bucket.
func (cl *clientLimiter) Allow(client string) bool {
	now := cl.now()
	cl.mu.Lock()
	b := cl.buckets[client]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(cl.rate, cl.burst)}
		cl.buckets[client] = b
	}
	b.seen = now
	cl.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Close stops the sweeper. Later calls are no-ops.
func (cl *clientLimiter) Close() {
	cl.doneOnce.Do(func() { close(cl.done) })
}

func (cl *clientLimiter) sweep() {
	t := time.NewTicker(cl.idle / 2)
	defer t.Stop()
	for {
		select {
		case <-cl.done:
			return
		case <-t.C:
			cl.dropIdle(cl.now())
		}
	}
}

// dropIdle forgets buckets untouched for longer than the idle window.
func (cl *clientLimiter) dropIdle(now time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for client, b := range cl.buckets {
		if now.Sub(b.seen) > cl.idle {
			delete(cl.buckets, client)
		}
	}
}

func (cl *clientLimiter) count() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.buckets)
}

// retryAfter is the whole-second wait for one token to refill.
func (cl *clientLimiter) retryAfter() string {
	if cl.rate <= 0 {
		return "60"
	}
	return strconv.Itoa(max(1, int(math.Round(1/float64(cl.rate)))))
}

func clientKey(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// createRateLimit is the huma operation middleware on task creation. The
// remote address has already been rewritten by chi's RealIP.
func (srv *Server) createRateLimit(api huma.API) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if srv.createLimiter.Allow(clientKey(ctx.RemoteAddr())) {
			next(ctx)
			return
		}
		ctx.SetHeader("Retry-After", srv.createLimiter.retryAfter())
		_ = huma.WriteErr(api, ctx, http.StatusTooManyRequests, "rate limit exceeded")
	}
}

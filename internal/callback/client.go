// ABOUTME: HTTP clients for callback delivery: plain for internal backends, safeurl for untrusted ones.
// ABOUTME: Both disable redirect following and carry a fixed request timeout.
package callback

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// DefaultTimeout bounds each callback request.
const DefaultTimeout = 10 * time.Second

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// BuildClient returns a plain client. Use it when the backend lives on a
// private network, which safeurl would refuse to reach.
func BuildClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout, CheckRedirect: noRedirect}
}

// BuildSafeClient returns an SSRF-safe client that blocks private and
// loopback destinations.
func BuildSafeClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(noRedirect).
		Build()
	return safeurl.Client(cfg).Client
}

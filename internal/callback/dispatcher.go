// Package callback notifies the backend of finalized tasks. Delivery is a
// single best-effort POST: no retry, no effect on task state.
package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/import-ai/magic-box-wizard/internal/store"
)

// DefaultPath is appended to the backend base URL.
const DefaultPath = "/api/v1/tasks/callback"

// Header names set on every callback.
const (
	HeaderTraceID   = "X-Trace-ID"
	HeaderTimestamp = "X-Wizard-Timestamp"
	HeaderSignature = "X-Wizard-Signature"
)

// maxLoggedBody caps how much of the response body is read and logged.
const maxLoggedBody = 4096

// Config configures a Dispatcher.
type Config struct {
	BaseURL       string
	Path          string // DefaultPath when empty
	SigningSecret string // no signature headers when empty
	Client        *http.Client
	Logger        *slog.Logger
}

// Dispatcher posts task snapshots to the backend.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	log    *slog.Logger
	now    func() time.Time
}

// New returns a Dispatcher, or nil when cfg.BaseURL is empty. A nil
// *Dispatcher is a valid no-op Notifier.
func New(cfg Config) *Dispatcher {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if cfg.Client == nil {
		cfg.Client = BuildClient(DefaultTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		url:    base + path,
		secret: cfg.SigningSecret,
		client: cfg.Client,
		log:    cfg.Logger.With("component", "callback"),
		now:    time.Now,
	}
}

// URL returns the callback endpoint.
func (d *Dispatcher) URL() string {
	if d == nil {
		return ""
	}
	return d.url
}

// Payload serializes the externally visible task fields, omitting nulls. It
// reads task without modifying it, so equal snapshots give equal bytes.
func Payload(task *store.Task) ([]byte, error) {
	b, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal callback payload: %w", err)
	}
	return b, nil
}

// Sign returns the signature header value for body at timestamp ts.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Notify sends one callback for task. The response status and body are
// logged; a transport error or non-2xx status is returned for the caller to
// count, never to retry.
func (d *Dispatcher) Notify(ctx context.Context, task *store.Task) error {
	if d == nil {
		return nil
	}
	body, err := Payload(task)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTraceID, task.TaskID)
	if d.secret != "" {
		ts := strconv.FormatInt(d.now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(d.secret, ts, body))
	}

	resp, err := d.client.Do(req) //nolint:gosec // G107: destination is operator configuration
	if err != nil {
		d.log.Error("callback POST failed", "task_id", task.TaskID, "error", err)
		return fmt.Errorf("callback POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	// Drain the rest so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)) //nolint:errcheck,gosec

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	level := slog.LevelInfo
	if !ok {
		level = slog.LevelError
	}
	d.log.Log(ctx, level, "callback delivered",
		"task_id", task.TaskID,
		"status_code", resp.StatusCode,
		"response", string(respBody))
	if !ok {
		return fmt.Errorf("callback POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}

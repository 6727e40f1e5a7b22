// ABOUTME: HTTP server struct, constructor, and router wiring for the task API.
// ABOUTME: chi carries the middleware stack; huma serves the OpenAPI routes under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/import-ai/magic-box-wizard/internal/config"
	"github.com/import-ai/magic-box-wizard/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store         store.TaskStore
	cfg           *config.Config
	jwtSecret     []byte // nil disables bearer auth
	createLimiter *clientLimiter
}

// NewServer creates a Server. Call Close when done to stop the limiter's
// cleanup goroutine.
func NewServer(s store.TaskStore, cfg *config.Config) *Server {
	perMinute := cfg.CreateRatePerMinute
	if perMinute <= 0 {
		perMinute = 600
	}
	srv := &Server{
		store:         s,
		cfg:           cfg,
		createLimiter: newClientLimiter(rate.Limit(float64(perMinute)/60), perMinute, cfg.RateLimitEvictTTL),
	}
	if cfg.APIJWTSecret != "" {
		srv.jwtSecret = []byte(cfg.APIJWTSecret)
	}
	return srv
}

// Close releases background resources.
func (srv *Server) Close() {
	srv.createLimiter.Close()
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Security headers first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(srv.store))
	r.Handle("/metrics", promhttp.Handler())

	apiRouter := chi.NewRouter()
	if srv.jwtSecret != nil {
		apiRouter.Use(srv.RequireServiceToken())
	}
	humaConfig := huma.DefaultConfig("magic-box-wizard API", "0.1.0")
	humaConfig.Info.Description = "Task queue for the magic-box backend"
	api := humachi.New(apiRouter, humaConfig)
	registerTaskRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)
	return r
}

// pinger is the part of the store /healthz needs.
type pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the store is reachable,
// or 503 {"status":"degraded","store":"unavailable"} when it is not.
func healthzHandler(p pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if p == nil {
			resp.Status = "degraded"
			resp.Store = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := p.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: store ping failed", "error", err)
			resp.Status = "degraded"
			resp.Store = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}

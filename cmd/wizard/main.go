// Command wizard is the magic-box task scheduler binary.
//
// Subcommands:
//
//	serve    task API + embedded worker pool
//	worker   standalone worker pool (optional /metrics listener)
//	migrate  apply pending migrations for the configured store driver and exit
//	token    print a signed service token for the task API
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embeds the IANA timezone database so time.LoadLocation works in
	// distroless images without /usr/share/zoneinfo.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/import-ai/magic-box-wizard/internal/api"
	"github.com/import-ai/magic-box-wizard/internal/auth"
	"github.com/import-ai/magic-box-wizard/internal/config"
	"github.com/import-ai/magic-box-wizard/internal/metrics"
)

// runningSampleInterval is how often the running-tasks gauge is refreshed.
const runningSampleInterval = 15 * time.Second

func main() {
	root := &cobra.Command{
		Use:   "wizard",
		Short: "wizard: priority task scheduler with per-namespace concurrency limits",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		tokenCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the task API and embedded worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	slog.Info("starting", "command", "serve", "config", cfg.String())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	m := metrics.New(prometheus.DefaultRegisterer)
	go m.SampleRunning(ctx, st, runningSampleInterval)

	pool, err := newWorkerPool(cfg, st, m)
	if err != nil {
		return err
	}
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context
	}()

	apiSrv := api.NewServer(st, cfg)
	defer apiSrv.Close()

	// WriteTimeout omitted: handlers are short and bounded by the store's
	// statement timeout.
	srv := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		stop()
		<-poolDone
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop()
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		slog.Warn("worker pool did not drain before shutdown timeout")
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no task API)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	slog.Info("starting", "command", "worker", "config", cfg.String())
	if cfg.StoreDriver == config.DriverMemory {
		slog.Warn("memory store in a standalone worker: tasks can only come from this process")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	m := metrics.New(prometheus.DefaultRegisterer)
	go m.SampleRunning(ctx, st, runningSampleInterval)

	if cfg.MetricsAddr != "" {
		shutdownMetrics := serveMetrics(cfg.MetricsAddr)
		defer shutdownMetrics()
	}

	pool, err := newWorkerPool(cfg, st, m)
	if err != nil {
		return err
	}
	pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight tasks
	return nil
}

// serveMetrics exposes /metrics on addr and returns a shutdown func.
func serveMetrics(addr string) func() {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{ //nolint:exhaustruct
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))
			return runMigrate(cfg)
		},
	}
}

// ── token ─────────────────────────────────────────────────────────────────────

func tokenCmd() *cobra.Command {
	var (
		subject    string
		namespaces []string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a service token signed with API_JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Parse()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cfg.APIJWTSecret == "" {
				return errors.New("API_JWT_SECRET is not set")
			}
			tok, err := auth.IssueServiceToken([]byte(cfg.APIJWTSecret), subject, namespaces, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "backend", "sub claim identifying the caller")
	cmd.Flags().StringSliceVar(&namespaces, "namespace", nil, "restrict the token to these namespace ids (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

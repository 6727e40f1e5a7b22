package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/import-ai/magic-box-wizard/internal/callback"
	"github.com/import-ai/magic-box-wizard/internal/config"
	"github.com/import-ai/magic-box-wizard/internal/handlers"
	"github.com/import-ai/magic-box-wizard/internal/metrics"
	"github.com/import-ai/magic-box-wizard/internal/store"
	"github.com/import-ai/magic-box-wizard/internal/store/memstore"
	"github.com/import-ai/magic-box-wizard/internal/store/mysqlstore"
	"github.com/import-ai/magic-box-wizard/internal/vector"
	"github.com/import-ai/magic-box-wizard/internal/worker"
	"github.com/import-ai/magic-box-wizard/migrations"
)

// expectedSchemaVersion is the migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// openStore connects the configured TaskStore and returns a func that
// releases it.
func openStore(ctx context.Context, cfg *config.Config) (store.TaskStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := newPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("database: %w", err)
		}
		return store.New(pool), pool.Close, nil
	case config.DriverMySQL:
		var db *sql.DB
		err := withRetry(ctx, func() error {
			var err error
			db, err = mysqlstore.Open(ctx, cfg.DatabaseURL, int(cfg.DBMaxConns), cfg.DBMaxConnIdleTime)
			return err
		})
		if err != nil {
			return nil, nil, fmt.Errorf("database: %w", err)
		}
		return mysqlstore.New(db), func() { _ = db.Close() }, nil
	case config.DriverMemory:
		slog.Warn("using the in-memory store: tasks do not survive a restart")
		return memstore.New(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// withRetry calls connect up to 10 times with linear backoff to ride out the
// compose startup race where the database is not yet accepting connections.
func withRetry(ctx context.Context, connect func() error) error {
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		if err = connect(); err == nil {
			return nil
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", err)
		// time.NewTimer (not time.After) so the timer is released on cancel.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("database unavailable after retries: %w", err)
}

// newPool creates and validates a pgxpool: PgBouncer-compatible exec mode,
// per-statement timeout, and pool sizing from config.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var db *pgxpool.Pool
	err = withRetry(ctx, func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		db = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	var pgMaxConnsStr string
	if err := db.QueryRow(ctx, "SHOW max_connections").Scan(&pgMaxConnsStr); err == nil {
		if pgMaxConns, err := strconv.Atoi(pgMaxConnsStr); err == nil && int(cfg.DBMaxConns) > int(float64(pgMaxConns)*0.8) {
			slog.Warn("DB_MAX_CONNS exceeds 80% of Postgres max_connections",
				"db_max_conns", cfg.DBMaxConns,
				"postgres_max_connections", pgMaxConns,
			)
		}
	}

	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `wizard migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}
	return db, nil
}

// newWorkerPool builds the registry, callback dispatcher and vector index
// from cfg and returns a pool over st.
func newWorkerPool(cfg *config.Config, st store.TaskStore, m *metrics.Metrics) (*worker.Pool, error) {
	reg := worker.NewRegistry()

	// idx stays a nil interface when no vector service is configured.
	var idx vector.Index
	if cfg.VectorBaseURL != "" {
		h, err := vector.NewHTTPIndex(vector.HTTPConfig{
			BaseURL:    cfg.VectorBaseURL,
			Collection: cfg.VectorCollection,
			BatchSize:  cfg.VectorBatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("vector index: %w", err)
		}
		idx = h
	}
	handlers.Register(reg, idx, cfg.VectorChunkSize, slog.Default())

	opts := worker.Options{
		Metrics:        m,
		PollInterval:   cfg.WorkerPollInterval,
		HandlerTimeout: cfg.HandlerTimeout,
		Logger:         slog.Default(),
	}

	client := callback.BuildClient(cfg.CallbackTimeout)
	if cfg.CallbackSafeClient {
		client = callback.BuildSafeClient(cfg.CallbackTimeout)
	}
	if d := callback.New(callback.Config{
		BaseURL:       cfg.BackendBaseURL,
		Path:          cfg.CallbackPath,
		SigningSecret: cfg.CallbackSigningSecret,
		Client:        client,
	}); d != nil {
		opts.Notifier = d
		slog.Info("callbacks enabled", "url", d.URL(), "signed", cfg.CallbackSigningSecret != "")
	} else {
		slog.Warn("BACKEND_BASE_URL not set, callbacks disabled")
	}

	slog.Info("handlers registered", "functions", reg.Names())
	return worker.NewPool(st, reg, cfg.WorkerConcurrency, opts), nil
}

// runMigrate applies the embedded migrations for the configured driver.
func runMigrate(cfg *config.Config) error {
	slog.Info("running migrations", "driver", cfg.StoreDriver)

	var (
		m   *migrate.Migrate
		err error
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		m, err = postgresMigrator(cfg.MigrateURL())
	case config.DriverMySQL:
		m, err = mysqlMigrator(cfg.MigrateURL())
	case config.DriverMemory:
		slog.Info("memory store has no schema, nothing to migrate")
		return nil
	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return err
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("close migrator", "source_error", srcErr, "db_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version, "dirty", dirty)
	return nil
}

func postgresMigrator(url string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, "postgres")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	connCfg, err := pgx.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	// Simple protocol so multi-statement migration files run natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate init: %w", err)
	}
	return m, nil
}

func mysqlMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, "mysql")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	myCfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	myCfg.MultiStatements = true
	myCfg.ParseTime = true
	db, err := sql.Open("mysql", myCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	driver, err := migratemysql.WithInstance(db, &migratemysql.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "mysql", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate init: %w", err)
	}
	return m, nil
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

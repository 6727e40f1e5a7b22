// ABOUTME: Test helper that starts a Postgres testcontainer with the task schema migrated.
// ABOUTME: Use NewTestDB(t) in integration tests that need a real database.
package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/import-ai/magic-box-wizard/internal/store"
	"github.com/import-ai/magic-box-wizard/migrations"
)

// TestDB embeds the Postgres store so task methods are directly callable.
type TestDB struct {
	*store.Store
	ConnString string
}

// NewTestDB starts a Postgres testcontainer, runs the migrations, and returns
// a TestDB backed by it. The container and pool are cleaned up via t.Cleanup.
// Skipped under -short.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in -short mode")
	}
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:18-alpine",
		tcpostgres.WithDatabase("wizard_test"),
		tcpostgres.WithUsername("wizard_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	if err := MigratePostgres(connStr); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &TestDB{Store: store.New(pool), ConnString: connStr}
}

// MigratePostgres applies the embedded postgres migrations to connStr using
// the same pattern as `wizard migrate`.
func MigratePostgres(connStr string) error {
	src, err := iofs.New(migrations.FS, "postgres")
	if err != nil {
		return err
	}
	connCfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		return err
	}
	// Simple protocol so multi-statement migration files run natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Reset deletes every task. Suites that share one container call it between
// subtests.
func (db *TestDB) Reset(t *testing.T) {
	t.Helper()
	if _, err := db.Pool().Exec(context.Background(), `TRUNCATE tasks`); err != nil {
		t.Fatalf("truncate tasks: %v", err)
	}
}

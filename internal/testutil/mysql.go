package testutil

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/import-ai/magic-box-wizard/migrations"
)

// NewMySQLDSN starts a MySQL 8 testcontainer, applies the mysql migrations and
// returns a go-sql-driver DSN for it. Skipped under -short.
func NewMySQLDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MySQL integration test in -short mode")
	}
	ctx := context.Background()

	ctr, err := tcmysql.Run(ctx,
		"mysql:8.4",
		tcmysql.WithDatabase("wizard_test"),
		tcmysql.WithUsername("wizard_test"),
		tcmysql.WithPassword("testpassword"),
	)
	if err != nil {
		t.Fatalf("start mysql container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate mysql container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "parseTime=true", "multiStatements=true")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	if err := MigrateMySQL(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return dsn
}

// MigrateMySQL applies the embedded mysql migrations to dsn.
func MigrateMySQL(dsn string) error {
	src, err := iofs.New(migrations.FS, "mysql")
	if err != nil {
		return err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	driver, err := migratemysql.WithInstance(db, &migratemysql.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "mysql", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

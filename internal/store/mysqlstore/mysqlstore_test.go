package mysqlstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/import-ai/magic-box-wizard/internal/store"
	"github.com/import-ai/magic-box-wizard/internal/store/mysqlstore"
	"github.com/import-ai/magic-box-wizard/internal/store/storetest"
	"github.com/import-ai/magic-box-wizard/internal/testutil"
)

func TestMySQLStoreSuite(t *testing.T) {
	dsn := testutil.NewMySQLDSN(t)
	db, err := mysqlstore.Open(context.Background(), dsn, 20, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := mysqlstore.New(db)
	storetest.Run(t, func(t *testing.T) store.TaskStore {
		_, err := db.ExecContext(context.Background(), `DELETE FROM tasks`)
		require.NoError(t, err)
		return s
	})
}

// Package migrations embeds the SQL migration files so that the compiled
// binary carries its own schema management without requiring files on disk.
//
// Each supported store driver has its own directory; pass the driver name as
// the iofs root (e.g. iofs.New(migrations.FS, "postgres")).
package migrations

import "embed"

//go:embed postgres/*.sql mysql/*.sql
var FS embed.FS


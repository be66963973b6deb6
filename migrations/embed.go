// Package migrations embeds the SQL schema files applied at startup.
package migrations

import "embed"

// Postgres holds {version}_{name}.up.sql / .down.sql files for PostgreSQL
//
//go:embed postgres/*.sql
var Postgres embed.FS

// ClickHouse holds the archive table definitions
//
//go:embed clickhouse/*.sql
var ClickHouse embed.FS

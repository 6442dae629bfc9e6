// Package db embeds the SQL migrations.
package db

import "embed"

// Postgres holds the migrations under pg/.
//
//go:embed pg/*.sql
var Postgres embed.FS

// PostgresDir is the migrations directory inside Postgres.
const PostgresDir = "pg"

// Package migrations embeds the SQL schema. Statements are written to run
// unchanged on MySQL 8 and SQLite 3.
package migrations

import "embed"

// Files holds every *.sql migration, applied in version order.
//
//go:embed *.sql
var Files embed.FS

// Package migrations embeds the PostgreSQL schema applied by cmd/migrate.
package migrations

import "embed"

// FS holds every *.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS

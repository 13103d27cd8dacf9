// Package migrations embeds the engine's SQL schema for cmd/migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

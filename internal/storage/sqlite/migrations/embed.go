package migrations

import "embed"

// FS contains embedded SQLite migrations for the licensing store.
//
//go:embed *.sql
var FS embed.FS

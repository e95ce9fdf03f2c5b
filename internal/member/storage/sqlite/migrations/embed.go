package migrations

import "embed"

// FS contains embedded SQLite migrations for member directory storage.
//
//go:embed *.sql
var FS embed.FS

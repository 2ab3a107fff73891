// Package migrations embeds the chat store schema migrations.
package migrations

import "embed"

// FS holds the .sql migration files applied at store open.
//
//go:embed *.sql
var FS embed.FS

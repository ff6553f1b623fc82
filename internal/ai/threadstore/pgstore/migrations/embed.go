// Package migrations embeds the Postgres checkpoint schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

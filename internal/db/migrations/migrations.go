// Package migrations embeds the schema files applied by tools/migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Package migrations holds the ordered Postgres schema files applied by
// cmd/migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

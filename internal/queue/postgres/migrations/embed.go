// Package migrations embeds the SQL migration files for the jobs table.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

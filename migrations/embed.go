// Package migrations embeds the SQL migration files applied by infra.Migrate
// and the Postgres-backed store tests.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

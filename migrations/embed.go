// Package migrations embeds the schema migration files so the CLI can apply
// them without a checkout.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Package migrations embeds the relay's SQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

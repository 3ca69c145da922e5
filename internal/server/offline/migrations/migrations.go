// Package migrations embeds the schema of the file-backed offline store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS

package migrations

import "embed"

// FS contains the schema for every supported SQL dialect, one directory each.
//
//go:embed mysql/*.sql sqlite/*.sql
var FS embed.FS

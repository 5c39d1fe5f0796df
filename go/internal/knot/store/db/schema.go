package db

import "embed"

// Schema holds the DDL applied by the migrate_knots tool, in file name order.
//
//go:embed schema/*.sql
var Schema embed.FS

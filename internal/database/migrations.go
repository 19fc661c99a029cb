package database

import "embed"

// EmbeddedMigrations holds the core schema for every SQL driver, one
// subdirectory per goose dialect.
//
//go:embed migrations/postgres/*.sql migrations/mysql/*.sql
var EmbeddedMigrations embed.FS

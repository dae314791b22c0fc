// Package db embeds the database schema and the demo catalog.
package db

import _ "embed"

var (
	// Schema holds the idempotent DDL for every application table.
	//
	//go:embed migrations/001_schema.sql
	Schema string

	// Medicines is the demo catalog loaded by seed-db when no file is given.
	//
	//go:embed seed/medicines.json
	Medicines []byte
)

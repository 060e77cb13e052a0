// Package db provides the embedded database schema and seed fixtures.
package db

import _ "embed"

// Schema contains the DDL statements for all pricing tables.
//
//go:embed migrations/001_schema.sql
var Schema string

// Catalog is the development fixture loaded by seed-db.
//
//go:embed seed/catalog.json
var Catalog []byte

// Package db embeds the checkout database schema.
package db

import _ "embed"

// Schema creates the catalog, coupon, order and API key tables. Every
// statement is safe to re-run.
//
//go:embed migrations/001_schema.sql
var Schema string

// Package migrations ships the schema migrations inside the binary so the
// server can bring its own database up to date at startup.
package migrations

import "embed"

// FS holds the goose migration scripts.
//
//go:embed *.sql
var FS embed.FS

// Package migrations carries the goose SQL migrations compiled into the
// server binary.
package migrations

import "embed"

// FS holds every versioned migration; goose reads them relative to ".".
//
//go:embed *.sql
var FS embed.FS

//go:build !sqlite_cgo

package sqlite

// Pure Go driver, no C toolchain needed. FTS5 is compiled in.
//
//	CGO_ENABLED=0 go build ./...

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the database/sql driver the index opens.
	DriverName = "sqlite"
	BuildMode  = "purego"
)

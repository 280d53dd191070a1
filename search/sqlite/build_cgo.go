//go:build sqlite_cgo

package sqlite

// cgo driver. FTS5 must be enabled explicitly:
//
//	CGO_ENABLED=1 go build -tags "sqlite_cgo,sqlite_fts5" ./...

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the database/sql driver the index opens.
	DriverName = "sqlite3"
	BuildMode  = "cgo"
)

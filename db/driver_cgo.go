//go:build cgo

package db

import (
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver registered for this build
const DriverName = "sqlite3"

// dsn builds a go-sqlite3 connection string; pragmas are applied on every new connection
func dsn(path string) string {
	if path == MemoryPath {
		return fmt.Sprintf("file::memory:?_foreign_keys=on&_busy_timeout=%d", SQLiteBusyTimeoutMS)
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d", path, SQLiteBusyTimeoutMS)
}

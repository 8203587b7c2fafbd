//go:build !cgo

package db

import (
	"fmt"

	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver registered for this build
const DriverName = "sqlite"

// dsn builds a modernc sqlite connection string; pragmas are applied on every new connection
func dsn(path string) string {
	if path == MemoryPath {
		return fmt.Sprintf("file::memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", SQLiteBusyTimeoutMS)
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, SQLiteBusyTimeoutMS)
}

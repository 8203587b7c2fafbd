package db

import (
	"strings"

	"github.com/teranos/taxscore/errors"
)

// ErrDatabaseClosed marks operations attempted after Close, typically by a
// worker still polling during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err is ErrDatabaseClosed or the driver's
// own closed-database error, which arrives unwrapped.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// Both sqlite drivers report constraint failures with the same message text.
const (
	uniqueViolation     = "UNIQUE constraint failed"
	foreignKeyViolation = "FOREIGN KEY constraint failed"
)

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), uniqueViolation)
}

// IsForeignKeyViolation reports whether err references a missing parent row
func IsForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), foreignKeyViolation)
}

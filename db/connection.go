package db

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/taxscore/errors"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database before failing
const SQLiteBusyTimeoutMS = 5000

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// Open opens a SQLite database at the specified path with WAL, foreign keys and
// a busy timeout applied to every pooled connection.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "driver", DriverName)
	}

	db, err := sql.Open(DriverName, dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if path == MemoryPath {
		// Each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database %s", path)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"driver", DriverName,
			"wal_mode", path != MemoryPath,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies pending migrations
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to migrate database %s", path)
	}

	return db, nil
}

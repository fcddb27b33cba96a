package persistence

import "database/sql"

// NewSQLiteStore initializes the schema in db and returns a Store on it.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// In-memory databases must be limited to one connection
// (db.SetMaxOpenConns(1)) so every query sees the same database.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqlDialect{name: "sqlite", blob: "BLOB"})
}

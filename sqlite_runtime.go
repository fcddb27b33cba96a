package eventide

import (
	"database/sql"
)

// NewSQLiteRuntime builds a durable Runtime whose executions, history, task
// claims and timers share one SQLite database. cfg.Backend and cfg.DSN are
// ignored; the caller keeps ownership of db.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:eventide.db?_pragma=journal_mode(WAL)")
//	db.SetMaxOpenConns(1)
//	rt, err := eventide.NewSQLiteRuntime(db, eventide.DefaultConfig())
func NewSQLiteRuntime(db *sql.DB, cfg Config, opts ...Option) (*Runtime, error) {
	// db stands in for the backend settings; validate the rest.
	check := cfg
	check.Backend = BackendMemory
	if err := check.Validate(); err != nil {
		return nil, err
	}
	cfg.Backend = BackendSQLite
	b, err := sqliteBackend(db, cfg)
	if err != nil {
		return nil, err
	}
	return newRuntime(cfg, b, opts...)
}

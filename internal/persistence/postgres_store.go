package persistence

import "database/sql"

// NewPostgresStore initializes the schema in db and returns a Store on it.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqlDialect{name: "postgres", blob: "BYTEA", numbered: true})
}

package timerqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// SQLQueue is a persistent delayed queue over database/sql. Use
// NewSQLiteQueue or NewPostgresQueue to create one.
type SQLQueue struct {
	db           *sql.DB
	pollInterval time.Duration

	// lockDue is appended to the select of the next due row.
	lockDue  string
	numbered bool
}

var _ Queue = (*SQLQueue)(nil)

// NewSQLiteQueue creates the timer_items table in db and returns a queue over it.
func NewSQLiteQueue(db *sql.DB, pollInterval time.Duration) (*SQLQueue, error) {
	q := &SQLQueue{db: db, pollInterval: pollInterval}
	return q, q.initSchema("BLOB")
}

// NewPostgresQueue is like NewSQLiteQueue for PostgreSQL. Concurrent
// consumers skip rows another transaction has already locked.
func NewPostgresQueue(db *sql.DB, pollInterval time.Duration) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		pollInterval: pollInterval,
		lockDue:      " FOR UPDATE SKIP LOCKED",
		numbered:     true,
	}
	return q, q.initSchema("BYTEA")
}

func (q *SQLQueue) initSchema(blob string) error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS timer_items (
			id          TEXT PRIMARY KEY,
			payload     %s,
			enqueued_at BIGINT NOT NULL,
			not_before  BIGINT NOT NULL
		)`, blob),
		`CREATE INDEX IF NOT EXISTS timer_items_due ON timer_items (not_before)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *SQLQueue) rebind(query string) string {
	if !q.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *SQLQueue) Enqueue(ctx context.Context, item Item) error {
	item = prepare(item)
	_, err := q.db.ExecContext(ctx, q.rebind(`
		INSERT INTO timer_items (id, payload, enqueued_at, not_before)
		VALUES (?, ?, ?, ?)`),
		item.ID,
		item.Payload,
		item.EnqueuedAt.UnixNano(),
		item.NotBefore.UnixNano(),
	)
	return err
}

func (q *SQLQueue) Dequeue(ctx context.Context) (*Item, error) {
	p := newPoller(q.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, err := q.popDue(ctx)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// popDue deletes and returns the earliest due item, or nil if none is due.
func (q *SQLQueue) popDue(ctx context.Context) (*Item, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		item       Item
		enqueuedAt int64
		notBefore  int64
	)
	err = tx.QueryRowContext(ctx, q.rebind(`
		SELECT id, payload, enqueued_at, not_before
		FROM timer_items
		WHERE not_before <= ?
		ORDER BY not_before, enqueued_at
		LIMIT 1`+q.lockDue),
		time.Now().UnixNano(),
	).Scan(&item.ID, &item.Payload, &enqueuedAt, &notBefore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, q.rebind(`DELETE FROM timer_items WHERE id = ?`), item.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Taken by a concurrent consumer.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	item.EnqueuedAt = time.Unix(0, enqueuedAt)
	item.NotBefore = time.Unix(0, notBefore)
	return &item, nil
}

func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM timer_items`).Scan(&n); err != nil {
		log.Printf("timerqueue: Len failed: %v", err)
		return 0
	}
	return n
}

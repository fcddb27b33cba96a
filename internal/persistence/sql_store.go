package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

// sqlDialect captures what differs between the SQL backends.
type sqlDialect struct {
	name string
	blob string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

// SQLStore is a Store on database/sql. Use NewSQLiteStore or
// NewPostgresStore to create one.
//
// Timestamps are stored as unix nanoseconds; payloads and events as gob
// blobs.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d sqlDialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("%s: init schema: %w", d.name, err)
	}
	return s, nil
}

// DB exposes the underlying handle, for sharing it with a timer queue.
func (s *SQLStore) DB() *sql.DB { return s.db }

// rebind rewrites ? placeholders for the dialect.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			execution_name TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time BIGINT NOT NULL,
			end_time BIGINT NOT NULL DEFAULT 0,
			parent_id TEXT NOT NULL DEFAULT '',
			parent_seq INTEGER NOT NULL DEFAULT -1,
			input_hash TEXT NOT NULL DEFAULT '',
			input ` + s.dialect.blob + `,
			result ` + s.dialect.blob + `,
			error TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_name, id)`,
		`CREATE TABLE IF NOT EXISTS execution_leases (
			execution_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history_events (
			execution_id TEXT NOT NULL,
			pos INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data ` + s.dialect.blob + ` NOT NULL,
			PRIMARY KEY (execution_id, pos)
		)`,
		`CREATE TABLE IF NOT EXISTS task_claims (
			execution_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			retry INTEGER NOT NULL,
			claimed_at BIGINT NOT NULL,
			PRIMARY KEY (execution_id, seq, retry)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	input, err := EncodeValue(exec.Input)
	if err != nil {
		return err
	}
	result, err := EncodeValue(exec.Result)
	if err != nil {
		return err
	}
	parentID, parentSeq := "", -1
	if exec.Parent != nil {
		parentID, parentSeq = exec.Parent.ExecutionID, exec.Parent.Seq
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO executions (id, workflow_name, execution_name, status, start_time, end_time, parent_id, parent_seq, input_hash, input, result, error, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		exec.ID,
		exec.WorkflowName,
		exec.ExecutionName,
		string(exec.Status),
		unixNano(exec.StartTime),
		unixNano(exec.EndTime),
		parentID,
		parentSeq,
		exec.InputHash,
		input,
		result,
		exec.Error,
		exec.Message,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExecutionAlreadyExists
	}
	return nil
}

const executionColumns = `id, workflow_name, execution_name, status, start_time, end_time, parent_id, parent_seq, input_hash, input, result, error, message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*api.Execution, error) {
	var (
		exec            api.Execution
		status          string
		start, end      int64
		parentID        string
		parentSeq       int
		input, result   []byte
		errName, errMsg string
	)
	if err := row.Scan(&exec.ID, &exec.WorkflowName, &exec.ExecutionName, &status, &start, &end,
		&parentID, &parentSeq, &exec.InputHash, &input, &result, &errName, &errMsg); err != nil {
		return nil, err
	}
	exec.Status = api.Status(status)
	exec.StartTime = fromUnixNano(start)
	exec.EndTime = fromUnixNano(end)
	if parentID != "" {
		exec.Parent = &api.ParentRef{ExecutionID: parentID, Seq: parentSeq}
	}
	exec.Error = errName
	exec.Message = errMsg

	var err error
	if exec.Input, err = DecodeValue[any](input); err != nil {
		return nil, err
	}
	if exec.Result, err = DecodeValue[any](result); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	return exec, err
}

func (s *SQLStore) UpdateStatus(ctx context.Context, t StatusTransition) error {
	result, err := EncodeValue(t.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE executions
		SET status = ?, end_time = ?, result = ?, error = ?, message = ?
		WHERE id = ? AND status = ?`),
		string(t.To),
		unixNano(t.EndTime),
		result,
		t.Error,
		t.Message,
		t.ExecutionID,
		string(t.From),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM executions WHERE id = ?`), t.ExecutionID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrExecutionNotFound
	case err != nil:
		return err
	case api.Status(current) == t.To:
		return nil
	default:
		return ErrStatusConflict
	}
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) (api.ExecutionPage, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id > ?`
	args := []any{filter.NextToken}

	if filter.WorkflowName != "" {
		query += ` AND workflow_name = ?`
		args = append(args, filter.WorkflowName)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	limit := pageSize(filter)
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return api.ExecutionPage{}, err
	}
	defer rows.Close()

	var page api.ExecutionPage
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return api.ExecutionPage{}, err
		}
		page.Executions = append(page.Executions, exec)
	}
	if err := rows.Err(); err != nil {
		return api.ExecutionPage{}, err
	}
	if len(page.Executions) > limit {
		page.Executions = page.Executions[:limit]
		page.NextToken = page.Executions[limit-1].ID
	}
	return page, nil
}

func (s *SQLStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO execution_leases (execution_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE execution_leases.owner = excluded.owner OR execution_leases.expires_at <= ?`),
		executionID, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE execution_leases SET expires_at = ? WHERE execution_id = ? AND owner = ?`),
		time.Now().Add(ttl).UnixNano(), executionID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM execution_leases WHERE execution_id = ? AND owner = ?`),
		executionID, owner,
	); err != nil {
		return err
	}

	var other string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT owner FROM execution_leases WHERE execution_id = ?`), executionID).Scan(&other)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return err
	default:
		return ErrLeaseHeld
	}
}

func (s *SQLStore) GetEvents(ctx context.Context, executionID string) ([]api.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT data FROM history_events WHERE execution_id = ? ORDER BY pos`), executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkflowEvent
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		e, err := DecodeEvent(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendEvents(ctx context.Context, executionID string, events []api.WorkflowEvent) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var next int
	if err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(pos) + 1, 0) FROM history_events WHERE execution_id = ?`), executionID).Scan(&next); err != nil {
		return err
	}

	insert := s.rebind(`INSERT INTO history_events (execution_id, pos, event_id, type, data) VALUES (?, ?, ?, ?, ?)`)
	for i, e := range events {
		data, encErr := EncodeEvent(e)
		if encErr != nil {
			err = encErr
			return err
		}
		if _, err = tx.ExecContext(ctx, insert, executionID, next+i, e.ID, string(e.Type), data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ClaimTask(ctx context.Context, executionID string, seq, retry int) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO task_claims (execution_id, seq, retry, claimed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (execution_id, seq, retry) DO NOTHING`),
		executionID, seq, retry, time.Now().UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

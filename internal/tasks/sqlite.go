package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore persists tasks in a local SQLite file. All goroutines
// serialize through one connection (SetMaxOpenConns(1)), which sidesteps
// SQLITE_BUSY from concurrent writers; claim atomicity is still guarded
// by a status CAS inside a transaction so the store stays correct if the
// pool is ever widened.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tasks: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			queue TEXT NOT NULL,
			args BLOB,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			scheduled_for INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			result BLOB,
			error TEXT,
			stack_trace TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT,
			timeout_millis INTEGER NOT NULL DEFAULT 0,
			metadata TEXT
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("tasks: create table: %w", err)
		}
	}

	// Indexes matching the claim and scan paths.
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_scheduled ON tasks(scheduled_for)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(queue, status, priority DESC, created_at ASC)`,
	}
	for _, stmt := range indexes {
		_, _ = s.db.ExecContext(ctx, stmt)
	}
	return nil
}

const taskColumns = `id, name, queue, args, status, priority, created_at, scheduled_for,
	started_at, completed_at, result, error, stack_trace, retry_count, max_retries,
	worker_id, timeout_millis, metadata`

func (s *SQLiteStore) Save(ctx context.Context, t *Task) error {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Queue, t.Args, string(t.Status), int(t.Priority),
		t.CreatedAt.UnixMilli(), t.ScheduledFor.UnixMilli(),
		nullMillis(t.StartedAt), nullMillis(t.CompletedAt),
		t.Result, nullStr(t.Error), nullStr(t.StackTrace),
		t.RetryCount, t.MaxRetries, nullStr(t.WorkerID),
		t.Timeout.Milliseconds(), meta)
	if err != nil {
		return fmt.Errorf("tasks: save %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, queue, workerID string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tasks: begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now()
	row := tx.QueryRowContext(ctx, `SELECT id FROM tasks
		WHERE status = ? AND queue = ? AND scheduled_for <= ?
		ORDER BY priority DESC, created_at ASC LIMIT 1`,
		string(StatusPending), queue, now.UnixMilli())

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("tasks: select claim: %w", err)
	}

	// CAS on status so a widened pool or an external writer cannot hand
	// the same row to two claimants.
	res, err := tx.ExecContext(ctx, `UPDATE tasks
		SET status = ?, worker_id = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusProcessing), workerID, now.UnixMilli(), id, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("tasks: claim %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tasks: commit claim: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) Update(ctx context.Context, t *Task) error {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET
		name = ?, queue = ?, args = ?, status = ?, priority = ?,
		created_at = ?, scheduled_for = ?, started_at = ?, completed_at = ?,
		result = ?, error = ?, stack_trace = ?, retry_count = ?, max_retries = ?,
		worker_id = ?, timeout_millis = ?, metadata = ?
		WHERE id = ?`,
		t.Name, t.Queue, t.Args, string(t.Status), int(t.Priority),
		t.CreatedAt.UnixMilli(), t.ScheduledFor.UnixMilli(),
		nullMillis(t.StartedAt), nullMillis(t.CompletedAt),
		t.Result, nullStr(t.Error), nullStr(t.StackTrace),
		t.RetryCount, t.MaxRetries, nullStr(t.WorkerID),
		t.Timeout.Milliseconds(), meta, t.ID)
	if err != nil {
		return fmt.Errorf("tasks: update %s: %w", t.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteStore) GetByStatus(ctx context.Context, status Status, limit int) ([]*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?
		ORDER BY scheduled_for ASC, created_at ASC`
	args := []any{string(status)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTasks(ctx, q, args...)
}

func (s *SQLiteStore) GetByQueue(ctx context.Context, queue string, limit int) ([]*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE queue = ?
		ORDER BY created_at DESC`
	args := []any{queue}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTasks(ctx, q, args...)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tasks: query: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled),
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("tasks: delete older than: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("tasks: count: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks
		SET status = ?, worker_id = NULL, started_at = NULL
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(StatusPending), string(StatusProcessing), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("tasks: release stale: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                     Task
		status                string
		priority              int
		createdAt, schedFor   int64
		startedAt, doneAt     sql.NullInt64
		errMsg, stack, worker sql.NullString
		timeoutMillis         int64
		meta                  sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &t.Queue, &t.Args, &status, &priority,
		&createdAt, &schedFor, &startedAt, &doneAt, &t.Result, &errMsg,
		&stack, &t.RetryCount, &t.MaxRetries, &worker, &timeoutMillis, &meta)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Priority = Priority(priority)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.ScheduledFor = time.UnixMilli(schedFor)
	if startedAt.Valid {
		v := time.UnixMilli(startedAt.Int64)
		t.StartedAt = &v
	}
	if doneAt.Valid {
		v := time.UnixMilli(doneAt.Int64)
		t.CompletedAt = &v
	}
	t.Error = errMsg.String
	t.StackTrace = stack.String
	t.WorkerID = worker.String
	t.Timeout = time.Duration(timeoutMillis) * time.Millisecond
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("tasks: decode metadata for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func encodeMetadata(m map[string]string) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("tasks: encode metadata: %w", err)
	}
	s := string(b)
	return &s, nil
}

func decodeMetadata(raw string, dst *map[string]string) error {
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

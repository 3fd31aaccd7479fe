package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/sessionflow/internal/storage"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*SQLiteStore)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: every ":memory:" connection is its own database, and
	// sqlite serialises writers anyway.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const runColumns = `id, status, phase, poll_count, session_id, execution_id, input, output,
	error_kind, error_message, cancel_requested, created_at, updated_at, completed_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, r *storage.Run) error {
	now := s.now()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = storage.StatusPending
	}

	input := string(r.Input)
	if input == "" {
		input = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.Phase, r.PollCount, r.SessionID, r.ExecutionID, input, string(r.Output),
		r.ErrorKind, r.ErrorMessage, r.CancelRequested,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt), formatTimePtr(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	if id == "" {
		return nil, fmt.Errorf("run %w: empty id", storage.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("run %w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w %q matches %d runs", storage.ErrAmbiguous, id, len(matches))
	}
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts storage.RunListOptions) ([]storage.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any

	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}

	query += ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *storage.Run) error {
	r.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, phase = ?, poll_count = ?, session_id = ?, execution_id = ?,
			output = ?, error_kind = ?, error_message = ?, cancel_requested = (cancel_requested OR ?),
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		r.Status, r.Phase, r.PollCount, r.SessionID, r.ExecutionID,
		string(r.Output), r.ErrorKind, r.ErrorMessage, r.CancelRequested,
		formatTime(r.UpdatedAt), formatTimePtr(r.CompletedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %w: %s", storage.ErrNotFound, r.ID)
	}
	return nil
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status IN ('pending','running')`,
		formatTime(s.now()), id,
	)
	if err != nil {
		return false, fmt.Errorf("requesting cancellation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	// Resolve prefix first
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}

	// Journal first (foreign key), then run
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_steps WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("deleting steps: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveStep(ctx context.Context, st *storage.Step) error {
	now := s.now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_steps (run_id, name, seq, kind, status, output, error, attempts, fire_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO UPDATE SET
			status = excluded.status, output = excluded.output, error = excluded.error,
			attempts = excluded.attempts, fire_at = excluded.fire_at, updated_at = excluded.updated_at`,
		st.RunID, st.Name, st.Seq, st.Kind, st.Status, string(st.Output), st.Error, st.Attempts,
		formatTimePtr(st.FireAt), formatTime(st.CreatedAt), formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving step %s: %w", st.Name, err)
	}
	return nil
}

func (s *SQLiteStore) LoadSteps(ctx context.Context, runID string) ([]storage.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, name, seq, kind, status, output, error, attempts, fire_at, created_at, updated_at
		FROM run_steps WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading steps: %w", err)
	}
	defer rows.Close()

	var steps []storage.Step
	for rows.Next() {
		var st storage.Step
		var output string
		var fireAt sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&st.RunID, &st.Name, &st.Seq, &st.Kind, &st.Status, &output, &st.Error,
			&st.Attempts, &fireAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if output != "" {
			st.Output = []byte(output)
		}
		st.FireAt = parseTimePtr(fireAt)
		st.CreatedAt = parseTime(createdAt)
		st.UpdatedAt = parseTime(updatedAt)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*storage.Run, error) {
	var r storage.Run
	var input, output string
	var createdAt, updatedAt string
	var completedAt sql.NullString
	err := s.Scan(&r.ID, &r.Status, &r.Phase, &r.PollCount, &r.SessionID, &r.ExecutionID,
		&input, &output, &r.ErrorKind, &r.ErrorMessage, &r.CancelRequested,
		&createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Input = []byte(input)
	if output != "" {
		r.Output = []byte(output)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

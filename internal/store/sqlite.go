package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// NewRunID generates a new ULID-based run identifier. IDs sort by creation
// time.
func NewRunID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// SQLiteStore implements RunStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ RunStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Fixed width so that stored times order correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// RecordRun inserts or updates a run record. A run is usually recorded
// twice: once as running when it starts and again when it finishes.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run) error {
	if run.StartedAt.IsZero() {
		return errors.New("record run: started_at is required")
	}
	if run.ID == "" {
		run.ID = NewRunID(run.StartedAt)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, task_name, status, trigger_type, scheduled_for, exit_code,
			started_at, finished_at, duration_ms, stdout_tail, stderr_tail,
			error_msg, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			exit_code = excluded.exit_code,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms,
			stdout_tail = excluded.stdout_tail,
			stderr_tail = excluded.stderr_tail,
			error_msg = excluded.error_msg`,
		run.ID,
		run.TaskName,
		run.Status,
		run.Trigger,
		formatTimePtr(run.ScheduledFor),
		run.ExitCode,
		formatTime(run.StartedAt),
		formatTimePtr(run.FinishedAt),
		run.DurationMs,
		nullString(run.StdoutTail),
		nullString(run.StderrTail),
		nullString(run.ErrorMsg),
		formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var startedAt, createdAt string
	var scheduledFor, finishedAt, stdoutTail, stderrTail, errorMsg sql.NullString
	var exitCode, durationMs sql.NullInt64

	err := row.Scan(
		&r.ID,
		&r.TaskName,
		&r.Status,
		&r.Trigger,
		&scheduledFor,
		&exitCode,
		&startedAt,
		&finishedAt,
		&durationMs,
		&stdoutTail,
		&stderrTail,
		&errorMsg,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	if r.ScheduledFor, err = parseTimePtr(scheduledFor); err != nil {
		return nil, fmt.Errorf("parse scheduled_for: %w", err)
	}

	r.ExitCode = int(exitCode.Int64)
	r.DurationMs = durationMs.Int64
	r.StdoutTail = stdoutTail.String
	r.StderrTail = stderrTail.String
	r.ErrorMsg = errorMsg.String
	return &r, nil
}

const selectRunCols = `id, task_name, status, trigger_type, scheduled_for, exit_code,
	started_at, finished_at, duration_ms, stdout_tail, stderr_tail,
	error_msg, created_at`

// GetRun retrieves a single run by ID. A missing run is (nil, nil).
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectRunCols+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs matching the given options, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error) {
	query := "SELECT " + selectRunCols + " FROM runs WHERE 1=1"
	var args []any

	if opts.TaskName != "" {
		query += " AND task_name = ?"
		args = append(args, opts.TaskName)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	query += " ORDER BY started_at DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastRun returns when the task last started, in any status.
func (s *SQLiteStore) LastRun(ctx context.Context, taskName string) (time.Time, bool, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(started_at) FROM runs WHERE task_name = ?", taskName).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last run of %q: %w", taskName, err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTime(last.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last run: %w", err)
	}
	return t, true, nil
}

// GetTaskStats returns aggregate statistics for a given task.
func (s *SQLiteStore) GetTaskStats(ctx context.Context, taskName string) (*TaskStats, error) {
	var stats TaskStats
	var lastRun sql.NullString
	var avgDuration sql.NullFloat64
	var successes, failures sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) AS total_runs,
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) AS successes,
			SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END) AS failures,
			MAX(started_at) AS last_run,
			AVG(duration_ms) AS avg_duration_ms
		FROM runs
		WHERE task_name = ?`, taskName).Scan(
		&stats.TotalRuns,
		&successes,
		&failures,
		&lastRun,
		&avgDuration,
	)
	if err != nil {
		return nil, err
	}
	stats.Successes = int(successes.Int64)
	stats.Failures = int(failures.Int64)
	stats.AvgDurationMs = avgDuration.Float64

	if lastRun.Valid {
		t, err := parseTime(lastRun.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_run: %w", err)
		}
		stats.LastRun = &t
	}

	return &stats, nil
}

// PruneBefore deletes finished runs that started before the cutoff and
// returns how many were removed.
func (s *SQLiteStore) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM runs WHERE started_at < ? AND status != ?", formatTime(before), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

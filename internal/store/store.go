// Package store is the SQLite-backed durable mirror: a crash-recoverable
// copy of task state the engine replays on startup.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Row is one task's durable mirror row.
type Row struct {
	ID           string
	JobID        string
	URL          string
	Filename     string
	Category     string
	Group        string
	DestDir      string
	State        string
	Priority     int
	Downloaded   int64
	Total        int64
	Attempt      int
	LastError    string
	AccountEmail string
	WaitUntil    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HistoryEntry is a terminal task's retained record.
type HistoryEntry struct {
	ID         string
	TaskID     string
	URL        string
	Filename   string
	FinalState string
	Total      int64
	FinishedAt time.Time
}

// Store wraps a single-writer SQLite database holding the durable mirror.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the database at path and migrates it to
// the current schema. The DSN pragmas mirror a single-writer WAL setup:
// synchronous writes are relaxed since the mirror is a recovery aid, not
// the system of record for in-flight bytes on disk.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Upsert writes a task row, inserting or replacing as needed.
func (s *Store) Upsert(ctx context.Context, r Row) error {
	var waitUntil sql.NullTime
	if !r.WaitUntil.IsZero() {
		waitUntil = sql.NullTime{Time: r.WaitUntil, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, job_id, url, filename, category, task_group, dest_dir, state,
			priority, downloaded, total, attempt, last_error, account_email, wait_until,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			job_id=excluded.job_id, url=excluded.url, filename=excluded.filename,
			category=excluded.category, task_group=excluded.task_group, dest_dir=excluded.dest_dir,
			state=excluded.state, priority=excluded.priority, downloaded=excluded.downloaded,
			total=excluded.total, attempt=excluded.attempt, last_error=excluded.last_error,
			account_email=excluded.account_email, wait_until=excluded.wait_until,
			updated_at=excluded.updated_at
	`, r.ID, r.JobID, r.URL, r.Filename, r.Category, r.Group, r.DestDir, r.State, r.Priority,
		r.Downloaded, r.Total, r.Attempt, r.LastError, r.AccountEmail, waitUntil, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting task %s: %w", r.ID, err)
	}
	return nil
}

// Delete removes a task row (used once a terminal task's history entry has
// been written, or on explicit user deletion).
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every mirrored task row, used once at startup to recover
// in-flight state.
func (s *Store) LoadAll(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, url, filename, category, task_group, dest_dir, state, priority,
			downloaded, total, attempt, last_error, account_email, wait_until, created_at, updated_at
		FROM tasks
	`)
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var waitUntil sql.NullTime
		if err := rows.Scan(&r.ID, &r.JobID, &r.URL, &r.Filename, &r.Category, &r.Group, &r.DestDir,
			&r.State, &r.Priority, &r.Downloaded, &r.Total, &r.Attempt, &r.LastError,
			&r.AccountEmail, &waitUntil, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		if waitUntil.Valid {
			r.WaitUntil = waitUntil.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertHistory records a terminal task's history entry.
func (s *Store) InsertHistory(ctx context.Context, h HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (id, task_id, url, filename, final_state, total, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.TaskID, h.URL, h.Filename, h.FinalState, h.Total, h.FinishedAt)
	if err != nil {
		return fmt.Errorf("inserting history %s: %w", h.ID, err)
	}
	return nil
}

// PruneHistory deletes history entries older than the retention window,
// called on the scheduler's periodic tick.
func (s *Store) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE finished_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return res.RowsAffected()
}

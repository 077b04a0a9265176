package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kingrea/storyloom/internal/jobs"
)

// timeLayout has fixed-width fractions so stored values sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists history in a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	owned bool
}

// Open creates (or reuses) the database file at path.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewSQLiteStore wraps an open database and ensures the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("history: db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, fmt.Errorf("history: ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database when Open created it.
func (s *SQLiteStore) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

// Record stores or replaces the snapshot for its job id.
func (s *SQLiteStore) Record(ctx context.Context, snap jobs.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO subagent_jobs (
			job_id, role, role_name, command_text, status, created_at, started_at, finished_at,
			output, error_text, error_kind, log_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.ID,
		snap.Role,
		snap.RoleName,
		snap.CommandText,
		string(snap.Status),
		formatTime(&snap.CreatedAt),
		formatTime(snap.StartedAt),
		formatTime(snap.FinishedAt),
		snap.Output,
		snap.Error,
		snap.ErrorKind,
		snap.LogPath,
	)
	return err
}

// List returns matching snapshots, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]jobs.Snapshot, error) {
	filter = filter.normalized()
	query := `
		SELECT job_id, role, role_name, command_text, status, created_at, started_at, finished_at,
			output, error_text, error_kind, log_path
		FROM subagent_jobs
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.Role != "" {
		addFilter("role = ?", filter.Role)
	}
	if filter.Status != "" {
		addFilter("status = ?", string(filter.Status))
	}
	query += where + " ORDER BY created_at DESC, job_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobs.Snapshot
	for rows.Next() {
		var (
			snap     jobs.Snapshot
			status   string
			created  string
			started  sql.NullString
			finished sql.NullString
		)
		if err := rows.Scan(
			&snap.ID,
			&snap.Role,
			&snap.RoleName,
			&snap.CommandText,
			&status,
			&created,
			&started,
			&finished,
			&snap.Output,
			&snap.Error,
			&snap.ErrorKind,
			&snap.LogPath,
		); err != nil {
			return nil, err
		}
		snap.Status = jobs.Status(status)
		if t, err := parseTime(created); err == nil {
			snap.CreatedAt = t
		}
		snap.StartedAt = parseNullTime(started)
		snap.FinishedAt = parseNullTime(finished)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS subagent_jobs (
			job_id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			role_name TEXT NOT NULL,
			command_text TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			output TEXT NOT NULL DEFAULT '',
			error_text TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			log_path TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_subagent_jobs_role ON subagent_jobs(role);
		CREATE INDEX IF NOT EXISTS idx_subagent_jobs_status ON subagent_jobs(status);
		CREATE INDEX IF NOT EXISTS idx_subagent_jobs_created ON subagent_jobs(created_at);
	`)
	return err
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(timeLayout, value)
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil
	}
	return &t
}

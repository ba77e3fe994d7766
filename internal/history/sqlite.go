package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/kestrelworks/conductor"
)

// SQLiteStore keeps run records in a local SQLite file.
// A single shared connection serializes all writers, avoiding SQLITE_BUSY
// from concurrent tasks finishing at once.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the history database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS runs (
		task_id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		domain TEXT NOT NULL,
		success INTEGER NOT NULL,
		output TEXT,
		error TEXT,
		iterations INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("history: init: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, rec conductor.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(task_id, task, domain, success, output, error, iterations, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Task, string(rec.Domain), boolToInt(rec.Success),
		rec.Output, rec.Error, rec.Iterations,
		rec.Duration.Milliseconds(), rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, search string, limit int) ([]conductor.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT task_id, task, domain, success, output, error, iterations, duration_ms, created_at
		FROM runs`
	args := []any{}
	if search != "" {
		query += ` WHERE task LIKE ?`
		args = append(args, "%"+search+"%")
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []conductor.RunRecord
	for rows.Next() {
		var rec conductor.RunRecord
		var domain string
		var success int
		var durationMS, createdAt int64
		if err := rows.Scan(&rec.TaskID, &rec.Task, &domain, &success,
			&rec.Output, &rec.Error, &rec.Iterations, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		rec.Domain = conductor.Domain(domain)
		rec.Success = success != 0
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs`)
	if err != nil {
		return 0, fmt.Errorf("history: clear: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelworks/conductor"
)

// PostgresStore keeps run records in PostgreSQL. The pool is owned by the
// store and closed with it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects with the given DSN and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS runs (
		task_id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		domain TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		output TEXT,
		error TEXT,
		iterations INT NOT NULL,
		duration_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("history: init: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, rec conductor.RunRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO runs
		(task_id, task, domain, success, output, error, iterations, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			success = EXCLUDED.success,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			iterations = EXCLUDED.iterations,
			duration_ms = EXCLUDED.duration_ms`,
		rec.TaskID, rec.Task, string(rec.Domain), rec.Success,
		rec.Output, rec.Error, rec.Iterations,
		rec.Duration.Milliseconds(), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, search string, limit int) ([]conductor.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT task_id, task, domain, success, output, error, iterations, duration_ms, created_at
		FROM runs`
	args := []any{}
	if search != "" {
		query += ` WHERE task ILIKE $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, "%"+search+"%", limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []conductor.RunRecord
	for rows.Next() {
		var rec conductor.RunRecord
		var domain string
		var durationMS int64
		var createdAt time.Time
		if err := rows.Scan(&rec.TaskID, &rec.Task, &domain, &rec.Success,
			&rec.Output, &rec.Error, &rec.Iterations, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		rec.Domain = conductor.Domain(domain)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.CreatedAt = createdAt
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Clear(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs`)
	if err != nil {
		return 0, fmt.Errorf("history: clear: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

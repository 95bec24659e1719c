package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists jobs in SQLite. SQLite serializes writers, which gives
// the claim statement its atomicity; no two workers can claim the same
// job.
type Store struct {
	db *sql.DB
}

// NewStore creates the store and its schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS jobs (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        queue TEXT NOT NULL DEFAULT 'default',
        args TEXT NOT NULL,
        attempt INTEGER NOT NULL DEFAULT 0,
        max_attempts INTEGER NOT NULL,
        status TEXT NOT NULL DEFAULT 'pending',
        run_at INTEGER NOT NULL,
        last_error TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, run_at);
    CREATE INDEX IF NOT EXISTS idx_jobs_running ON jobs(status, updated_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Insert adds a pending job unless one with the same id already exists.
// Returns true when the job was newly inserted.
func (s *Store) Insert(ctx context.Context, job *Job) (bool, error) {
	query := `
        INSERT INTO jobs (id, name, queue, args, attempt, max_attempts, status, run_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, 0, ?, 'pending', ?, ?, ?)
        ON CONFLICT (id) DO NOTHING`

	now := job.CreatedAt.UnixNano()
	res, err := s.db.ExecContext(ctx, query,
		job.ID, job.Name, job.Queue, string(job.Args), job.MaxAttempts,
		job.RunAt.UnixNano(), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimDue atomically transitions the oldest due pending job to running
// and returns it. A running job untouched for longer than lease is
// presumed lost to a worker crash and is reclaimed with the lost attempt
// charged, so a stage is never silently dropped. Returns nil when
// nothing is due.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, lease time.Duration) (*Job, error) {
	query := `
        UPDATE jobs SET
            status = 'running',
            attempt = attempt + (CASE WHEN status = 'running' THEN 1 ELSE 0 END),
            updated_at = ?
        WHERE id = (
            SELECT id FROM jobs
            WHERE (status = 'pending' AND run_at <= ?)
               OR (status = 'running' AND updated_at <= ?)
            ORDER BY run_at ASC
            LIMIT 1
        )
        RETURNING id, name, queue, args, attempt, max_attempts, run_at, last_error`

	row := s.db.QueryRowContext(ctx, query, now.UnixNano(), now.UnixNano(), now.Add(-lease).UnixNano())

	var job Job
	var args string
	var runAt int64
	err := row.Scan(&job.ID, &job.Name, &job.Queue, &args, &job.Attempt, &job.MaxAttempts, &runAt, &job.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	job.Args = json.RawMessage(args)
	job.Status = StatusRunning
	job.RunAt = time.Unix(0, runAt).UTC()
	return &job, nil
}

// MarkDone completes a job.
func (s *Store) MarkDone(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE jobs SET status = 'done', updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, now.UnixNano(), id)
	return err
}

// Reschedule returns a job to pending with an incremented attempt count
// and a new due time.
func (s *Store) Reschedule(ctx context.Context, id string, attempt int, runAt time.Time, lastError string, now time.Time) error {
	query := `
        UPDATE jobs SET status = 'pending', attempt = ?, run_at = ?, last_error = ?, updated_at = ?
        WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, attempt, runAt.UnixNano(), lastError, now.UnixNano(), id)
	return err
}

// MarkFailed parks a job permanently.
func (s *Store) MarkFailed(ctx context.Context, id string, attempt int, lastError string, now time.Time) error {
	query := `
        UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, updated_at = ?
        WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, attempt, lastError, now.UnixNano(), id)
	return err
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	query := `
        SELECT id, name, queue, args, attempt, max_attempts, status, run_at, last_error
        FROM jobs WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var job Job
	var args, status string
	var runAt int64
	err := row.Scan(&job.ID, &job.Name, &job.Queue, &args, &job.Attempt, &job.MaxAttempts, &status, &runAt, &job.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	job.Args = json.RawMessage(args)
	job.Status = Status(status)
	job.RunAt = time.Unix(0, runAt).UTC()
	return &job, nil
}

// ListFailed returns parked jobs for operator inspection.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]*Job, error) {
	query := `
        SELECT id, name, queue, args, attempt, max_attempts, status, run_at, last_error
        FROM jobs
        WHERE status = 'failed'
        ORDER BY updated_at DESC
        LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		var job Job
		var args, status string
		var runAt int64
		if err := rows.Scan(&job.ID, &job.Name, &job.Queue, &args, &job.Attempt, &job.MaxAttempts, &status, &runAt, &job.LastError); err != nil {
			return nil, err
		}
		job.Args = json.RawMessage(args)
		job.Status = Status(status)
		job.RunAt = time.Unix(0, runAt).UTC()
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gdprhub/hublite/pkg/contracts"
)

// RequestStore persists compliance requests and their discovery findings.
type RequestStore struct {
	db *sql.DB
}

// NewRequestStore creates the store and its schema.
func NewRequestStore(db *sql.DB) (*RequestStore, error) {
	s := &RequestStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RequestStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS requests (
        id TEXT PRIMARY KEY,
        account_id TEXT NOT NULL,
        kind TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'new',
        subject_email TEXT NOT NULL,
        subject_name TEXT NOT NULL DEFAULT '',
        source TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL,
        due_date INTEGER NOT NULL,
        completed_at INTEGER,
        overdue_flagged_at INTEGER,
        last_error TEXT NOT NULL DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
    CREATE INDEX IF NOT EXISTS idx_requests_subject ON requests(subject_email);

    CREATE TABLE IF NOT EXISTS findings (
        request_id TEXT PRIMARY KEY,
        findings_json TEXT NOT NULL,
        updated_at INTEGER NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create inserts a new request. The due date must already be set and is
// immutable afterwards.
func (s *RequestStore) Create(ctx context.Context, r *contracts.ComplianceRequest) error {
	query := `
        INSERT INTO requests (id, account_id, kind, status, subject_email, subject_name, source, created_at, due_date)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.AccountID, string(r.Kind), string(r.Status),
		r.SubjectEmail, r.SubjectName, r.Source,
		nanos(r.CreatedAt), nanos(r.DueDate),
	)
	if err != nil {
		return fmt.Errorf("insert request %s: %w", r.ID, err)
	}
	return nil
}

// Get returns one request by id, or ErrNotFound.
func (s *RequestStore) Get(ctx context.Context, id string) (*contracts.ComplianceRequest, error) {
	query := selectRequest + ` WHERE id = ?`
	return s.queryOne(ctx, query, id)
}

const selectRequest = `
    SELECT id, account_id, kind, status, subject_email, subject_name, source,
           created_at, due_date, completed_at, overdue_flagged_at, last_error
    FROM requests`

func (s *RequestStore) queryOne(ctx context.Context, query string, args ...any) (*contracts.ComplianceRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*contracts.ComplianceRequest, error) {
	var r contracts.ComplianceRequest
	var kind, status string
	var createdAt, dueDate int64
	var completedAt, overdueFlaggedAt sql.NullInt64

	err := row.Scan(&r.ID, &r.AccountID, &kind, &status, &r.SubjectEmail, &r.SubjectName, &r.Source,
		&createdAt, &dueDate, &completedAt, &overdueFlaggedAt, &r.LastError)
	if err != nil {
		return nil, err
	}
	r.Kind = contracts.RequestKind(kind)
	r.Status = contracts.RequestStatus(status)
	r.CreatedAt = fromNanos(createdAt)
	r.DueDate = fromNanos(dueDate)
	r.CompletedAt = fromNanosPtr(completedAt)
	r.OverdueFlaggedAt = fromNanosPtr(overdueFlaggedAt)
	return &r, nil
}

// SetStatus moves a request to a new lifecycle state. Terminal states are
// left untouched; transitions are monotonic.
func (s *RequestStore) SetStatus(ctx context.Context, id string, status contracts.RequestStatus) error {
	query := `
        UPDATE requests SET status = ?
        WHERE id = ? AND status NOT IN ('completed', 'rejected', 'failed', 'expired')`
	_, err := s.db.ExecContext(ctx, query, string(status), id)
	return err
}

// MarkCompleted records completion time and final status.
func (s *RequestStore) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	query := `
        UPDATE requests SET status = 'completed', completed_at = ?
        WHERE id = ? AND status NOT IN ('completed', 'rejected', 'failed', 'expired')`
	_, err := s.db.ExecContext(ctx, query, nanos(completedAt), id)
	return err
}

// MarkFailed reflects a terminal pipeline failure on the request so it is
// visible to operators.
func (s *RequestStore) MarkFailed(ctx context.Context, id, lastError string) error {
	query := `
        UPDATE requests SET status = 'failed', last_error = ?
        WHERE id = ? AND status NOT IN ('completed', 'rejected', 'expired')`
	_, err := s.db.ExecContext(ctx, query, lastError, id)
	return err
}

// MarkExpired marks a request past its retention window. Requests are
// never hard-deleted.
func (s *RequestStore) MarkExpired(ctx context.Context, id string) error {
	query := `UPDATE requests SET status = 'expired' WHERE id = ? AND status = 'completed'`
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// List returns the most recent requests.
func (s *RequestStore) List(ctx context.Context, limit int) ([]*contracts.ComplianceRequest, error) {
	query := selectRequest + ` ORDER BY created_at DESC LIMIT ?`
	return s.queryMany(ctx, query, limit)
}

// ListOverdue returns open requests past their due date that have not
// been flagged by a previous sweep.
func (s *RequestStore) ListOverdue(ctx context.Context, now time.Time) ([]*contracts.ComplianceRequest, error) {
	query := selectRequest + `
        WHERE status NOT IN ('completed', 'rejected', 'failed', 'expired')
          AND due_date < ?
          AND overdue_flagged_at IS NULL
        ORDER BY due_date ASC`
	return s.queryMany(ctx, query, nanos(now))
}

// FlagOverdue records the one-time overdue sweep action. Returns true
// when this call performed the flagging, false when it was already done.
func (s *RequestStore) FlagOverdue(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE requests SET overdue_flagged_at = ? WHERE id = ? AND overdue_flagged_at IS NULL`
	res, err := s.db.ExecContext(ctx, query, nanos(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListRetentionExpired returns completed requests finished before the
// cutoff, candidates for expiry marking.
func (s *RequestStore) ListRetentionExpired(ctx context.Context, cutoff time.Time) ([]*contracts.ComplianceRequest, error) {
	query := selectRequest + ` WHERE status = 'completed' AND completed_at < ? ORDER BY completed_at ASC`
	return s.queryMany(ctx, query, nanos(cutoff))
}

func (s *RequestStore) queryMany(ctx context.Context, query string, args ...any) ([]*contracts.ComplianceRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ComplianceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveFindings stores (or replaces) the discovery findings for a request.
func (s *RequestStore) SaveFindings(ctx context.Context, f *contracts.Findings, now time.Time) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	query := `
        INSERT INTO findings (request_id, findings_json, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT (request_id) DO UPDATE SET findings_json = excluded.findings_json, updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query, f.RequestID, string(data), nanos(now))
	return err
}

// GetFindings loads the findings for a request, or ErrNotFound when the
// discover stage has not produced any.
func (s *RequestStore) GetFindings(ctx context.Context, requestID string) (*contracts.Findings, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT findings_json FROM findings WHERE request_id = ?`, requestID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var f contracts.Findings
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("corrupt findings for %s: %w", requestID, err)
	}
	return &f, nil
}

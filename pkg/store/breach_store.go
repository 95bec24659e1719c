package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gdprhub/hublite/pkg/contracts"
)

// BreachStore persists breach records and their notification deadlines.
type BreachStore struct {
	db *sql.DB
}

// NewBreachStore creates the store and its schema.
func NewBreachStore(db *sql.DB) (*BreachStore, error) {
	s := &BreachStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BreachStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS breaches (
        id TEXT PRIMARY KEY,
        org_id TEXT NOT NULL,
        title TEXT NOT NULL,
        severity TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'detected',
        discovered_at INTEGER NOT NULL,
        reportable INTEGER NOT NULL DEFAULT 0,
        deadline INTEGER,
        authority_notified_at INTEGER,
        subjects_notified_at INTEGER,
        escalated_at INTEGER,
        warned_at INTEGER,
        created_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_breaches_deadline ON breaches(reportable, deadline);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create inserts a breach record.
func (s *BreachStore) Create(ctx context.Context, b *contracts.BreachRecord) error {
	query := `
        INSERT INTO breaches (id, org_id, title, severity, status, discovered_at, reportable, deadline, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	reportable := 0
	if b.Reportable {
		reportable = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.OrgID, b.Title, string(b.Severity), string(b.Status),
		nanos(b.DiscoveredAt), reportable, nanosPtr(b.Deadline), nanos(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert breach %s: %w", b.ID, err)
	}
	return nil
}

const selectBreach = `
    SELECT id, org_id, title, severity, status, discovered_at, reportable, deadline,
           authority_notified_at, subjects_notified_at, escalated_at, warned_at, created_at
    FROM breaches`

func scanBreach(row rowScanner) (*contracts.BreachRecord, error) {
	var b contracts.BreachRecord
	var severity, status string
	var discoveredAt, createdAt int64
	var reportable int
	var deadline, authorityAt, subjectsAt, escalatedAt, warnedAt sql.NullInt64

	err := row.Scan(&b.ID, &b.OrgID, &b.Title, &severity, &status, &discoveredAt, &reportable,
		&deadline, &authorityAt, &subjectsAt, &escalatedAt, &warnedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	b.Severity = contracts.BreachSeverity(severity)
	b.Status = contracts.BreachStatus(status)
	b.DiscoveredAt = fromNanos(discoveredAt)
	b.Reportable = reportable == 1
	b.Deadline = fromNanosPtr(deadline)
	b.AuthorityNotifiedAt = fromNanosPtr(authorityAt)
	b.SubjectsNotifiedAt = fromNanosPtr(subjectsAt)
	b.EscalatedAt = fromNanosPtr(escalatedAt)
	b.WarnedAt = fromNanosPtr(warnedAt)
	b.CreatedAt = fromNanos(createdAt)
	return &b, nil
}

// Get returns one breach, or ErrNotFound.
func (s *BreachStore) Get(ctx context.Context, id string) (*contracts.BreachRecord, error) {
	b, err := scanBreach(s.db.QueryRowContext(ctx, selectBreach+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query breach: %w", err)
	}
	return b, nil
}

// List returns the most recent breaches.
func (s *BreachStore) List(ctx context.Context, limit int) ([]*contracts.BreachRecord, error) {
	return s.queryMany(ctx, selectBreach+` ORDER BY created_at DESC LIMIT ?`, limit)
}

// MarkReportable pins the binding notification deadline. The deadline is
// set once and never recomputed.
func (s *BreachStore) MarkReportable(ctx context.Context, id string, deadline time.Time) error {
	query := `UPDATE breaches SET reportable = 1, deadline = ? WHERE id = ? AND reportable = 0`
	_, err := s.db.ExecContext(ctx, query, nanos(deadline), id)
	return err
}

// statusRank orders the breach lifecycle stages. SetStatus only moves a
// breach toward a higher rank, so a late or replayed update can never
// pull the record back to an earlier stage.
const statusRank = `CASE status
        WHEN 'detected' THEN 0
        WHEN 'investigating' THEN 1
        WHEN 'authority_notified' THEN 2
        WHEN 'subjects_notified' THEN 3
        WHEN 'resolved' THEN 4
        ELSE 5 END`

func rank(status contracts.BreachStatus) int {
	switch status {
	case contracts.BreachDetected:
		return 0
	case contracts.BreachInvestigating:
		return 1
	case contracts.BreachAuthorityNotified:
		return 2
	case contracts.BreachSubjectsNotified:
		return 3
	case contracts.BreachResolved:
		return 4
	default:
		return 5
	}
}

// SetStatus advances the breach lifecycle. Updates that would move the
// record backward are ignored.
func (s *BreachStore) SetStatus(ctx context.Context, id string, status contracts.BreachStatus) error {
	query := `
        UPDATE breaches SET status = ?
        WHERE id = ? AND (` + statusRank + `) < ?`
	_, err := s.db.ExecContext(ctx, query, string(status), id, rank(status))
	return err
}

// SetAuthorityNotified records the authority notification and advances
// the status.
func (s *BreachStore) SetAuthorityNotified(ctx context.Context, id string, at time.Time) error {
	query := `
        UPDATE breaches SET authority_notified_at = ?, status = 'authority_notified'
        WHERE id = ? AND authority_notified_at IS NULL`
	_, err := s.db.ExecContext(ctx, query, nanos(at), id)
	return err
}

// ListOverdue returns reportable breaches past deadline with no authority
// notification and no prior escalation.
func (s *BreachStore) ListOverdue(ctx context.Context, now time.Time) ([]*contracts.BreachRecord, error) {
	query := selectBreach + `
        WHERE reportable = 1
          AND authority_notified_at IS NULL
          AND deadline < ?
          AND escalated_at IS NULL
        ORDER BY deadline ASC`
	return s.queryMany(ctx, query, nanos(now))
}

// ListApproaching returns reportable breaches whose deadline falls inside
// the lookahead window and that have not been warned yet.
func (s *BreachStore) ListApproaching(ctx context.Context, now time.Time, lookahead time.Duration) ([]*contracts.BreachRecord, error) {
	query := selectBreach + `
        WHERE reportable = 1
          AND authority_notified_at IS NULL
          AND deadline >= ?
          AND deadline <= ?
          AND warned_at IS NULL
        ORDER BY deadline ASC`
	return s.queryMany(ctx, query, nanos(now), nanos(now.Add(lookahead)))
}

// MarkEscalated records the one-time escalation. Returns true only for
// the sweep run that performed it.
func (s *BreachStore) MarkEscalated(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE breaches SET escalated_at = ? WHERE id = ? AND escalated_at IS NULL`, nanos(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkWarned records the one-time deadline warning.
func (s *BreachStore) MarkWarned(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE breaches SET warned_at = ? WHERE id = ? AND warned_at IS NULL`, nanos(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *BreachStore) queryMany(ctx context.Context, query string, args ...any) ([]*contracts.BreachRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.BreachRecord
	for rows.Next() {
		b, err := scanBreach(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

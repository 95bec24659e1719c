package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gdprhub/hublite/pkg/contracts"
)

// BundleStore persists export bundle records.
type BundleStore struct {
	db *sql.DB
}

// NewBundleStore creates the store and its schema.
func NewBundleStore(db *sql.DB) (*BundleStore, error) {
	s := &BundleStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BundleStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS export_bundles (
        id TEXT PRIMARY KEY,
        request_id TEXT NOT NULL,
        storage_key TEXT NOT NULL,
        size INTEGER NOT NULL,
        checksum TEXT NOT NULL,
        format TEXT NOT NULL DEFAULT 'zip',
        created_at INTEGER NOT NULL,
        expires_at INTEGER NOT NULL,
        expired INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_bundles_request ON export_bundles(request_id);
    CREATE INDEX IF NOT EXISTS idx_bundles_expiry ON export_bundles(expired, expires_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save inserts a bundle record.
func (s *BundleStore) Save(ctx context.Context, b *contracts.ExportBundle) error {
	query := `
        INSERT INTO export_bundles (id, request_id, storage_key, size, checksum, format, created_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.RequestID, b.StorageKey, b.Size, b.Checksum, b.Format,
		nanos(b.CreatedAt), nanos(b.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert bundle %s: %w", b.ID, err)
	}
	return nil
}

const selectBundle = `
    SELECT id, request_id, storage_key, size, checksum, format, created_at, expires_at, expired
    FROM export_bundles`

func scanBundle(row rowScanner) (*contracts.ExportBundle, error) {
	var b contracts.ExportBundle
	var createdAt, expiresAt int64
	var expired int
	err := row.Scan(&b.ID, &b.RequestID, &b.StorageKey, &b.Size, &b.Checksum, &b.Format, &createdAt, &expiresAt, &expired)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = fromNanos(createdAt)
	b.ExpiresAt = fromNanos(expiresAt)
	b.Expired = expired == 1
	return &b, nil
}

// LatestForRequest returns the most recent bundle for a request, or
// ErrNotFound.
func (s *BundleStore) LatestForRequest(ctx context.Context, requestID string) (*contracts.ExportBundle, error) {
	query := selectBundle + ` WHERE request_id = ? ORDER BY created_at DESC LIMIT 1`
	b, err := scanBundle(s.db.QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query bundle: %w", err)
	}
	return b, nil
}

// ListExpired returns live bundles whose retention has elapsed.
func (s *BundleStore) ListExpired(ctx context.Context, now time.Time) ([]*contracts.ExportBundle, error) {
	query := selectBundle + ` WHERE expired = 0 AND expires_at < ? ORDER BY expires_at ASC`
	rows, err := s.db.QueryContext(ctx, query, nanos(now))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ExportBundle
	for rows.Next() {
		b, err := scanBundle(rows)
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

// MarkExpired flags a bundle after its stored object has been removed.
func (s *BundleStore) MarkExpired(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE export_bundles SET expired = 1 WHERE id = ?`, id)
	return err
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gdprhub/hublite/pkg/contracts"
)

// TokenStore persists download tokens. Tokens are audit evidence and are
// never deleted by the application.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore creates the store and its schema.
func NewTokenStore(db *sql.DB) (*TokenStore, error) {
	s := &TokenStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TokenStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS download_tokens (
        token TEXT PRIMARY KEY,
        request_id TEXT NOT NULL,
        object_key TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        expires_at INTEGER NOT NULL,
        used_at INTEGER,
        revoked INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_tokens_request ON download_tokens(request_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Insert stores a freshly issued token.
func (s *TokenStore) Insert(ctx context.Context, t *contracts.DownloadToken) error {
	query := `
        INSERT INTO download_tokens (token, request_id, object_key, created_at, expires_at)
        VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, t.Token, t.RequestID, t.ObjectKey, nanos(t.CreatedAt), nanos(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// Get returns a token by value, or ErrNotFound.
func (s *TokenStore) Get(ctx context.Context, token string) (*contracts.DownloadToken, error) {
	query := `
        SELECT token, request_id, object_key, created_at, expires_at, used_at, revoked
        FROM download_tokens WHERE token = ?`
	row := s.db.QueryRowContext(ctx, query, token)

	var t contracts.DownloadToken
	var createdAt, expiresAt int64
	var usedAt sql.NullInt64
	var revoked int
	err := row.Scan(&t.Token, &t.RequestID, &t.ObjectKey, &createdAt, &expiresAt, &usedAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query token: %w", err)
	}
	t.CreatedAt = fromNanos(createdAt)
	t.ExpiresAt = fromNanos(expiresAt)
	t.UsedAt = fromNanosPtr(usedAt)
	t.Revoked = revoked == 1
	return &t, nil
}

// Redeem marks the token used under a single atomic check-and-set: not
// revoked, not expired at now, not already used. Returns true only for
// the one caller that wins; concurrent redemptions of the same token see
// false.
func (s *TokenStore) Redeem(ctx context.Context, token string, now time.Time) (bool, error) {
	query := `
        UPDATE download_tokens SET used_at = ?
        WHERE token = ? AND revoked = 0 AND used_at IS NULL AND expires_at > ?`
	res, err := s.db.ExecContext(ctx, query, nanos(now), token, nanos(now))
	if err != nil {
		return false, fmt.Errorf("redeem token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Revoke flags the token as revoked. Idempotent: revoking an already
// revoked (or used, or expired) token succeeds. Returns ErrNotFound when
// the token never existed.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE download_tokens SET revoked = 1 WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Package download issues, redeems and revokes single-use download
// credentials for export bundles. A credential indirects access to the
// bucket: the subject receives an opaque token, and only a successful
// redemption mints a short-lived pre-signed URL.
package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gdprhub/hublite/pkg/audit"
	"github.com/gdprhub/hublite/pkg/contracts"
	"github.com/gdprhub/hublite/pkg/objectstore"
	"github.com/gdprhub/hublite/pkg/store"
)

var (
	// ErrTokenNotFound means the token never existed.
	ErrTokenNotFound = errors.New("download token not found")
	// ErrTokenGone means the token existed but is no longer redeemable
	// (used, revoked or expired).
	ErrTokenGone = errors.New("download token no longer redeemable")
	// ErrPresignFailed means the token was consumed but the storage
	// backend could not mint a URL. The credential is spent either way.
	ErrPresignFailed = errors.New("presign failed after token redemption")
)

// Service manages the download credential lifecycle.
type Service struct {
	tokens  *store.TokenStore
	objects objectstore.Store
	audit   audit.Logger
	clock   func() time.Time

	tokenTTL   time.Duration
	presignTTL time.Duration
}

func NewService(tokens *store.TokenStore, objects objectstore.Store, auditLog audit.Logger, tokenTTL, presignTTL time.Duration) *Service {
	return &Service{
		tokens:     tokens,
		objects:    objects,
		audit:      auditLog,
		clock:      time.Now,
		tokenTTL:   tokenTTL,
		presignTTL: presignTTL,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Issue creates a fresh single-use token for the given object.
func (s *Service) Issue(ctx context.Context, requestID, objectKey string) (*contracts.DownloadToken, error) {
	now := s.clock()
	token := &contracts.DownloadToken{
		Token:     uuid.New().String(),
		RequestID: requestID,
		ObjectKey: objectKey,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokenTTL),
	}
	if err := s.tokens.Insert(ctx, token); err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	_ = s.audit.Record(ctx, audit.EventCredential, "token_issued", requestID, map[string]any{
		"object_key": objectKey,
		"expires_at": token.ExpiresAt,
	})
	return token, nil
}

// Redeem consumes the token and returns a pre-signed URL for its object.
// Exactly one concurrent redemption of a token succeeds; the token is
// spent before the URL is minted, so a storage failure still burns it.
func (s *Service) Redeem(ctx context.Context, token string) (string, error) {
	t, err := s.tokens.Get(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}

	ok, err := s.tokens.Redeem(ctx, token, s.clock())
	if err != nil {
		return "", fmt.Errorf("redeem token: %w", err)
	}
	if !ok {
		_ = s.audit.Record(ctx, audit.EventSecurity, "token_rejected", t.RequestID, map[string]any{
			"revoked": t.Revoked,
			"used":    t.UsedAt != nil,
		})
		return "", ErrTokenGone
	}

	url, err := s.objects.Presign(ctx, t.ObjectKey, s.presignTTL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPresignFailed, err)
	}
	_ = s.audit.Record(ctx, audit.EventCredential, "token_redeemed", t.RequestID, map[string]any{
		"object_key": t.ObjectKey,
	})
	return url, nil
}

// Revoke invalidates a token before use. Idempotent: revoking a token
// that is already revoked, used or expired succeeds. ErrTokenNotFound
// when the token never existed.
func (s *Service) Revoke(ctx context.Context, token string) error {
	err := s.tokens.Revoke(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	_ = s.audit.Record(ctx, audit.EventCredential, "token_revoked", token, nil)
	return nil
}

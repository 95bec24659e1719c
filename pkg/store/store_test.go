package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdprhub/hublite/pkg/contracts"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRequestStoreLifecycle(t *testing.T) {
	s, err := NewRequestStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := &contracts.ComplianceRequest{
		ID:           "req-1",
		AccountID:    "acct-1",
		Kind:         contracts.KindAccess,
		Status:       contracts.StatusNew,
		SubjectEmail: "subject@example.com",
		CreatedAt:    created,
		DueDate:      created.Add(contracts.ResponseWindow(contracts.KindAccess)),
	}
	require.NoError(t, s.Create(ctx, req))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusNew, got.Status)
	assert.Equal(t, created.Add(7*24*time.Hour), got.DueDate)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetStatus(ctx, "req-1", contracts.StatusDiscovering))
	require.NoError(t, s.MarkCompleted(ctx, "req-1", created.Add(time.Hour)))

	got, err = s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Terminal states do not regress.
	require.NoError(t, s.SetStatus(ctx, "req-1", contracts.StatusDiscovering))
	got, err = s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, got.Status)
}

func TestRequestStoreOverdueSweep(t *testing.T) {
	s, err := NewRequestStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := &contracts.ComplianceRequest{
		ID: "req-1", AccountID: "a", Kind: contracts.KindErasure, Status: contracts.StatusNew,
		SubjectEmail: "s@example.com", CreatedAt: created,
		DueDate: created.Add(30 * 24 * time.Hour),
	}
	require.NoError(t, s.Create(ctx, req))

	// Before the due date nothing is overdue.
	overdue, err := s.ListOverdue(ctx, created.Add(29*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, overdue)

	// 2024-02-01 is past the 2024-01-31 due date.
	sweepAt := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	overdue, err = s.ListOverdue(ctx, sweepAt)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	flagged, err := s.FlagOverdue(ctx, "req-1", sweepAt)
	require.NoError(t, err)
	assert.True(t, flagged)

	// Rerunning the sweep finds nothing and re-flagging is a no-op.
	overdue, err = s.ListOverdue(ctx, sweepAt)
	require.NoError(t, err)
	assert.Empty(t, overdue)
	flagged, err = s.FlagOverdue(ctx, "req-1", sweepAt)
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestRequestStoreFindingsRoundTrip(t *testing.T) {
	s, err := NewRequestStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	f := &contracts.Findings{
		RequestID: "req-1",
		Sources: []contracts.SourceFindings{
			{Source: "shopify", Records: []contracts.Record{{"email": "s@example.com", "order": "ORD-1"}}},
		},
	}
	now := time.Now()
	require.NoError(t, s.SaveFindings(ctx, f, now))

	got, err := s.GetFindings(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, f.Sources, got.Sources)

	// Replacing findings for the same request is allowed (idempotent rerun).
	f.Partial = true
	require.NoError(t, s.SaveFindings(ctx, f, now))
	got, err = s.GetFindings(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, got.Partial)

	_, err = s.GetFindings(ctx, "req-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBundleStoreExpiry(t *testing.T) {
	s, err := NewBundleStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &contracts.ExportBundle{
		ID: "bdl-1", RequestID: "req-1", StorageKey: "exports/acct/req-1.zip",
		Size: 1024, Checksum: "sha256:abc", Format: "zip",
		CreatedAt: created, ExpiresAt: created.Add(contracts.BundleRetention),
	}
	require.NoError(t, s.Save(ctx, b))

	got, err := s.LatestForRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "bdl-1", got.ID)

	expired, err := s.ListExpired(ctx, created.Add(29*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = s.ListExpired(ctx, created.Add(31*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, s.MarkExpired(ctx, "bdl-1"))
	expired, err = s.ListExpired(ctx, created.Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestTokenStoreRedeemExactlyOnce(t *testing.T) {
	s, err := NewTokenStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := &contracts.DownloadToken{
		Token: "tok-1", RequestID: "req-1", ObjectKey: "exports/a/req-1.zip",
		CreatedAt: issued, ExpiresAt: issued.Add(24 * time.Hour),
	}
	require.NoError(t, s.Insert(ctx, tok))

	redeemAt := issued.Add(time.Hour)
	const n = 20
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Redeem(ctx, "tok-1", redeemAt)
			require.NoError(t, err)
			if ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Equal(t, 1, len(wins), "concurrent redemptions must yield exactly one success")

	got, err := s.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, got.UsedAt)
}

func TestTokenStoreExpiryAndRevocation(t *testing.T) {
	s, err := NewTokenStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, &contracts.DownloadToken{
		Token: "expired", RequestID: "r", ObjectKey: "k",
		CreatedAt: issued, ExpiresAt: issued.Add(24 * time.Hour),
	}))

	// Past expiry the token is never redeemable, revoked or not.
	ok, err := s.Redeem(ctx, "expired", issued.Add(25*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Insert(ctx, &contracts.DownloadToken{
		Token: "revoked", RequestID: "r", ObjectKey: "k",
		CreatedAt: issued, ExpiresAt: issued.Add(24 * time.Hour),
	}))
	require.NoError(t, s.Revoke(ctx, "revoked"))
	require.NoError(t, s.Revoke(ctx, "revoked"), "revoke is idempotent")

	ok, err = s.Redeem(ctx, "revoked", issued.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Revoke(ctx, "never-existed"), ErrNotFound)
}

func TestBreachStoreSweepFilters(t *testing.T) {
	s, err := NewBreachStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	discovered := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	deadline := contracts.ComputeDeadline(discovered)
	b := &contracts.BreachRecord{
		ID: "br-1", OrgID: "org-1", Title: "exposed bucket",
		Severity: contracts.SeverityHigh, Status: contracts.BreachDetected,
		DiscoveredAt: discovered, CreatedAt: discovered,
	}
	require.NoError(t, s.Create(ctx, b))
	require.NoError(t, s.MarkReportable(ctx, "br-1", deadline))

	got, err := s.Get(ctx, "br-1")
	require.NoError(t, err)
	require.NotNil(t, got.Deadline)
	assert.Equal(t, discovered.Add(72*time.Hour), *got.Deadline)

	// Deadline is pinned once; re-marking does not move it.
	require.NoError(t, s.MarkReportable(ctx, "br-1", deadline.Add(time.Hour)))
	got, err = s.Get(ctx, "br-1")
	require.NoError(t, err)
	assert.Equal(t, deadline, *got.Deadline)

	// At T+73h the breach is overdue.
	overdue, err := s.ListOverdue(ctx, discovered.Add(73*time.Hour))
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	// Approaching window at T+60h (deadline inside 24h lookahead).
	approaching, err := s.ListApproaching(ctx, discovered.Add(60*time.Hour), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, approaching, 1)

	escalated, err := s.MarkEscalated(ctx, "br-1", discovered.Add(73*time.Hour))
	require.NoError(t, err)
	assert.True(t, escalated)
	escalated, err = s.MarkEscalated(ctx, "br-1", discovered.Add(74*time.Hour))
	require.NoError(t, err)
	assert.False(t, escalated, "escalation is one-time")

	overdue, err = s.ListOverdue(ctx, discovered.Add(75*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, overdue, "escalated breaches leave the overdue sweep")
}

func TestBreachStoreAuthorityNotifiedStopsSweeps(t *testing.T) {
	s, err := NewBreachStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	discovered := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, &contracts.BreachRecord{
		ID: "br-1", OrgID: "org-1", Title: "t", Severity: contracts.SeverityMedium,
		Status: contracts.BreachDetected, DiscoveredAt: discovered, CreatedAt: discovered,
	}))
	require.NoError(t, s.MarkReportable(ctx, "br-1", contracts.ComputeDeadline(discovered)))
	require.NoError(t, s.SetAuthorityNotified(ctx, "br-1", discovered.Add(time.Hour)))

	got, err := s.Get(ctx, "br-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.BreachAuthorityNotified, got.Status)

	// Status must not regress past authority_notified.
	require.NoError(t, s.SetStatus(ctx, "br-1", contracts.BreachInvestigating))
	got, err = s.Get(ctx, "br-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.BreachAuthorityNotified, got.Status)

	overdue, err := s.ListOverdue(ctx, discovered.Add(100*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestBreachStoreStatusOnlyMovesForward(t *testing.T) {
	s, err := NewBreachStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, &contracts.BreachRecord{
		ID: "br-1", OrgID: "org-1", Title: "t", Severity: contracts.SeverityMedium,
		Status: contracts.BreachDetected, DiscoveredAt: created, CreatedAt: created,
	}))

	require.NoError(t, s.SetStatus(ctx, "br-1", contracts.BreachResolved))
	require.NoError(t, s.SetStatus(ctx, "br-1", contracts.BreachClosed))

	// A late update for an earlier stage is ignored.
	require.NoError(t, s.SetStatus(ctx, "br-1", contracts.BreachSubjectsNotified))
	got, err := s.Get(ctx, "br-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.BreachClosed, got.Status)

	// Repeating the current stage is also a no-op.
	require.NoError(t, s.SetStatus(ctx, "br-1", contracts.BreachClosed))
	got, err = s.Get(ctx, "br-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.BreachClosed, got.Status)
}

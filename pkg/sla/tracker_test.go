package sla

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdprhub/hublite/pkg/audit"
	"github.com/gdprhub/hublite/pkg/contracts"
	"github.com/gdprhub/hublite/pkg/notify"
	"github.com/gdprhub/hublite/pkg/store"
)

type trackerFixture struct {
	tracker  *Tracker
	breaches *store.BreachStore
	requests *store.RequestStore
	notifier *notify.Recorder
	now      time.Time
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	breaches, err := store.NewBreachStore(db)
	require.NoError(t, err)
	requests, err := store.NewRequestStore(db)
	require.NoError(t, err)

	f := &trackerFixture{
		breaches: breaches,
		requests: requests,
		notifier: notify.NewRecorder(),
		now:      time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	f.tracker = NewTracker(breaches, requests, f.notifier, &audit.Recorder{}, slog.New(slog.DiscardHandler)).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *trackerFixture) createReportableBreach(t *testing.T, id string, discoveredAt time.Time) {
	t.Helper()
	ctx := context.Background()
	b := &contracts.BreachRecord{
		ID:           id,
		OrgID:        "org-1",
		Title:        "exposed bucket",
		Severity:     contracts.SeverityHigh,
		Status:       contracts.BreachDetected,
		DiscoveredAt: discoveredAt,
		CreatedAt:    discoveredAt,
	}
	require.NoError(t, f.breaches.Create(ctx, b))
	require.NoError(t, f.breaches.MarkReportable(ctx, id, contracts.ComputeDeadline(discoveredAt)))
}

func TestSweepEscalatesOverdueBreachOnce(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)
	f.createReportableBreach(t, "breach-1", f.now)

	// One hour past the 72-hour deadline.
	f.now = f.now.Add(73 * time.Hour)

	report, err := f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"breach-1"}, report.BreachesEscalated)
	assert.Equal(t, []string{"breach_overdue:breach-1"}, f.notifier.Events())

	// A second sweep finds nothing to do.
	report, err = f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Total())
	assert.Len(t, f.notifier.Events(), 1)
}

func TestSweepWarnsApproachingDeadlineOnce(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)
	f.createReportableBreach(t, "breach-1", f.now)

	// 60 hours in: deadline is 12 hours away, inside the lookahead.
	f.now = f.now.Add(60 * time.Hour)

	report, err := f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"breach-1"}, report.BreachesWarned)
	assert.Empty(t, report.BreachesEscalated)

	report, err = f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}

func TestSweepIgnoresNotifiedBreach(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)
	f.createReportableBreach(t, "breach-1", f.now)
	require.NoError(t, f.breaches.SetAuthorityNotified(ctx, "breach-1", f.now.Add(time.Hour)))

	f.now = f.now.Add(100 * time.Hour)

	report, err := f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Total())
	assert.Empty(t, f.notifier.Events())
}

func TestSweepIgnoresNonReportableBreach(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)
	b := &contracts.BreachRecord{
		ID:           "breach-nr",
		OrgID:        "org-1",
		Title:        "suspected phishing",
		Severity:     contracts.SeverityLow,
		Status:       contracts.BreachDetected,
		DiscoveredAt: f.now,
		CreatedAt:    f.now,
	}
	require.NoError(t, f.breaches.Create(ctx, b))

	f.now = f.now.Add(200 * time.Hour)

	report, err := f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}

func TestSweepFlagsOverdueRequestOnce(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)

	created := f.now
	req := &contracts.ComplianceRequest{
		ID:           "req-1",
		AccountID:    "acct-1",
		Kind:         contracts.KindAccess,
		Status:       contracts.StatusDiscovering,
		SubjectEmail: "subject@example.com",
		CreatedAt:    created,
		DueDate:      created.Add(7 * 24 * time.Hour),
	}
	require.NoError(t, f.requests.Create(ctx, req))

	// Day 8: past the access window.
	f.now = created.Add(8 * 24 * time.Hour)

	report, err := f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1"}, report.RequestsFlagged)

	report, err = f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}

func TestSweepSkipsCompletedRequests(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)

	req := &contracts.ComplianceRequest{
		ID:           "req-done",
		AccountID:    "acct-1",
		Kind:         contracts.KindAccess,
		Status:       contracts.StatusNew,
		SubjectEmail: "subject@example.com",
		CreatedAt:    f.now,
		DueDate:      f.now.Add(7 * 24 * time.Hour),
	}
	require.NoError(t, f.requests.Create(ctx, req))
	require.NoError(t, f.requests.MarkCompleted(ctx, req.ID, f.now.Add(time.Hour)))

	f.now = f.now.Add(30 * 24 * time.Hour)

	report, err := f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}

type sweepSpy struct {
	actions []string
}

func (s *sweepSpy) SweepAction(_ context.Context, action string) {
	s.actions = append(s.actions, action)
}

func TestSweepCountsEachAction(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)
	spy := &sweepSpy{}
	f.tracker.WithMetrics(spy)

	f.createReportableBreach(t, "breach-warn", f.now.Add(-60*time.Hour))
	f.createReportableBreach(t, "breach-late", f.now.Add(-80*time.Hour))

	req := &contracts.ComplianceRequest{
		ID:           "req-late",
		AccountID:    "acct-1",
		Kind:         contracts.KindAccess,
		Status:       contracts.StatusDiscovering,
		SubjectEmail: "subject@example.com",
		CreatedAt:    f.now.Add(-8 * 24 * time.Hour),
		DueDate:      f.now.Add(-24 * time.Hour),
	}
	require.NoError(t, f.requests.Create(ctx, req))

	_, err := f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"breach_warned", "breach_escalated", "request_overdue"}, spy.actions)
}

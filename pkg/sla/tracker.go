// Package sla watches regulatory deadlines: the 72-hour breach
// notification window and per-kind response windows on compliance
// requests. Sweeps are idempotent, so an action fires exactly once per
// record no matter how many schedulers run.
package sla

import (
	"context"
	"log/slog"
	"time"

	"github.com/gdprhub/hublite/pkg/audit"
	"github.com/gdprhub/hublite/pkg/notify"
	"github.com/gdprhub/hublite/pkg/store"
)

// WarningLookahead is how far ahead of the breach deadline the warning
// sweep looks.
const WarningLookahead = 24 * time.Hour

// SweepReport summarizes one tracker pass.
type SweepReport struct {
	BreachesEscalated []string
	BreachesWarned    []string
	RequestsFlagged   []string
}

// Total counts all actions taken in the pass.
func (r *SweepReport) Total() int {
	return len(r.BreachesEscalated) + len(r.BreachesWarned) + len(r.RequestsFlagged)
}

// Metrics is an optional sink for sweep actions.
type Metrics interface {
	SweepAction(ctx context.Context, action string)
}

// Tracker runs the deadline sweeps.
type Tracker struct {
	breaches *store.BreachStore
	requests *store.RequestStore
	notifier notify.Notifier
	audit    audit.Logger
	logger   *slog.Logger
	metrics  Metrics
	clock    func() time.Time
}

func NewTracker(breaches *store.BreachStore, requests *store.RequestStore, notifier notify.Notifier, auditLog audit.Logger, logger *slog.Logger) *Tracker {
	return &Tracker{
		breaches: breaches,
		requests: requests,
		notifier: notifier,
		audit:    auditLog,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// WithMetrics attaches a metrics sink.
func (t *Tracker) WithMetrics(m Metrics) *Tracker {
	t.metrics = m
	return t
}

func (t *Tracker) countAction(ctx context.Context, action string) {
	if t.metrics != nil {
		t.metrics.SweepAction(ctx, action)
	}
}

// Sweep runs all deadline checks once and reports what was acted on.
func (t *Tracker) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	if err := t.escalateOverdueBreaches(ctx, report); err != nil {
		return report, err
	}
	if err := t.warnApproachingBreaches(ctx, report); err != nil {
		return report, err
	}
	if err := t.flagOverdueRequests(ctx, report); err != nil {
		return report, err
	}
	if report.Total() > 0 {
		t.logger.Info("deadline sweep acted",
			"breaches_escalated", len(report.BreachesEscalated),
			"breaches_warned", len(report.BreachesWarned),
			"requests_flagged", len(report.RequestsFlagged))
	}
	return report, nil
}

// escalateOverdueBreaches fires a one-time escalation for every
// reportable breach past its notification deadline with no authority
// notification on record.
func (t *Tracker) escalateOverdueBreaches(ctx context.Context, report *SweepReport) error {
	now := t.clock()
	overdue, err := t.breaches.ListOverdue(ctx, now)
	if err != nil {
		return err
	}
	for _, b := range overdue {
		acted, err := t.breaches.MarkEscalated(ctx, b.ID, now)
		if err != nil {
			return err
		}
		if !acted {
			continue
		}
		_ = t.audit.Record(ctx, audit.EventEscalation, "breach_deadline_missed", "breach/"+b.ID, map[string]any{
			"severity": b.Severity,
			"deadline": b.Deadline,
		})
		if err := t.notifier.BreachDeadlineMissed(ctx, b); err != nil {
			t.logger.Warn("breach escalation notification failed", "breach_id", b.ID, "error", err)
		}
		t.countAction(ctx, "breach_escalated")
		report.BreachesEscalated = append(report.BreachesEscalated, b.ID)
	}
	return nil
}

// warnApproachingBreaches fires a one-time warning for breaches whose
// deadline falls inside the lookahead window.
func (t *Tracker) warnApproachingBreaches(ctx context.Context, report *SweepReport) error {
	now := t.clock()
	approaching, err := t.breaches.ListApproaching(ctx, now, WarningLookahead)
	if err != nil {
		return err
	}
	for _, b := range approaching {
		acted, err := t.breaches.MarkWarned(ctx, b.ID, now)
		if err != nil {
			return err
		}
		if !acted {
			continue
		}
		_ = t.audit.Record(ctx, audit.EventEscalation, "breach_deadline_approaching", "breach/"+b.ID, map[string]any{
			"severity": b.Severity,
			"deadline": b.Deadline,
		})
		if err := t.notifier.BreachDeadlineApproaching(ctx, b); err != nil {
			t.logger.Warn("breach warning notification failed", "breach_id", b.ID, "error", err)
		}
		t.countAction(ctx, "breach_warned")
		report.BreachesWarned = append(report.BreachesWarned, b.ID)
	}
	return nil
}

// flagOverdueRequests flags open requests past their due date, once.
func (t *Tracker) flagOverdueRequests(ctx context.Context, report *SweepReport) error {
	now := t.clock()
	overdue, err := t.requests.ListOverdue(ctx, now)
	if err != nil {
		return err
	}
	for _, r := range overdue {
		acted, err := t.requests.FlagOverdue(ctx, r.ID, now)
		if err != nil {
			return err
		}
		if !acted {
			continue
		}
		_ = t.audit.Record(ctx, audit.EventEscalation, "request_overdue", "request/"+r.ID, map[string]any{
			"kind":     r.Kind,
			"due_date": r.DueDate,
		})
		t.countAction(ctx, "request_overdue")
		report.RequestsFlagged = append(report.RequestsFlagged, r.ID)
	}
	return nil
}

// Run sweeps on the given interval until ctx is cancelled. Sweep errors
// are logged, not fatal; the next tick retries.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil {
				t.logger.Error("deadline sweep failed", "error", err)
			}
		}
	}
}

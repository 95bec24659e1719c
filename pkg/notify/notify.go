// Package notify delivers operator-facing notifications for pipeline
// and deadline events. The default sink is the structured log; a real
// deployment swaps in an email or chat transport behind the same
// interface.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gdprhub/hublite/pkg/contracts"
)

// Notifier receives lifecycle events worth a human's attention.
type Notifier interface {
	RequestCompleted(ctx context.Context, req *contracts.ComplianceRequest, downloadToken string) error
	RequestFailed(ctx context.Context, requestID, reason string) error
	BreachDeadlineApproaching(ctx context.Context, breach *contracts.BreachRecord) error
	BreachDeadlineMissed(ctx context.Context, breach *contracts.BreachRecord) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) RequestCompleted(ctx context.Context, req *contracts.ComplianceRequest, downloadToken string) error {
	n.logger.InfoContext(ctx, "request completed",
		"request_id", req.ID,
		"kind", req.Kind,
		"subject", req.SubjectEmail,
		"download_token", downloadToken != "")
	return nil
}

func (n *LogNotifier) RequestFailed(ctx context.Context, requestID, reason string) error {
	n.logger.ErrorContext(ctx, "request failed",
		"request_id", requestID,
		"reason", reason)
	return nil
}

func (n *LogNotifier) BreachDeadlineApproaching(ctx context.Context, breach *contracts.BreachRecord) error {
	n.logger.WarnContext(ctx, "breach notification deadline approaching",
		"breach_id", breach.ID,
		"severity", breach.Severity,
		"deadline", breach.Deadline)
	return nil
}

func (n *LogNotifier) BreachDeadlineMissed(ctx context.Context, breach *contracts.BreachRecord) error {
	n.logger.ErrorContext(ctx, "breach notification deadline missed",
		"breach_id", breach.ID,
		"severity", breach.Severity,
		"deadline", breach.Deadline)
	return nil
}

// Recorder captures notifications for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns recorded event labels in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) RequestCompleted(ctx context.Context, req *contracts.ComplianceRequest, downloadToken string) error {
	r.record("request_completed:" + req.ID)
	return nil
}

func (r *Recorder) RequestFailed(ctx context.Context, requestID, reason string) error {
	r.record("request_failed:" + requestID)
	return nil
}

func (r *Recorder) BreachDeadlineApproaching(ctx context.Context, breach *contracts.BreachRecord) error {
	r.record("breach_warning:" + breach.ID)
	return nil
}

func (r *Recorder) BreachDeadlineMissed(ctx context.Context, breach *contracts.BreachRecord) error {
	r.record("breach_overdue:" + breach.ID)
	return nil
}

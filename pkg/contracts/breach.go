package contracts

import "time"

// NotificationWindow is the regulatory window for notifying the supervisory
// authority of a reportable breach (GDPR art. 33).
const NotificationWindow = 72 * time.Hour

// BreachSeverity classifies breach impact.
type BreachSeverity string

const (
	SeverityLow      BreachSeverity = "low"
	SeverityMedium   BreachSeverity = "medium"
	SeverityHigh     BreachSeverity = "high"
	SeverityCritical BreachSeverity = "critical"
)

// BreachStatus is the breach lifecycle state. Once authority_notified is
// reached the status must not regress.
type BreachStatus string

const (
	BreachDetected          BreachStatus = "detected"
	BreachInvestigating     BreachStatus = "investigating"
	BreachAuthorityNotified BreachStatus = "authority_notified"
	BreachSubjectsNotified  BreachStatus = "subjects_notified"
	BreachResolved          BreachStatus = "resolved"
	BreachClosed            BreachStatus = "closed"
)

// BreachRecord tracks a data breach and its notification deadline.
type BreachRecord struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	Title        string         `json:"title"`
	Severity     BreachSeverity `json:"severity"`
	Status       BreachStatus   `json:"status"`
	DiscoveredAt time.Time      `json:"discovered_at"`
	// Reportable pins Deadline = DiscoveredAt + NotificationWindow and makes
	// it binding for escalation.
	Reportable bool       `json:"reportable"`
	Deadline   *time.Time `json:"deadline,omitempty"`

	AuthorityNotifiedAt *time.Time `json:"authority_notified_at,omitempty"`
	SubjectsNotifiedAt  *time.Time `json:"subjects_notified_at,omitempty"`

	// EscalatedAt and WarnedAt record the one-time sweep actions.
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	WarnedAt    *time.Time `json:"warned_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ComputeDeadline returns the binding notification deadline for a
// reportable breach discovered at the given time.
func ComputeDeadline(discoveredAt time.Time) time.Time {
	return discoveredAt.Add(NotificationWindow)
}

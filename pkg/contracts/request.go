// Package contracts defines the domain types shared across the DSAR
// fulfillment pipeline: compliance requests, export bundles, download
// tokens and breach records.
package contracts

import "time"

// RequestKind is the category of a data-subject request.
type RequestKind string

const (
	KindAccess        RequestKind = "access"
	KindPortability   RequestKind = "portability"
	KindErasure       RequestKind = "erasure"
	KindRectification RequestKind = "rectification"
	KindRestriction   RequestKind = "restriction"
	KindObjection     RequestKind = "objection"
)

// RequestStatus is the lifecycle state of a compliance request.
// Transitions are monotonic; a request never moves backwards.
type RequestStatus string

const (
	StatusNew         RequestStatus = "new"
	StatusVerifying   RequestStatus = "verifying"
	StatusDiscovering RequestStatus = "discovering"
	StatusReviewing   RequestStatus = "reviewing"
	StatusPackaging   RequestStatus = "packaging"
	StatusDelivering  RequestStatus = "delivering"
	StatusErasing     RequestStatus = "erasing"
	StatusCompleted   RequestStatus = "completed"
	StatusRejected    RequestStatus = "rejected"
	StatusFailed      RequestStatus = "failed"
	StatusExpired     RequestStatus = "expired"
)

// Open reports whether the request still counts against its response window.
func (s RequestStatus) Open() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed, StatusExpired:
		return false
	}
	return true
}

// ComplianceRequest is a DSAR driving the fulfillment pipeline.
type ComplianceRequest struct {
	ID           string        `json:"id"`
	AccountID    string        `json:"account_id"`
	Kind         RequestKind   `json:"kind"`
	Status       RequestStatus `json:"status"`
	SubjectEmail string        `json:"subject_email"`
	SubjectName  string        `json:"subject_name,omitempty"`
	Source       string        `json:"source,omitempty"` // e.g. "shopify:acme.myshopify.com"
	CreatedAt    time.Time     `json:"created_at"`
	// DueDate is CreatedAt plus the response window for the kind.
	// Immutable once set.
	DueDate     time.Time  `json:"due_date"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// OverdueFlaggedAt records the one-time overdue sweep action.
	OverdueFlaggedAt *time.Time `json:"overdue_flagged_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// ResponseWindow returns the regulatory response window for a request kind.
// Access 7d, rectification 14d, erasure 28d, everything else 30d.
func ResponseWindow(kind RequestKind) time.Duration {
	switch kind {
	case KindAccess:
		return 7 * 24 * time.Hour
	case KindRectification:
		return 14 * 24 * time.Hour
	case KindErasure:
		return 28 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gdprhub/hublite/pkg/audit"
	"github.com/gdprhub/hublite/pkg/contracts"
	"github.com/gdprhub/hublite/pkg/download"
	"github.com/gdprhub/hublite/pkg/store"
)

const defaultListLimit = 100

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultListLimit
}

// handleRedeem is GET /downloads/{token}: consume the credential and
// redirect to a fresh pre-signed URL. 404 means the token never
// existed; 410 means it existed but is spent, revoked or expired.
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	url, err := s.downloads.Redeem(r.Context(), token)
	switch {
	case errors.Is(err, download.ErrTokenNotFound):
		WriteNotFound(w, "Unknown download token")
	case errors.Is(err, download.ErrTokenGone):
		WriteGone(w, "Download token already used, revoked or expired")
	case errors.Is(err, download.ErrPresignFailed):
		WriteBadGateway(w, "Storage backend unavailable; the download token has been consumed, contact support")
	case err != nil:
		WriteInternal(w, err)
	default:
		http.Redirect(w, r, url, http.StatusFound)
	}
}

// handleRevoke is POST /downloads/{token}/revoke. Idempotent.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	err := s.downloads.Revoke(r.Context(), token)
	switch {
	case errors.Is(err, download.ErrTokenNotFound):
		WriteNotFound(w, "Unknown download token")
	case err != nil:
		WriteInternal(w, err)
	default:
		WriteJSON(w, http.StatusOK, map[string]any{"revoked": true})
	}
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.requests.List(r.Context(), listLimit(r))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	req, err := s.requests.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Unknown request")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	body := map[string]any{"request": req}
	if bundle, err := s.bundles.LatestForRequest(r.Context(), id); err == nil {
		body["bundle"] = bundle
	}
	if findings, err := s.requests.GetFindings(r.Context(), id); err == nil {
		body["findings_summary"] = map[string]any{
			"sources": len(findings.Sources),
			"records": findings.TotalRecords(),
			"partial": findings.Partial,
		}
	}
	WriteJSON(w, http.StatusOK, body)
}

// handleCompleteRequest closes a request that ended at manual review
// (rectification, restriction, objection).
func (s *Server) handleCompleteRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	req, err := s.requests.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Unknown request")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !req.Status.Open() {
		WriteConflict(w, "Request is already settled")
		return
	}

	if err := s.requests.MarkCompleted(r.Context(), id, s.clock()); err != nil {
		WriteInternal(w, err)
		return
	}
	operator := ""
	if claims, ok := GetOperator(r.Context()); ok {
		operator = claims.Subject
	}
	_ = s.audit.Record(r.Context(), audit.EventPipeline, "request_completed_manually", "request/"+id, map[string]any{
		"operator": operator,
	})
	WriteJSON(w, http.StatusOK, map[string]any{"completed": true})
}

func (s *Server) handleListBreaches(w http.ResponseWriter, r *http.Request) {
	breaches, err := s.breaches.List(r.Context(), listLimit(r))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"breaches": breaches})
}

type createBreachRequest struct {
	OrgID        string     `json:"org_id"`
	Title        string     `json:"title"`
	Severity     string     `json:"severity"`
	DiscoveredAt *time.Time `json:"discovered_at,omitempty"`
	Reportable   bool       `json:"reportable"`
}

func (s *Server) handleCreateBreach(w http.ResponseWriter, r *http.Request) {
	var body createBreachRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "Malformed JSON body")
		return
	}
	if body.Title == "" {
		WriteBadRequest(w, "title is required")
		return
	}
	severity := contracts.BreachSeverity(body.Severity)
	switch severity {
	case contracts.SeverityLow, contracts.SeverityMedium, contracts.SeverityHigh, contracts.SeverityCritical:
	default:
		WriteBadRequest(w, "severity must be one of low, medium, high, critical")
		return
	}

	now := s.clock()
	discoveredAt := now
	if body.DiscoveredAt != nil {
		discoveredAt = *body.DiscoveredAt
	}
	breach := &contracts.BreachRecord{
		ID:           uuid.New().String(),
		OrgID:        body.OrgID,
		Title:        body.Title,
		Severity:     severity,
		Status:       contracts.BreachDetected,
		DiscoveredAt: discoveredAt,
		CreatedAt:    now,
	}
	if err := s.breaches.Create(r.Context(), breach); err != nil {
		WriteInternal(w, err)
		return
	}
	if body.Reportable {
		deadline := contracts.ComputeDeadline(discoveredAt)
		if err := s.breaches.MarkReportable(r.Context(), breach.ID, deadline); err != nil {
			WriteInternal(w, err)
			return
		}
		breach.Reportable = true
		breach.Deadline = &deadline
	}
	_ = s.audit.Record(r.Context(), audit.EventEscalation, "breach_recorded", "breach/"+breach.ID, map[string]any{
		"severity":   severity,
		"reportable": breach.Reportable,
	})
	WriteJSON(w, http.StatusCreated, map[string]any{"breach": breach})
}

// handleMarkReportable pins the 72-hour notification deadline. The
// deadline is computed from discovery, not from this call, and a second
// call never moves it.
func (s *Server) handleMarkReportable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	breach, err := s.breaches.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Unknown breach")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	deadline := contracts.ComputeDeadline(breach.DiscoveredAt)
	if err := s.breaches.MarkReportable(r.Context(), id, deadline); err != nil {
		WriteInternal(w, err)
		return
	}
	updated, err := s.breaches.Get(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"breach": updated})
}

func (s *Server) handleAuthorityNotified(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.breaches.Get(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Unknown breach")
		return
	} else if err != nil {
		WriteInternal(w, err)
		return
	}

	if err := s.breaches.SetAuthorityNotified(r.Context(), id, s.clock()); err != nil {
		WriteInternal(w, err)
		return
	}
	_ = s.audit.Record(r.Context(), audit.EventEscalation, "authority_notified", "breach/"+id, nil)
	WriteJSON(w, http.StatusOK, map[string]any{"notified": true})
}

type setBreachStatusRequest struct {
	Status string `json:"status"`
}

// handleSetBreachStatus advances a breach through its lifecycle. The
// store ignores transitions that would move the record backward, so the
// returned breach reflects the stage actually in effect.
func (s *Server) handleSetBreachStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body setBreachStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "Malformed JSON body")
		return
	}
	status := contracts.BreachStatus(body.Status)
	switch status {
	case contracts.BreachDetected, contracts.BreachInvestigating, contracts.BreachAuthorityNotified,
		contracts.BreachSubjectsNotified, contracts.BreachResolved, contracts.BreachClosed:
	default:
		WriteBadRequest(w, "status must be one of detected, investigating, authority_notified, subjects_notified, resolved, closed")
		return
	}

	if _, err := s.breaches.Get(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Unknown breach")
		return
	} else if err != nil {
		WriteInternal(w, err)
		return
	}

	if err := s.breaches.SetStatus(r.Context(), id, status); err != nil {
		WriteInternal(w, err)
		return
	}
	updated, err := s.breaches.Get(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	_ = s.audit.Record(r.Context(), audit.EventEscalation, "breach_status", "breach/"+id, map[string]any{
		"status": string(updated.Status),
	})
	WriteJSON(w, http.StatusOK, map[string]any{"breach": updated})
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListFailed(r.Context(), listLimit(r))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

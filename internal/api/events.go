package api

import (
	"net/http"
	"time"

	"github.com/foxzi/herald/internal/events"
)

// EventRequest is the request body for POST /events
type EventRequest struct {
	Name string `json:"name" validate:"required,max=128"`
	// TenantID is only read from service token requests
	TenantID   string            `json:"tenant_id" validate:"max=128"`
	Payload    map[string]string `json:"payload"`
	OccurredAt *time.Time        `json:"occurred_at,omitempty"`
}

// handlePublishEvent handles POST /events
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !s.decode(w, r, &req) {
		return
	}

	tenant := tenantFrom(r.Context())
	if isService(r.Context()) {
		tenant = req.TenantID
	}
	if tenant == "" {
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: []string{"tenant_id is required"}})
		return
	}

	ev := events.Event{Name: req.Name, TenantID: tenant, Payload: req.Payload}
	if req.OccurredAt != nil {
		ev.OccurredAt = req.OccurredAt.UTC()
	}

	if !s.deps.Events.Publish(ev) {
		s.logger.Warn("event rejected by bus", "event", ev.Name, "tenant_id", tenant)
		s.sendError(w, http.StatusServiceUnavailable, "Event bus unavailable")
		return
	}

	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

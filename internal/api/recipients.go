package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/herald/internal/campaign"
)

// RecipientRequest is the request body for POST /recipients
type RecipientRequest struct {
	ID          string            `json:"id" validate:"max=128"`
	Email       string            `json:"email" validate:"required_without_all=Phone UserID PushToken,omitempty,email"`
	Phone       string            `json:"phone" validate:"omitempty,e164"`
	PushToken   string            `json:"push_token" validate:"max=512"`
	UserID      string            `json:"user_id" validate:"max=128"`
	DisplayName string            `json:"display_name" validate:"max=200"`
	Attributes  map[string]string `json:"attributes"`
	Segments    []string          `json:"segments" validate:"dive,required,max=64"`
	Status      string            `json:"status" validate:"omitempty,oneof=active unsubscribed"`
}

// handleListRecipients handles GET /recipients
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 100, 1000)
	q := r.URL.Query()

	filter := campaign.RecipientFilter{
		ActiveOnly: q.Get("active") == "true",
		Search:     q.Get("search"),
		Limit:      limit,
		Offset:     offset,
	}
	if ids := q.Get("ids"); ids != "" {
		filter.IDs = strings.Split(ids, ",")
	}

	recipients, err := s.deps.Recipients.ListRecipients(r.Context(), tenantFrom(r.Context()), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"recipients": recipients,
		"limit":      limit,
		"offset":     offset,
	})
}

// handleUpsertRecipient handles POST /recipients
func (s *Server) handleUpsertRecipient(w http.ResponseWriter, r *http.Request) {
	var req RecipientRequest
	if !s.decode(w, r, &req) {
		return
	}

	rec := &campaign.Recipient{
		ID:          req.ID,
		TenantID:    tenantFrom(r.Context()),
		Email:       req.Email,
		Phone:       req.Phone,
		PushToken:   req.PushToken,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Attributes:  req.Attributes,
		Segments:    req.Segments,
		Status:      campaign.RecipientStatus(req.Status),
	}

	if err := s.deps.Recipients.Upsert(r.Context(), rec); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Debug("recipient stored", "tenant_id", rec.TenantID, "recipient_id", rec.ID)
	s.sendJSON(w, http.StatusOK, rec)
}

// handleGetRecipient handles GET /recipients/{id}
func (s *Server) handleGetRecipient(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Recipients.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

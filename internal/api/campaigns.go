package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/herald/internal/campaign"
)

// CampaignRequest is the request body for POST /campaigns and PUT /campaigns/{id}
type CampaignRequest struct {
	Name           string                    `json:"name" validate:"required,max=200"`
	Description    string                    `json:"description" validate:"max=2000"`
	Type           string                    `json:"type" validate:"required,oneof=email sms push in_app"`
	TriggerType    string                    `json:"trigger_type" validate:"required,oneof=manual scheduled recurring event_based"`
	Status         string                    `json:"status,omitempty" validate:"omitempty,oneof=draft scheduled active paused completed cancelled"`
	Content        campaign.Content          `json:"content"`
	TargetAudience campaign.TargetAudience   `json:"target_audience"`
	ScheduledAt    *time.Time                `json:"scheduled_at,omitempty"`
	Recurring      *campaign.RecurringConfig `json:"recurring_config,omitempty"`
	EventTriggers  *campaign.EventTriggers   `json:"event_triggers,omitempty"`
	ABTest         *campaign.ABTestConfig    `json:"ab_test_config,omitempty"`
	Settings       campaign.Settings         `json:"settings"`
}

func (req *CampaignRequest) toCampaign(tenantID string) *campaign.Campaign {
	return &campaign.Campaign{
		TenantID:       tenantID,
		Name:           req.Name,
		Description:    req.Description,
		Type:           campaign.Type(req.Type),
		TriggerType:    campaign.TriggerType(req.TriggerType),
		Content:        req.Content,
		TargetAudience: req.TargetAudience,
		ScheduledAt:    req.ScheduledAt,
		Recurring:      req.Recurring,
		EventTriggers:  req.EventTriggers,
		ABTest:         req.ABTest,
		Settings:       req.Settings,
	}
}

// CampaignListResponse is the response for GET /campaigns
type CampaignListResponse struct {
	Campaigns []campaign.Campaign `json:"campaigns"`
	Total     int                 `json:"total"`
	Limit     int                 `json:"limit"`
	Offset    int                 `json:"offset"`
}

// handleListCampaigns handles GET /campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50, 200)
	q := r.URL.Query()

	filter := campaign.ListFilter{
		TenantID:    tenantFrom(r.Context()),
		Status:      campaign.Status(q.Get("status")),
		TriggerType: campaign.TriggerType(q.Get("trigger_type")),
		Search:      q.Get("search"),
		Limit:       limit,
		Offset:      offset,
	}

	campaigns, total, err := s.deps.Engine.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if campaigns == nil {
		campaigns = []campaign.Campaign{}
	}

	s.sendJSON(w, http.StatusOK, CampaignListResponse{
		Campaigns: campaigns,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

// handleCreateCampaign handles POST /campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	c := req.toCampaign(tenantFrom(r.Context()))
	if err := s.deps.Engine.Create(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, c)
}

// handleGetCampaign handles GET /campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Engine.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleUpdateCampaign handles PUT /campaigns/{id}
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	tenant := tenantFrom(r.Context())
	c, err := s.deps.Engine.Update(r.Context(), tenant, chi.URLParam(r, "id"), req.toCampaign(tenant), campaign.Status(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteCampaign handles DELETE /campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Delete(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLaunch handles POST /campaigns/{id}/launch
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Engine.Launch(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handlePause handles POST /campaigns/{id}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Engine.Pause(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleResume handles POST /campaigns/{id}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Engine.Resume(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleAnalytics handles GET /campaigns/{id}/analytics
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Analytics.GetAnalytics(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, a)
}

// handleSummary handles GET /campaigns/summary
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Analytics.GetSummary(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, summary)
}

// handleExecutionLog handles GET /campaigns/{id}/logs
func (s *Server) handleExecutionLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Engine.Get(r.Context(), tenantFrom(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	entries, err := s.deps.Campaigns.ListLog(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []campaign.ExecutionLogEntry{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

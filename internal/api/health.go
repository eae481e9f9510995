package api

import (
	"net/http"
	"time"

	"github.com/foxzi/herald/internal/queue"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Queue   *queue.Stats `json:"queue,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	if s.deps.Queue != nil {
		stats, err := s.deps.Queue.Stats(r.Context())
		if err != nil {
			s.logger.Error("failed to get queue stats", "error", err)
			resp.Status = "degraded"
		}
		resp.Queue = stats
	}

	s.sendJSON(w, http.StatusOK, resp)
}

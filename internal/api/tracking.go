package api

import (
	"context"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/herald/internal/tracking"
)

// trackTimeout bounds the counter write behind a tracking hit
const trackTimeout = 5 * time.Second

var unsubscribePage = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Unsubscribe</title></head>
<body>
{{if .Done}}<p>You have been unsubscribed.</p>{{else}}
<form method="post" action="{{.Action}}">
<p>Stop receiving these messages?</p>
<button type="submit">Unsubscribe</button>
</form>{{end}}
</body></html>
`))

// handleTrackOpen handles GET /campaigns/track/open/{campaignId}/{recipientId}.
// The pixel is returned whatever happens to the counter.
func (s *Server) handleTrackOpen(w http.ResponseWriter, r *http.Request) {
	s.track(r, tracking.KindOpen)

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(tracking.Pixel)
}

// handleTrackClick handles GET /campaigns/track/click/{campaignId}/{recipientId}?url=
func (s *Server) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if !tracking.SafeTarget(target) {
		if s.fallback == "" {
			s.sendError(w, http.StatusBadRequest, "Invalid url")
			return
		}
		http.Redirect(w, r, s.fallback, http.StatusFound)
		return
	}

	s.track(r, tracking.KindClick)
	http.Redirect(w, r, target, http.StatusFound)
}

// handleUnsubscribePage handles GET /campaigns/track/unsubscribe/{campaignId}/{recipientId}.
// It renders a confirmation form, only POST unsubscribes.
func (s *Server) handleUnsubscribePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	unsubscribePage.Execute(w, map[string]any{"Action": r.URL.Path})
}

// handleUnsubscribe handles POST /campaigns/track/unsubscribe/{campaignId}/{recipientId}
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.track(r, tracking.KindUnsubscribe) {
		s.sendError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	if r.Header.Get("Content-Type") == "application/json" {
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	unsubscribePage.Execute(w, map[string]any{"Done": true})
}

// track records a tracking event, reporting false only when the guard refused the client.
// Recording errors are logged and swallowed.
func (s *Server) track(r *http.Request, kind tracking.Kind) bool {
	if !s.deps.Guard.Allow(r.Context(), clientIP(r)) {
		return false
	}

	campaignID := chi.URLParam(r, "campaignId")
	recipientID := chi.URLParam(r, "recipientId")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), trackTimeout)
	defer cancel()

	if err := s.deps.Tracker.RecordEvent(ctx, campaignID, recipientID, kind); err != nil {
		s.logger.Warn("failed to record tracking event",
			"kind", kind,
			"campaign_id", campaignID,
			"recipient_id", recipientID,
			"error", err,
		)
	}
	return true
}

// clientIP returns the request address without port. RealIP has already applied proxy headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

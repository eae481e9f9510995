package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPublishEvent(t *testing.T) {
	tests := []struct {
		name       string
		auth       string
		body       string
		reject     bool
		wantStatus int
		wantTenant string
	}{
		{
			name:       "service token with tenant",
			auth:       "Bearer " + testServiceToken,
			body:       `{"name":"user.signup","tenant_id":"t9","payload":{"recipientId":"r1"}}`,
			wantStatus: http.StatusAccepted,
			wantTenant: "t9",
		},
		{
			name:       "service token without tenant",
			auth:       "Bearer " + testServiceToken,
			body:       `{"name":"user.signup"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "tenant token ignores body tenant",
			auth:       "tenant:t1",
			body:       `{"name":"user.signup","tenant_id":"t9"}`,
			wantStatus: http.StatusAccepted,
			wantTenant: "t1",
		},
		{
			name:       "missing name",
			auth:       "Bearer " + testServiceToken,
			body:       `{"tenant_id":"t9"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unauthenticated",
			body:       `{"name":"user.signup","tenant_id":"t9"}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "bus full",
			auth:       "Bearer " + testServiceToken,
			body:       `{"name":"user.signup","tenant_id":"t9"}`,
			reject:     true,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServer(t)
			ts.publisher.reject = tt.reject

			req := httptest.NewRequest("POST", "/events", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			switch {
			case strings.HasPrefix(tt.auth, "tenant:"):
				req.Header.Set("Authorization", "Bearer "+tenantToken(t, strings.TrimPrefix(tt.auth, "tenant:")))
			case tt.auth != "":
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			ts.server.Handler().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("Status = %d, want %d, body %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantTenant == "" {
				return
			}
			if len(ts.publisher.events) != 1 {
				t.Fatalf("published %d events, want 1", len(ts.publisher.events))
			}
			ev := ts.publisher.events[0]
			if ev.TenantID != tt.wantTenant || ev.Name != "user.signup" {
				t.Errorf("event = %+v", ev)
			}
		})
	}
}

package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGatewaySendSMS(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"delivered":true}`))
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{URL: srv.URL, Token: "secret"})
	ok, err := g.SendSMS(context.Background(), &SMSMessage{To: "+15550100", Body: "Your code"})
	if err != nil || !ok {
		t.Fatalf("SendSMS() = %v, %v", ok, err)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if got["to"] != "+15550100" || got["body"] != "Your code" {
		t.Errorf("payload = %v", got)
	}
}

func TestGatewayStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantOK    bool
		wantErr   bool
		temporary bool
	}{
		{"accepted without body", http.StatusAccepted, "", true, false, false},
		{"provider declined", http.StatusOK, `{"delivered":false}`, false, false, false},
		{"bad number", http.StatusBadRequest, `{"error":"invalid number"}`, false, true, false},
		{"rate limited", http.StatusTooManyRequests, "", false, true, true},
		{"provider down", http.StatusBadGateway, "", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := NewGateway(GatewayConfig{URL: srv.URL})
			ok, err := g.SendInApp(context.Background(), &InAppMessage{UserID: "u1", Title: "t", Message: "m"})
			if ok != tt.wantOK {
				t.Errorf("delivered = %v, want %v", ok, tt.wantOK)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && IsTemporary(err) != tt.temporary {
				t.Errorf("IsTemporary() = %v, want %v", IsTemporary(err), tt.temporary)
			}
		})
	}
}

func TestGatewayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	g := NewGateway(GatewayConfig{URL: url})
	if _, err := g.SendSMS(context.Background(), &SMSMessage{To: "+1", Body: "x"}); err == nil || !IsTemporary(err) {
		t.Errorf("error = %v, want temporary", err)
	}
}

func TestGatewayMissingAddress(t *testing.T) {
	g := NewGateway(GatewayConfig{URL: "http://127.0.0.1:1"})
	if _, err := g.SendSMS(context.Background(), &SMSMessage{}); !IsRejection(err) {
		t.Errorf("SendSMS error = %v, want permanent", err)
	}
	if _, err := g.SendInApp(context.Background(), &InAppMessage{}); !IsRejection(err) {
		t.Errorf("SendInApp error = %v, want permanent", err)
	}
}

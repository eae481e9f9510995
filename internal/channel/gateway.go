package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GatewayConfig describes an HTTP provider endpoint
type GatewayConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// gatewayResponse is the optional body returned by a provider
type gatewayResponse struct {
	Delivered *bool  `json:"delivered"`
	Error     string `json:"error"`
}

// Gateway posts SMS and in-app messages as JSON to a provider endpoint
type Gateway struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewGateway creates a new provider gateway
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Gateway{
		url:   cfg.URL,
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SendSMS posts {"to","body"}
func (g *Gateway) SendSMS(ctx context.Context, msg *SMSMessage) (bool, error) {
	if msg.To == "" {
		return false, Permanentf("no phone number")
	}
	return g.post(ctx, map[string]any{
		"to":   msg.To,
		"body": msg.Body,
	})
}

// SendInApp posts {"user_id","title","message","data"}
func (g *Gateway) SendInApp(ctx context.Context, msg *InAppMessage) (bool, error) {
	if msg.UserID == "" {
		return false, Permanentf("no user id")
	}
	return g.post(ctx, map[string]any{
		"user_id": msg.UserID,
		"title":   msg.Title,
		"message": msg.Message,
		"data":    msg.Data,
	})
}

// post sends body and maps the reply: 4xx is permanent, 5xx and transport errors temporary
func (g *Gateway) post(ctx context.Context, body any) (bool, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(data))
	if err != nil {
		return false, Permanentf("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false, Temporaryf("do request: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out gatewayResponse
	if len(raw) > 0 {
		json.Unmarshal(raw, &out)
	}

	if resp.StatusCode >= 400 {
		reason := out.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return false, &DeliveryError{
			Temporary: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Code:      resp.StatusCode,
			Message:   fmt.Sprintf("gateway HTTP %d: %s", resp.StatusCode, reason),
		}
	}

	if out.Delivered != nil {
		return *out.Delivered, nil
	}
	return true, nil
}

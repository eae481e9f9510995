// Package analytics derives delivery and engagement rates from campaign counters.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/repository"
)

// Store provides the counters analytics are computed from
type Store interface {
	Get(ctx context.Context, tenantID, id string) (*campaign.Campaign, error)
	Totals(ctx context.Context, tenantID string) (*repository.Totals, error)
}

// Rates are ratios in [0, 1]
type Rates struct {
	DeliveryRate    float64 `json:"delivery_rate"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`
	BounceRate      float64 `json:"bounce_rate"`
}

// CampaignAnalytics is the analytics view of one campaign
type CampaignAnalytics struct {
	CampaignID     string           `json:"campaign_id"`
	Name           string           `json:"name"`
	Status         campaign.Status  `json:"status"`
	Metrics        campaign.Metrics `json:"metrics"`
	Rates          Rates            `json:"rates"`
	ExecutionCount int              `json:"execution_count"`
	LastExecutedAt *time.Time       `json:"last_executed_at,omitempty"`
}

// Averages are per-campaign means of the main counters
type Averages struct {
	Sent      float64 `json:"sent"`
	Delivered float64 `json:"delivered"`
	Opened    float64 `json:"opened"`
	Clicked   float64 `json:"clicked"`
}

// Summary aggregates every campaign of a tenant
type Summary struct {
	TotalCampaigns int64                     `json:"total_campaigns"`
	ByStatus       map[campaign.Status]int64 `json:"by_status"`
	Totals         campaign.Metrics          `json:"totals"`
	Rates          Rates                     `json:"rates"`
	Averages       Averages                  `json:"averages"`
}

// Service serves campaign analytics
type Service struct {
	store Store
}

// New creates a new analytics service
func New(store Store) *Service {
	return &Service{store: store}
}

// GetAnalytics returns counters and rates of one campaign
func (s *Service) GetAnalytics(ctx context.Context, tenantID, id string) (*CampaignAnalytics, error) {
	c, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	return &CampaignAnalytics{
		CampaignID:     c.ID,
		Name:           c.Name,
		Status:         c.Status,
		Metrics:        c.Metrics,
		Rates:          Compute(c.Metrics),
		ExecutionCount: c.ExecutionCount,
		LastExecutedAt: c.LastExecutedAt,
	}, nil
}

// GetSummary returns the tenant-wide totals, overall rates and averages
func (s *Service) GetSummary(ctx context.Context, tenantID string) (*Summary, error) {
	t, err := s.store.Totals(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load totals: %w", err)
	}

	sum := &Summary{
		TotalCampaigns: t.Campaigns,
		ByStatus:       t.ByStatus,
		Totals:         t.Metrics,
		Rates:          Compute(t.Metrics),
	}
	if t.Campaigns > 0 {
		n := float64(t.Campaigns)
		sum.Averages = Averages{
			Sent:      float64(t.Metrics.Sent) / n,
			Delivered: float64(t.Metrics.Delivered) / n,
			Opened:    float64(t.Metrics.Opened) / n,
			Clicked:   float64(t.Metrics.Clicked) / n,
		}
	}
	return sum, nil
}

// Compute derives the rates of a counter set
func Compute(m campaign.Metrics) Rates {
	return Rates{
		DeliveryRate:    Ratio(m.Delivered, m.Sent),
		OpenRate:        Ratio(m.Opened, m.Delivered),
		ClickRate:       Ratio(m.Clicked, m.Opened),
		UnsubscribeRate: Ratio(m.Unsubscribed, m.Delivered),
		BounceRate:      Ratio(m.Bounced, m.Sent),
	}
}

// Ratio returns num/den clamped to [0, 1], and 0 when den is not positive.
// Tracking is at-least-once so raw ratios can exceed 1.
func Ratio(num, den int64) float64 {
	if den <= 0 || num <= 0 {
		return 0
	}
	r := float64(num) / float64(den)
	if r > 1 {
		return 1
	}
	return r
}

package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/metrics"
)

// Kind is the type of an engagement event
type Kind string

const (
	KindOpen        Kind = "open"
	KindClick       Kind = "click"
	KindUnsubscribe Kind = "unsubscribe"
)

// ErrUnknownKind is returned for events other than open, click and unsubscribe
var ErrUnknownKind = errors.New("unknown tracking event")

var kindCounters = map[Kind]campaign.Counter{
	KindOpen:        campaign.CounterOpened,
	KindClick:       campaign.CounterClicked,
	KindUnsubscribe: campaign.CounterUnsubscribed,
}

// CampaignStore is the counter storage used by the collector
type CampaignStore interface {
	Get(ctx context.Context, tenantID, id string) (*campaign.Campaign, error)
	IncrementCounter(ctx context.Context, id string, counter campaign.Counter, delta int64) error
}

// RecipientStore marks unsubscribed recipients
type RecipientStore interface {
	SetStatus(ctx context.Context, tenantID, id string, status campaign.RecipientStatus) error
}

// Collector turns tracking hits into counter increments. Events are counted
// at least once and never deduplicated.
type Collector struct {
	campaigns  CampaignStore
	recipients RecipientStore
	logger     *slog.Logger
}

// NewCollector creates a new tracking collector
func NewCollector(campaigns CampaignStore, recipients RecipientStore, logger *slog.Logger) *Collector {
	return &Collector{
		campaigns:  campaigns,
		recipients: recipients,
		logger:     logger.With("component", "tracking"),
	}
}

// RecordEvent increments the counter of kind. An unsubscribe also excludes the
// recipient from later audiences of the campaign's tenant.
func (c *Collector) RecordEvent(ctx context.Context, campaignID, recipientID string, kind Kind) error {
	counter, ok := kindCounters[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if kind == KindUnsubscribe {
		if err := c.unsubscribe(ctx, campaignID, recipientID); err != nil {
			return err
		}
	}

	if err := c.campaigns.IncrementCounter(ctx, campaignID, counter, 1); err != nil {
		return fmt.Errorf("failed to record %s: %w", kind, err)
	}

	metrics.IncTrackingEvents(string(kind))
	c.logger.Debug("tracking event recorded", "campaign_id", campaignID, "recipient_id", recipientID, "kind", kind)
	return nil
}

func (c *Collector) unsubscribe(ctx context.Context, campaignID, recipientID string) error {
	camp, err := c.campaigns.Get(ctx, "", campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}

	err = c.recipients.SetStatus(ctx, camp.TenantID, recipientID, campaign.RecipientUnsubscribed)
	if err != nil {
		// the counter still moves for recipients the directory does not know
		c.logger.Warn("failed to mark recipient unsubscribed",
			"campaign_id", campaignID,
			"recipient_id", recipientID,
			"error", err,
		)
	}
	return nil
}

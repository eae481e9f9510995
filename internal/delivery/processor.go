// Package delivery sends dispatch jobs through their channel and books the outcome
// on the campaign counters.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/channel"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/tracking"
)

// CampaignStore is the campaign access the processor needs
type CampaignStore interface {
	Get(ctx context.Context, tenantID, id string) (*campaign.Campaign, error)
	IncrementCounter(ctx context.Context, id string, counter campaign.Counter, delta int64) error
}

// Senders groups the channel senders. Push is delivered through InApp.
type Senders struct {
	Email channel.EmailSender
	SMS   channel.SMSSender
	InApp channel.InAppSender
}

// Config contains delivery settings
type Config struct {
	TrackingBaseURL string
	// SendTimeout bounds a single sender call unless the campaign sets its own
	SendTimeout  time.Duration
	SMSMaxLength int
	// RatePerSecond paces sends per channel, zero means unpaced
	RatePerSecond map[string]float64
}

// Processor implements queue.Handler
type Processor struct {
	store    CampaignStore
	senders  Senders
	cfg      Config
	links    tracking.Links
	limiters map[string]*rate.Limiter
	logger   *slog.Logger
}

// NewProcessor creates a new delivery processor
func NewProcessor(store CampaignStore, senders Senders, cfg Config, logger *slog.Logger) *Processor {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.SMSMaxLength <= 0 {
		cfg.SMSMaxLength = 160
	}

	limiters := make(map[string]*rate.Limiter)
	for ch, perSecond := range cfg.RatePerSecond {
		if perSecond > 0 {
			limiters[ch] = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
		}
	}

	return &Processor{
		store:    store,
		senders:  senders,
		cfg:      cfg,
		links:    tracking.NewLinks(cfg.TrackingBaseURL),
		limiters: limiters,
		logger:   logger.With("component", "delivery"),
	}
}

// Handle delivers one job. Jobs of paused, cancelled or deleted campaigns are dropped.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	logger := p.logger.With("job_id", job.ID, "channel", job.Channel, "recipient_id", job.RecipientID)

	if job.Kind == queue.KindReminder {
		return p.deliver(ctx, job, nil, p.cfg.SendTimeout, logger)
	}

	logger = logger.With("campaign_id", job.CampaignID)
	c, err := p.store.Get(ctx, job.TenantID, job.CampaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		logger.Info("campaign gone, job dropped")
		metrics.IncDeliveries(job.Channel, "dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}

	if c.Status == campaign.StatusPaused || c.Status == campaign.StatusCancelled {
		logger.Info("campaign not sending, job dropped", "status", c.Status)
		metrics.IncDeliveries(job.Channel, "dropped")
		return nil
	}

	timeout := p.cfg.SendTimeout
	if c.Settings.SendTimeoutSeconds > 0 {
		timeout = time.Duration(c.Settings.SendTimeoutSeconds) * time.Second
	}

	if err := p.deliver(ctx, job, c, timeout, logger); err != nil {
		return err
	}

	if err := p.store.IncrementCounter(ctx, c.ID, campaign.CounterDelivered, 1); err != nil {
		// delivered already, a retry would send twice
		logger.Error("failed to count delivery", "error", err)
	}
	return nil
}

// OnDeadLetter books a terminally failed job: bounced for permanent email
// rejections, failed otherwise
func (p *Processor) OnDeadLetter(ctx context.Context, job *queue.Job, cause error) {
	reason := "exhausted"
	if channel.IsRejection(cause) {
		reason = "rejected"
	}
	metrics.IncJobsDead(job.Channel, reason)

	if job.Kind != queue.KindCampaign {
		return
	}

	counter := campaign.CounterFailed
	if job.Channel == string(campaign.TypeEmail) && reason == "rejected" {
		counter = campaign.CounterBounced
	}

	if err := p.store.IncrementCounter(ctx, job.CampaignID, counter, 1); err != nil {
		p.logger.Error("failed to count dead job",
			"job_id", job.ID,
			"campaign_id", job.CampaignID,
			"counter", counter,
			"error", err,
		)
	}
}

// deliver renders the job and calls the channel sender. c is nil for reminders.
func (p *Processor) deliver(ctx context.Context, job *queue.Job, c *campaign.Campaign, timeout time.Duration, logger *slog.Logger) error {
	if limiter, ok := p.limiters[job.Channel]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return channel.Temporaryf("send pacing: %v", err)
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vars := p.templateData(job)
	subject := Render(job.Subject, vars)
	body := Render(job.Body, vars)

	start := time.Now()
	var ok bool
	var err error

	switch campaign.Type(job.Channel) {
	case campaign.TypeEmail:
		ok, err = p.sendEmail(sendCtx, job, c, subject, body, Render(job.HTML, vars))
	case campaign.TypeSMS:
		ok, err = p.sendSMS(sendCtx, job, body)
	case campaign.TypePush, campaign.TypeInApp:
		ok, err = p.sendInApp(sendCtx, job, subject, body)
	default:
		err = channel.Permanentf("unsupported channel %q", job.Channel)
	}

	if err == nil && !ok {
		err = channel.Temporaryf("%s provider did not accept the message", job.Channel)
	}
	if err != nil {
		metrics.IncDeliveries(job.Channel, "error")
		return err
	}

	metrics.IncDeliveries(job.Channel, "delivered")
	logger.Debug("message delivered", "duration", time.Since(start))
	return nil
}

// templateData adds built-in variables below the job's own data
func (p *Processor) templateData(job *queue.Job) map[string]string {
	vars := make(map[string]string, len(job.TemplateData)+3)
	vars["recipient_id"] = job.RecipientID
	if job.CampaignID != "" {
		vars["campaign_id"] = job.CampaignID
		vars["unsubscribe_url"] = p.links.Unsubscribe(job.CampaignID, job.RecipientID)
	}
	for k, v := range job.TemplateData {
		vars[k] = v
	}
	return vars
}

func (p *Processor) sendEmail(ctx context.Context, job *queue.Job, c *campaign.Campaign, subject, text, htmlBody string) (bool, error) {
	if p.senders.Email == nil {
		return false, channel.Permanentf("email channel not configured")
	}

	msg := &channel.EmailMessage{
		To:      job.Address,
		Subject: subject,
		Text:    text,
		HTML:    htmlBody,
	}

	if c != nil {
		msg.Headers = map[string]string{
			"List-Unsubscribe":      "<" + p.links.Unsubscribe(c.ID, job.RecipientID) + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		}
		if msg.HTML != "" && c.Settings.TrackClicks {
			msg.HTML = rewriteLinks(msg.HTML, p.links, c.ID, job.RecipientID)
		}
		if msg.HTML != "" && c.Settings.TrackOpens {
			msg.HTML = appendPixel(msg.HTML, p.links.Open(c.ID, job.RecipientID))
		}
	}

	return p.senders.Email.SendEmail(ctx, msg)
}

func (p *Processor) sendSMS(ctx context.Context, job *queue.Job, body string) (bool, error) {
	if p.senders.SMS == nil {
		return false, channel.Permanentf("sms channel not configured")
	}
	return p.senders.SMS.SendSMS(ctx, &channel.SMSMessage{
		To:   job.Address,
		Body: Truncate(body, p.cfg.SMSMaxLength),
	})
}

func (p *Processor) sendInApp(ctx context.Context, job *queue.Job, title, message string) (bool, error) {
	if p.senders.InApp == nil {
		return false, channel.Permanentf("in-app channel not configured")
	}

	userID := job.Address
	if userID == "" {
		userID = job.RecipientID
	}

	data := map[string]string{}
	if job.CampaignID != "" {
		data["campaign_id"] = job.CampaignID
	}
	return p.senders.InApp.SendInApp(ctx, &channel.InAppMessage{
		UserID:  userID,
		Title:   title,
		Message: message,
		Data:    data,
	})
}

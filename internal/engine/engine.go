// Package engine runs campaign executions and lifecycle operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/herald/internal/audience"
	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/variant"
)

// Store is the campaign persistence the engine needs
type Store interface {
	Create(ctx context.Context, c *campaign.Campaign) error
	Get(ctx context.Context, tenantID, id string) (*campaign.Campaign, error)
	List(ctx context.Context, filter campaign.ListFilter) ([]campaign.Campaign, int, error)
	Update(ctx context.Context, c *campaign.Campaign) error
	Transition(ctx context.Context, id string, from []campaign.Status, to campaign.Status) error
	IncrementCounter(ctx context.Context, id string, counter campaign.Counter, delta int64) error
	SetEstimatedRecipients(ctx context.Context, id string, n int64) error
	RecordExecution(ctx context.Context, id string, at time.Time) error
	SoftDelete(ctx context.Context, tenantID, id string) error
	AppendLog(ctx context.Context, campaignID, action, errMsg string) error
}

// Execution log actions
const (
	ActionCreated     = "created"
	ActionUpdated     = "updated"
	ActionScheduled   = "scheduled"
	ActionExecuted    = "executed"
	ActionInterrupted = "interrupted"
	ActionFailed      = "failed"
	ActionPaused      = "paused"
	ActionResumed     = "resumed"
	ActionCompleted   = "completed"
	ActionCancelled   = "cancelled"
	ActionDeleted     = "deleted"
	ActionUnassigned  = "unassigned"
)

// Config contains engine settings
type Config struct {
	RemainderPolicy variant.RemainderPolicy
	Retry           queue.RetryPolicy
	// BatchSize is the number of jobs enqueued between campaign status checks
	BatchSize int
}

// Result summarizes one execution
type Result struct {
	ExecutionID string
	Recipients  int
	Enqueued    int
	Failed      int
	Unassigned  int
	// Interrupted is set when the campaign left active status during the enqueue loop
	Interrupted bool
}

// Engine turns campaign definitions into dispatch jobs
type Engine struct {
	store    Store
	resolver *audience.Resolver
	queue    queue.TaskQueue
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a new engine
func New(store Store, resolver *audience.Resolver, q queue.TaskQueue, cfg Config, logger *slog.Logger) *Engine {
	if cfg.RemainderPolicy == "" {
		cfg.RemainderPolicy = variant.RemainderLargest
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = queue.DefaultRetryPolicy()
	}

	return &Engine{
		store:    store,
		resolver: resolver,
		queue:    q,
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create validates a campaign, caches its audience size and stores it as draft
func (e *Engine) Create(ctx context.Context, c *campaign.Campaign) error {
	if err := campaign.Validate(c); err != nil {
		return err
	}

	n, err := e.resolver.Estimate(ctx, c.TenantID, c.TargetAudience)
	if err != nil {
		return fmt.Errorf("failed to estimate audience: %w", err)
	}
	c.Metrics = campaign.Metrics{EstimatedRecipients: int64(n)}
	c.ExecutionCount = 0
	c.LastExecutedAt = nil

	if err := e.store.Create(ctx, c); err != nil {
		return err
	}
	e.appendLog(ctx, c.ID, ActionCreated, "")

	e.logger.Info("campaign created", "campaign_id", c.ID, "tenant_id", c.TenantID, "estimated_recipients", n)
	return nil
}

// Get returns a tenant's campaign
func (e *Engine) Get(ctx context.Context, tenantID, id string) (*campaign.Campaign, error) {
	return e.store.Get(ctx, tenantID, id)
}

// List returns a page of campaigns and the total count
func (e *Engine) List(ctx context.Context, filter campaign.ListFilter) ([]campaign.Campaign, int, error) {
	return e.store.List(ctx, filter)
}

// Update replaces the definition of a campaign. A non-empty target status must be
// reachable from the current one and is applied through the lifecycle operations.
func (e *Engine) Update(ctx context.Context, tenantID, id string, def *campaign.Campaign, target campaign.Status) (*campaign.Campaign, error) {
	existing, err := e.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if target != "" && target != existing.Status {
		if !target.Valid() {
			return nil, &campaign.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", target)}
		}
		if err := campaign.CheckTransition(existing.Status, target); err != nil {
			return nil, fmt.Errorf("%w: %w", campaign.ErrValidation, err)
		}
	}

	updated := *def
	updated.ID = existing.ID
	updated.TenantID = existing.TenantID
	updated.Status = existing.Status
	updated.Metrics = existing.Metrics
	updated.ExecutionCount = existing.ExecutionCount
	updated.LastExecutedAt = existing.LastExecutedAt
	updated.CreatedAt = existing.CreatedAt
	updated.StartedAt = existing.StartedAt
	updated.CompletedAt = existing.CompletedAt

	if err := campaign.Validate(&updated); err != nil {
		return nil, err
	}

	if !reflect.DeepEqual(existing.TargetAudience, updated.TargetAudience) {
		n, err := e.resolver.Estimate(ctx, updated.TenantID, updated.TargetAudience)
		if err != nil {
			return nil, fmt.Errorf("failed to estimate audience: %w", err)
		}
		updated.Metrics.EstimatedRecipients = int64(n)
	}

	if err := e.store.Update(ctx, &updated); err != nil {
		return nil, err
	}
	e.appendLog(ctx, id, ActionUpdated, "")

	if target == "" || target == existing.Status {
		return e.store.Get(ctx, tenantID, id)
	}

	switch target {
	case campaign.StatusPaused:
		return e.Pause(ctx, tenantID, id)
	case campaign.StatusCancelled:
		return e.cancel(ctx, existing.TenantID, id, existing.Status)
	case campaign.StatusCompleted:
		if err := e.Complete(ctx, id, "completed by update"); err != nil {
			return nil, err
		}
		return e.store.Get(ctx, tenantID, id)
	case campaign.StatusScheduled:
		if err := e.store.Transition(ctx, id, []campaign.Status{existing.Status}, campaign.StatusScheduled); err != nil {
			return nil, err
		}
		e.appendLog(ctx, id, ActionScheduled, "")
	case campaign.StatusActive:
		switch existing.Status {
		case campaign.StatusPaused:
			return e.Resume(ctx, tenantID, id)
		case campaign.StatusDraft:
			return e.Launch(ctx, tenantID, id)
		}
		if _, err := e.Execute(ctx, id); err != nil {
			return nil, err
		}
	}
	return e.store.Get(ctx, tenantID, id)
}

// Launch starts a draft campaign. Campaigns scheduled in the future become
// scheduled, event-based campaigns become active and wait for events, all
// others are executed right away.
func (e *Engine) Launch(ctx context.Context, tenantID, id string) (*campaign.Campaign, error) {
	c, err := e.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With("campaign_id", id, "trigger", c.TriggerType)

	switch {
	case c.TriggerType == campaign.TriggerScheduled && c.ScheduledAt != nil && c.ScheduledAt.After(e.now()):
		if err := e.store.Transition(ctx, id, []campaign.Status{campaign.StatusDraft}, campaign.StatusScheduled); err != nil {
			return nil, err
		}
		e.appendLog(ctx, id, ActionScheduled, "")
		logger.Info("campaign scheduled", "scheduled_at", c.ScheduledAt)

	case c.TriggerType == campaign.TriggerEvent:
		if err := e.store.Transition(ctx, id, []campaign.Status{campaign.StatusDraft}, campaign.StatusActive); err != nil {
			return nil, err
		}
		logger.Info("campaign waiting for events", "events", c.EventTriggers.Events)

	default:
		if c.Status != campaign.StatusDraft {
			return nil, &campaign.TransitionError{From: c.Status, To: campaign.StatusActive}
		}
		if _, err := e.Execute(ctx, id); err != nil {
			return nil, err
		}
	}

	return e.store.Get(ctx, tenantID, id)
}

// Execute runs one execution of a campaign over its full audience
func (e *Engine) Execute(ctx context.Context, id string) (*Result, error) {
	return e.execute(ctx, id, "")
}

// ExecuteFor runs one execution restricted to a single recipient of the audience
func (e *Engine) ExecuteFor(ctx context.Context, id, recipientID string) (*Result, error) {
	return e.execute(ctx, id, recipientID)
}

func (e *Engine) execute(ctx context.Context, id, recipientID string) (result *Result, err error) {
	c, err := e.store.Get(ctx, "", id)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With("campaign_id", id, "tenant_id", c.TenantID, "trigger", c.TriggerType)

	// Standing triggers run again while active, one-shot campaigns only from draft or scheduled
	standing := c.Status == campaign.StatusActive && !c.IsOneShot()
	if !standing && c.Status != campaign.StatusDraft && c.Status != campaign.StatusScheduled {
		return nil, &campaign.TransitionError{From: c.Status, To: campaign.StatusActive}
	}

	recipients, err := e.resolver.Resolve(ctx, c.TenantID, c.TargetAudience)
	if err != nil {
		metrics.IncCampaignExecutions(string(c.TriggerType), "resolve_error")
		return nil, fmt.Errorf("failed to resolve audience: %w", err)
	}
	audienceSize := len(recipients)
	if recipientID != "" {
		recipients = audience.Narrow(recipients, recipientID)
	}

	// Conditional activation: a concurrent launch of the same campaign loses here
	if !standing {
		from := []campaign.Status{campaign.StatusDraft, campaign.StatusScheduled}
		if err := e.store.Transition(ctx, id, from, campaign.StatusActive); err != nil {
			return nil, err
		}
		c.Status = campaign.StatusActive
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panic: %v", r)
		}
		if err != nil {
			e.fail(ctx, c, err)
		}
	}()

	result, err = e.enqueueAll(ctx, c, recipients, logger)
	if err != nil {
		return nil, err
	}

	if recipientID == "" {
		if err := e.store.SetEstimatedRecipients(ctx, id, int64(audienceSize)); err != nil {
			return nil, err
		}
	}
	if err := e.store.RecordExecution(ctx, id, e.now()); err != nil {
		return nil, err
	}

	if result.Interrupted {
		e.appendLog(ctx, id, ActionInterrupted, "")
		metrics.IncCampaignExecutions(string(c.TriggerType), "interrupted")
		logger.Warn("execution interrupted", "execution_id", result.ExecutionID, "enqueued", result.Enqueued)
		return result, nil
	}

	e.appendLog(ctx, id, ActionExecuted, "")
	metrics.IncCampaignExecutions(string(c.TriggerType), "success")

	if c.IsOneShot() {
		err := e.store.Transition(ctx, id, []campaign.Status{campaign.StatusActive}, campaign.StatusCompleted)
		switch {
		case err == nil:
			e.appendLog(ctx, id, ActionCompleted, "")
		case errors.Is(err, campaign.ErrInvalidTransition):
			// Paused or cancelled right after the last batch
			logger.Info("campaign left active status before completion", "error", err)
		default:
			return nil, err
		}
	}

	logger.Info("campaign executed",
		"execution_id", result.ExecutionID,
		"recipients", result.Recipients,
		"enqueued", result.Enqueued,
		"failed", result.Failed,
		"unassigned", result.Unassigned,
	)
	return result, nil
}

// dispatch is one (variant, recipient) pair of an execution
type dispatch struct {
	group     *variant.Group
	recipient campaign.Recipient
}

func (e *Engine) enqueueAll(ctx context.Context, c *campaign.Campaign, recipients []campaign.Recipient, logger *slog.Logger) (*Result, error) {
	alloc := variant.Allocate(c, recipients, e.cfg.RemainderPolicy)

	result := &Result{
		ExecutionID: uuid.New().String(),
		Recipients:  len(recipients),
		Unassigned:  len(alloc.Unassigned),
	}

	if len(alloc.Unassigned) > 0 {
		msg := fmt.Sprintf("%d recipients left unassigned by variant rounding", len(alloc.Unassigned))
		logger.Warn("recipients unassigned", "count", len(alloc.Unassigned), "policy", e.cfg.RemainderPolicy)
		e.appendLog(ctx, c.ID, ActionUnassigned, msg)
	}

	var plan []dispatch
	for gi := range alloc.Groups {
		g := &alloc.Groups[gi]
		for _, r := range g.Recipients {
			plan = append(plan, dispatch{group: g, recipient: r})
		}
	}

	for start := 0; start < len(plan); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(plan))

		// Counted before the jobs exist so delivered never overtakes sent
		if err := e.store.IncrementCounter(ctx, c.ID, campaign.CounterSent, int64(end-start)); err != nil {
			return nil, err
		}

		for i := start; i < end; i++ {
			d := plan[i]
			job := e.buildJob(c, d.group, d.recipient, result.ExecutionID)
			delay := ThrottleDelay(c.Settings.Throttling, i)

			if err := e.queue.Enqueue(ctx, job, delay, e.cfg.Retry); err != nil {
				result.Failed++
				logger.Warn("failed to enqueue job", "recipient_id", d.recipient.ID, "variant_id", d.group.ID, "error", err)
				if err := e.store.IncrementCounter(ctx, c.ID, campaign.CounterFailed, 1); err != nil {
					logger.Error("failed to count enqueue failure", "error", err)
				}
				continue
			}
			result.Enqueued++
			metrics.IncJobsEnqueued(string(c.Type))
		}

		current, err := e.store.Get(ctx, "", c.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != campaign.StatusActive {
			// Pause or cancel may have cleared the queue while this batch was going in
			removed := e.removePending(ctx, c.ID)
			logger.Debug("withdrew jobs enqueued after status change", "status", current.Status, "removed", removed)
			result.Interrupted = true
			return result, nil
		}
	}

	return result, nil
}

func (e *Engine) buildJob(c *campaign.Campaign, g *variant.Group, r campaign.Recipient, executionID string) *queue.Job {
	return &queue.Job{
		Kind:           queue.KindCampaign,
		TenantID:       c.TenantID,
		CampaignID:     c.ID,
		VariantID:      g.ID,
		RecipientID:    r.ID,
		Channel:        string(c.Type),
		Address:        r.Address(c.Type),
		Subject:        g.Subject,
		Body:           g.Body,
		HTML:           g.HTML,
		TemplateData:   templateData(c.Content.Variables, r),
		IdempotencyKey: c.ID + ":" + g.ID + ":" + r.ID,
		ExecutionID:    executionID,
	}
}

// templateData merges campaign variables with recipient data, the recipient winning
func templateData(vars map[string]string, r campaign.Recipient) map[string]string {
	data := make(map[string]string, len(vars)+len(r.Attributes)+4)
	for k, v := range vars {
		data[k] = v
	}
	for k, v := range r.TemplateData() {
		data[k] = v
	}
	return data
}

// fail cancels a campaign whose execution aborted after activation
func (e *Engine) fail(ctx context.Context, c *campaign.Campaign, cause error) {
	e.logger.Error("campaign execution failed", "campaign_id", c.ID, "error", cause)
	metrics.IncCampaignExecutions(string(c.TriggerType), "error")

	from := []campaign.Status{campaign.StatusActive, campaign.StatusPaused, campaign.StatusScheduled}
	if err := e.store.Transition(ctx, c.ID, from, campaign.StatusCancelled); err != nil {
		e.logger.Error("failed to cancel campaign", "campaign_id", c.ID, "error", err)
	}
	e.appendLog(ctx, c.ID, ActionFailed, cause.Error())
}

// Pause stops an active campaign and removes its not yet processed jobs.
// Jobs already claimed by a worker still complete.
func (e *Engine) Pause(ctx context.Context, tenantID, id string) (*campaign.Campaign, error) {
	if _, err := e.store.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}

	if err := e.store.Transition(ctx, id, []campaign.Status{campaign.StatusActive}, campaign.StatusPaused); err != nil {
		return nil, err
	}

	removed := e.removePending(ctx, id)
	e.appendLog(ctx, id, ActionPaused, "")
	e.logger.Info("campaign paused", "campaign_id", id, "removed_jobs", removed)

	return e.store.Get(ctx, tenantID, id)
}

// Resume reactivates a paused campaign. Removed jobs are not enqueued again.
func (e *Engine) Resume(ctx context.Context, tenantID, id string) (*campaign.Campaign, error) {
	if _, err := e.store.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}

	if err := e.store.Transition(ctx, id, []campaign.Status{campaign.StatusPaused}, campaign.StatusActive); err != nil {
		return nil, err
	}
	e.appendLog(ctx, id, ActionResumed, "")
	e.logger.Info("campaign resumed", "campaign_id", id)

	return e.store.Get(ctx, tenantID, id)
}

// Complete marks an active campaign completed, used when a recurring campaign is exhausted
func (e *Engine) Complete(ctx context.Context, id, reason string) error {
	if err := e.store.Transition(ctx, id, []campaign.Status{campaign.StatusActive}, campaign.StatusCompleted); err != nil {
		return err
	}
	e.appendLog(ctx, id, ActionCompleted, reason)
	e.logger.Info("campaign completed", "campaign_id", id, "reason", reason)
	return nil
}

// Delete cancels a running campaign, drops its pending jobs and soft deletes it
func (e *Engine) Delete(ctx context.Context, tenantID, id string) error {
	c, err := e.store.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	switch c.Status {
	case campaign.StatusActive, campaign.StatusScheduled, campaign.StatusPaused:
		if _, err := e.cancel(ctx, c.TenantID, id, c.Status); err != nil {
			return err
		}
	}

	if err := e.store.SoftDelete(ctx, tenantID, id); err != nil {
		return err
	}
	e.appendLog(ctx, id, ActionDeleted, "")
	e.logger.Info("campaign deleted", "campaign_id", id)
	return nil
}

func (e *Engine) cancel(ctx context.Context, tenantID, id string, from campaign.Status) (*campaign.Campaign, error) {
	if err := e.store.Transition(ctx, id, []campaign.Status{from}, campaign.StatusCancelled); err != nil {
		return nil, err
	}
	removed := e.removePending(ctx, id)
	e.appendLog(ctx, id, ActionCancelled, "")
	e.logger.Info("campaign cancelled", "campaign_id", id, "removed_jobs", removed)

	return e.store.Get(ctx, tenantID, id)
}

// removePending deletes every queued job of a campaign that no worker claimed yet
func (e *Engine) removePending(ctx context.Context, id string) int {
	jobs, err := e.queue.ListPending(ctx, id)
	if err != nil {
		e.logger.Error("failed to list pending jobs", "campaign_id", id, "error", err)
		return 0
	}

	removed := 0
	for _, job := range jobs {
		err := e.queue.Remove(ctx, job.ID)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, queue.ErrJobInFlight), errors.Is(err, queue.ErrJobNotFound):
		default:
			e.logger.Error("failed to remove job", "job_id", job.ID, "error", err)
		}
	}
	return removed
}

func (e *Engine) appendLog(ctx context.Context, id, action, msg string) {
	if err := e.store.AppendLog(ctx, id, action, msg); err != nil {
		e.logger.Error("failed to append execution log", "campaign_id", id, "action", action, "error", err)
	}
}

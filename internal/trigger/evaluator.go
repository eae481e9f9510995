// Package trigger decides which campaigns run now: due schedules, recurring
// cadences and matching domain events.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/events"
)

// Executor runs campaign executions
type Executor interface {
	Execute(ctx context.Context, id string) (*engine.Result, error)
	ExecuteFor(ctx context.Context, id, recipientID string) (*engine.Result, error)
	Complete(ctx context.Context, id, reason string) error
}

// Store lists trigger candidates
type Store interface {
	ListByStatus(ctx context.Context, status campaign.Status, trigger campaign.TriggerType) ([]campaign.Campaign, error)
	ListForEvent(ctx context.Context, tenantID, event string) ([]campaign.Campaign, error)
}

// Config contains evaluator intervals
type Config struct {
	ScheduleInterval  time.Duration
	RecurringInterval time.Duration
	// DelayUnit is the length of one unit of an event trigger delay (default one minute)
	DelayUnit time.Duration
}

// Evaluator runs the schedule and recurrence loops and reacts to events
type Evaluator struct {
	store    Store
	executor Executor
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	baseCtx context.Context
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// delayed event executions
	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
	running sync.WaitGroup
}

// New creates a new trigger evaluator
func New(store Store, executor Executor, cfg Config, logger *slog.Logger) *Evaluator {
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = time.Minute
	}
	if cfg.RecurringInterval <= 0 {
		cfg.RecurringInterval = time.Hour
	}
	if cfg.DelayUnit <= 0 {
		cfg.DelayUnit = time.Minute
	}

	return &Evaluator{
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With("component", "trigger"),
		now:      func() time.Time { return time.Now().UTC() },
		baseCtx:  context.Background(),
		stopCh:   make(chan struct{}),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Start starts both evaluation loops
func (e *Evaluator) Start(ctx context.Context) {
	e.baseCtx = ctx

	e.wg.Add(2)
	go e.loop(ctx, e.cfg.ScheduleInterval, func(ctx context.Context) { e.RunScheduled(ctx) })
	go e.loop(ctx, e.cfg.RecurringInterval, func(ctx context.Context) { e.RunRecurring(ctx) })

	e.logger.Info("trigger evaluator started",
		"schedule_interval", e.cfg.ScheduleInterval,
		"recurring_interval", e.cfg.RecurringInterval,
	)
}

// Stop stops the loops, drops delayed event executions and waits for running ones
func (e *Evaluator) Stop() {
	close(e.stopCh)
	e.wg.Wait()

	e.mu.Lock()
	e.stopped = true
	dropped := 0
	for t := range e.timers {
		if t.Stop() {
			dropped++
			e.running.Done()
		}
	}
	e.timers = nil
	e.mu.Unlock()

	e.running.Wait()
	e.logger.Info("trigger evaluator stopped", "dropped_delayed", dropped)
}

func (e *Evaluator) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// RunScheduled executes every scheduled campaign whose time has come
func (e *Evaluator) RunScheduled(ctx context.Context) int {
	candidates, err := e.store.ListByStatus(ctx, campaign.StatusScheduled, "")
	if err != nil {
		e.logger.Error("failed to list scheduled campaigns", "error", err)
		return 0
	}

	now := e.now()
	started := 0
	for i := range candidates {
		c := &candidates[i]
		if !ScheduledDue(c, now) {
			continue
		}

		if _, err := e.executor.Execute(ctx, c.ID); err != nil {
			e.logger.Error("failed to execute scheduled campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		started++
		e.logger.Info("started scheduled campaign", "campaign_id", c.ID, "scheduled_at", c.ScheduledAt)
	}
	return started
}

// RunRecurring executes due recurring campaigns and completes exhausted ones
func (e *Evaluator) RunRecurring(ctx context.Context) int {
	candidates, err := e.store.ListByStatus(ctx, campaign.StatusActive, campaign.TriggerRecurring)
	if err != nil {
		e.logger.Error("failed to list recurring campaigns", "error", err)
		return 0
	}

	now := e.now()
	started := 0
	for i := range candidates {
		c := &candidates[i]
		logger := e.logger.With("campaign_id", c.ID)

		switch Evaluate(c, now) {
		case DecisionExhausted:
			if err := e.executor.Complete(ctx, c.ID, "recurrence exhausted"); err != nil {
				logger.Error("failed to complete recurring campaign", "error", err)
			}
		case DecisionRun:
			if _, err := e.executor.Execute(ctx, c.ID); err != nil {
				logger.Error("failed to execute recurring campaign", "error", err)
				continue
			}
			started++
		}
	}
	return started
}

// HandleEvent starts matching event-based campaigns without blocking the caller
func (e *Evaluator) HandleEvent(ctx context.Context, ev events.Event) {
	candidates, err := e.store.ListForEvent(ctx, ev.TenantID, ev.Name)
	if err != nil {
		e.logger.Error("failed to list campaigns for event", "event", ev.Name, "error", err)
		return
	}

	recipientID := recipientOf(ev)
	for i := range candidates {
		c := &candidates[i]
		if !MatchesEvent(c, ev) {
			continue
		}

		delay := time.Duration(c.EventTriggers.DelayMinutes) * e.cfg.DelayUnit
		e.logger.Debug("event matched campaign",
			"event", ev.Name,
			"campaign_id", c.ID,
			"recipient_id", recipientID,
			"delay", delay,
		)
		e.schedule(c.ID, recipientID, delay)
	}
}

// schedule runs an event execution in the background after delay
func (e *Evaluator) schedule(campaignID, recipientID string, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		e.logger.Warn("evaluator stopped, dropping event execution", "campaign_id", campaignID)
		return
	}

	e.running.Add(1)
	if delay <= 0 {
		go func() {
			defer e.running.Done()
			e.runEvent(campaignID, recipientID)
		}()
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer e.running.Done()

		e.mu.Lock()
		delete(e.timers, t)
		e.mu.Unlock()

		e.runEvent(campaignID, recipientID)
	})
	e.timers[t] = struct{}{}
}

func (e *Evaluator) runEvent(campaignID, recipientID string) {
	ctx := e.baseCtx
	logger := e.logger.With("campaign_id", campaignID, "recipient_id", recipientID)

	var err error
	if recipientID != "" {
		_, err = e.executor.ExecuteFor(ctx, campaignID, recipientID)
	} else {
		_, err = e.executor.Execute(ctx, campaignID)
	}

	switch {
	case err == nil:
		logger.Info("event execution finished")
	case errors.Is(err, campaign.ErrInvalidTransition):
		logger.Info("campaign no longer active, event ignored", "error", err)
	default:
		logger.Error("event execution failed", "error", err)
	}
}

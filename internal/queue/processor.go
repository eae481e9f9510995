package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler delivers a single job. A returned error triggers the job's retry policy.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// ErrorChecker reports whether an error is worth retrying
type ErrorChecker func(err error) bool

// DeadLetterHandler is called once a job exhausted its attempts or failed permanently
type DeadLetterHandler func(ctx context.Context, job *Job, err error)

// Processor drains the queue with a pool of workers
type Processor struct {
	queue         Queue
	handler       Handler
	workers       int
	pollInterval  time.Duration
	handleTimeout time.Duration
	isTemporary   ErrorChecker
	onDead        DeadLetterHandler
	logger        *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers       int
	PollInterval  time.Duration
	HandleTimeout time.Duration
}

// NewProcessor creates a new queue processor
func NewProcessor(q Queue, handler Handler, cfg ProcessorConfig, isTemp ErrorChecker, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 2 * time.Minute
	}
	if isTemp == nil {
		isTemp = func(err error) bool { return true }
	}

	return &Processor{
		queue:         q,
		handler:       handler,
		workers:       cfg.Workers,
		pollInterval:  cfg.PollInterval,
		handleTimeout: cfg.HandleTimeout,
		isTemporary:   isTemp,
		logger:        logger.With("component", "processor"),
		stopCh:        make(chan struct{}),
	}
}

// OnDeadLetter registers the hook called for terminally failed jobs
func (p *Processor) OnDeadLetter(fn DeadLetterHandler) {
	p.onDead = fn
}

// Start starts the processor workers
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting queue processor", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully. Jobs being handled finish first.
func (p *Processor) Stop() {
	p.logger.Info("stopping queue processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			// Drain everything that is ready before sleeping again
			for p.processOne(ctx, logger) {
				select {
				case <-ctx.Done():
					return
				case <-p.stopCh:
					return
				default:
				}
			}
		}
	}
}

// Drain processes ready jobs on the calling goroutine until none is left
func (p *Processor) Drain(ctx context.Context) int {
	n := 0
	for p.processOne(ctx, p.logger) {
		n++
	}
	return n
}

// processOne handles a single job, reporting whether one was ready
func (p *Processor) processOne(ctx context.Context, logger *slog.Logger) bool {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue job", "error", err)
		return false
	}
	if job == nil {
		return false
	}

	logger = logger.With("job_id", job.ID, "campaign_id", job.CampaignID, "recipient_id", job.RecipientID)
	logger.Debug("processing job", "attempt", job.Attempts+1)

	job.Attempts++
	err = p.handle(ctx, job)

	if err == nil {
		job.Status = StatusDelivered
		job.LastError = ""
		if err := p.queue.Update(ctx, job); err != nil {
			logger.Error("failed to update job status", "error", err)
		}
		logger.Debug("job delivered", "channel", job.Channel)
		return true
	}

	job.LastError = err.Error()

	if p.isTemporary(err) && job.Attempts < job.Retry.MaxAttempts {
		backoff := Backoff(job.Retry, job.Attempts)
		job.Status = StatusDeferred
		job.NextAttemptAt = time.Now().UTC().Add(backoff)

		logger.Warn("job deferred",
			"error", err,
			"attempts", job.Attempts,
			"next_attempt_at", job.NextAttemptAt,
			"backoff", backoff,
		)

		if err := p.queue.Update(ctx, job); err != nil {
			logger.Error("failed to update job status", "error", err)
		}
		return true
	}

	logger.Error("job failed permanently",
		"error", err,
		"attempts", job.Attempts,
		"max_attempts", job.Retry.MaxAttempts,
	)

	if err := p.queue.MoveToDLQ(ctx, job); err != nil {
		logger.Error("failed to move job to DLQ", "error", err)
	}
	if p.onDead != nil {
		p.onDead(ctx, job, err)
	}
	return true
}

func (p *Processor) handle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	handleCtx, cancel := context.WithTimeout(ctx, p.handleTimeout)
	defer cancel()
	return p.handler.Handle(handleCtx, job)
}

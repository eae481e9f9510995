package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings. A zero age or interval disables that sweep.
type CleanerConfig struct {
	DeliveredMaxAge   time.Duration
	DeliveredInterval time.Duration

	DLQMaxAge   time.Duration
	DLQMaxCount int
	DLQInterval time.Duration
}

// sweep is one retention rule run on its own interval
type sweep struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (int, error)
}

// Cleaner drops delivered jobs and trims the dead letter queue in the background
type Cleaner struct {
	storage *BoltStorage
	sweeps  []sweep
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	c := &Cleaner{
		storage: storage,
		logger:  logger.With("component", "cleaner"),
		done:    make(chan struct{}),
	}

	if cfg.DeliveredMaxAge > 0 {
		c.sweeps = append(c.sweeps, sweep{
			name:     "delivered",
			interval: cfg.DeliveredInterval,
			run: func(ctx context.Context) (int, error) {
				return storage.CleanupDelivered(ctx, cfg.DeliveredMaxAge)
			},
		})
	}
	if cfg.DLQMaxAge > 0 || cfg.DLQMaxCount > 0 {
		c.sweeps = append(c.sweeps, sweep{
			name:     "dlq",
			interval: cfg.DLQInterval,
			run: func(ctx context.Context) (int, error) {
				return storage.CleanupDLQ(ctx, cfg.DLQMaxAge, cfg.DLQMaxCount)
			},
		})
	}

	return c
}

// RunOnce applies every configured sweep once and returns the number of removed jobs
func (c *Cleaner) RunOnce(ctx context.Context) int {
	removed := 0
	for _, s := range c.sweeps {
		removed += c.apply(ctx, s)
	}
	return removed
}

// Start runs each sweep immediately and then on its interval
func (c *Cleaner) Start(ctx context.Context) {
	started := 0
	for _, s := range c.sweeps {
		if s.interval <= 0 {
			continue
		}
		c.wg.Add(1)
		go c.loop(ctx, s)
		started++
	}

	c.logger.Info("cleaner started", "sweeps", started)
}

// Stop stops the cleaner and waits for running sweeps
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context, s sweep) {
	defer c.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	c.apply(ctx, s)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.apply(ctx, s)
		}
	}
}

func (c *Cleaner) apply(ctx context.Context, s sweep) int {
	removed, err := s.run(ctx)
	if err != nil {
		c.logger.Error("retention sweep failed", "sweep", s.name, "error", err)
		return 0
	}
	if removed > 0 {
		c.logger.Info("retention sweep removed jobs", "sweep", s.name, "removed", removed)
	}
	return removed
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/foxzi/herald/internal/analytics"
	"github.com/foxzi/herald/internal/api"
	"github.com/foxzi/herald/internal/audience"
	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/channel"
	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/db"
	"github.com/foxzi/herald/internal/delivery"
	"github.com/foxzi/herald/internal/dkim"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/events"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/ratelimit"
	"github.com/foxzi/herald/internal/reminder"
	"github.com/foxzi/herald/internal/repository"
	"github.com/foxzi/herald/internal/sandbox"
	"github.com/foxzi/herald/internal/tracking"
	"github.com/foxzi/herald/internal/trigger"
	"github.com/foxzi/herald/internal/variant"
)

// App is the main application
type App struct {
	config  *config.Config
	logger  *slog.Logger
	logFile io.Closer

	database  *db.DB
	queue     *queue.BoltStorage
	rateStore ratelimit.Store

	engine    *engine.Engine
	bus       *events.Bus
	evaluator *trigger.Evaluator
	processor *queue.Processor
	cleaner   *queue.Cleaner
	apiServer *api.Server

	metricsCollector *metrics.Collector
	metricsServer    *metrics.Server
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger, logFile := setupLogger(cfg.Logging)

	a := &App{config: cfg, logger: logger, logFile: logFile}
	if err := a.build(version); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(version string) error {
	cfg := a.config
	logger := a.logger

	database, err := db.New(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.database = database
	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.QueuePath)
	if err != nil {
		return fmt.Errorf("failed to create queue storage: %w", err)
	}
	a.queue = storage

	campaigns := repository.NewCampaignRepository(database.DB)
	recipients := repository.NewRecipientRepository(database.DB)

	policy, err := variant.ParsePolicy(cfg.Allocation.RemainderPolicy)
	if err != nil {
		return err
	}
	retry := retryPolicy(cfg.Queue)

	a.engine = engine.New(campaigns, audience.NewResolver(recipients, logger), storage, engine.Config{
		RemainderPolicy: policy,
		Retry:           retry,
		BatchSize:       cfg.Queue.BatchSize,
	}, logger)

	senders, err := a.buildSenders(storage)
	if err != nil {
		return err
	}

	deliveryProcessor := delivery.NewProcessor(campaigns, senders, delivery.Config{
		TrackingBaseURL: cfg.Tracking.BaseURL,
		SendTimeout:     cfg.Channels.SendTimeout,
		SMSMaxLength:    cfg.Channels.SMSMaxLength,
		RatePerSecond:   cfg.Channels.Rates,
	}, logger)

	a.processor = queue.NewProcessor(storage, deliveryProcessor, queue.ProcessorConfig{
		Workers:       cfg.Queue.Workers,
		PollInterval:  cfg.Queue.PollInterval,
		HandleTimeout: cfg.Queue.HandleTimeout,
	}, channel.IsTemporary, logger)
	a.processor.OnDeadLetter(deliveryProcessor.OnDeadLetter)

	a.cleaner = queue.NewCleaner(storage, queue.CleanerConfig{
		DeliveredMaxAge:   cfg.Storage.Retention.DeliveredMaxAge,
		DeliveredInterval: cfg.Storage.Retention.CleanupInterval,
		DLQMaxAge:         cfg.Queue.DLQ.MaxAge,
		DLQMaxCount:       cfg.Queue.DLQ.MaxCount,
		DLQInterval:       cfg.Queue.DLQ.CleanupInterval,
	}, logger)

	a.evaluator = trigger.New(campaigns, a.engine, trigger.Config{
		ScheduleInterval:  cfg.Scheduler.ScheduleInterval,
		RecurringInterval: cfg.Scheduler.RecurringInterval,
	}, logger)

	a.bus = events.NewBus(cfg.Events.BufferSize, logger)
	a.bus.Subscribe(events.Wildcard, a.evaluator.HandleEvent)

	if cfg.Reminders.Enabled {
		scheduler := reminder.New(storage, recipients, reminder.Config{
			Intervals: cfg.Reminders.Intervals,
			Channel:   campaign.Type(cfg.Reminders.Channel),
			Subject:   cfg.Reminders.Subject,
			Body:      cfg.Reminders.Body,
			Retry:     retry,
		}, logger)
		for _, name := range []string{
			reminder.EventAppointmentCreated,
			reminder.EventAppointmentRescheduled,
			reminder.EventAppointmentCancelled,
		} {
			a.bus.Subscribe(name, scheduler.HandleEvent)
		}
		logger.Info("appointment reminders enabled", "intervals", cfg.Reminders.Intervals, "channel", cfg.Reminders.Channel)
	}

	rateStore, err := newRateStore(cfg.RateLimit)
	if err != nil {
		return err
	}
	a.rateStore = rateStore

	var guardLimiter, tenantLimiter *ratelimit.Limiter
	if cfg.Tracking.GuardPerMinute > 0 {
		guardLimiter = ratelimit.NewLimiter(rateStore, map[ratelimit.Level]ratelimit.LimitConfig{
			ratelimit.LevelTrackingIP: {PerMinute: cfg.Tracking.GuardPerMinute},
		})
	}
	if t := cfg.RateLimit.Tenant; t.PerMinute > 0 || t.PerHour > 0 || t.PerDay > 0 {
		tenantLimiter = ratelimit.NewLimiter(rateStore, map[ratelimit.Level]ratelimit.LimitConfig{
			ratelimit.LevelTenant: {PerMinute: t.PerMinute, PerHour: t.PerHour, PerDay: t.PerDay},
		})
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		collector, err := metrics.NewCollector(storage.DB(), m, queueStats{storage}, cfg.Storage.QueuePath, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsCollector = collector
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
	}

	a.apiServer = api.NewServer(cfg, api.Deps{
		Engine:     a.engine,
		Campaigns:  campaigns,
		Recipients: recipients,
		Analytics:  analytics.New(campaigns),
		Tracker:    tracking.NewCollector(campaigns, recipients, logger),
		Guard:      tracking.NewGuard(guardLimiter, logger),
		Events:     a.bus,
		Queue:      storage,
		Limiter:    tenantLimiter,
		Version:    version,
	}, logger)

	return nil
}

// buildSenders creates the channel senders, wrapped by the sandbox when enabled
func (a *App) buildSenders(storage *queue.BoltStorage) (delivery.Senders, error) {
	ch := a.config.Channels

	var signer *dkim.Signer
	if ch.DKIM.Enabled {
		s, err := dkim.Load(dkim.Config{Domain: ch.DKIM.Domain, Selector: ch.DKIM.Selector, KeyFile: ch.DKIM.KeyFile})
		if err != nil {
			return delivery.Senders{}, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		signer = s
		a.logger.Info("DKIM signing enabled", "domain", s.Domain(), "selector", s.Selector())
	}

	smtpSender := channel.NewSMTPSender(channel.SMTPConfig{
		Host:               ch.SMTP.Host,
		Port:               ch.SMTP.Port,
		Username:           ch.SMTP.Username,
		Password:           ch.SMTP.Password,
		TLS:                ch.SMTP.TLS,
		InsecureSkipVerify: ch.SMTP.InsecureSkipVerify,
		Hostname:           ch.SMTP.Hostname,
		From:               ch.SMTP.From,
		Timeout:            ch.SMTP.Timeout,
	}, signer, a.logger)

	if ch.Sandbox.Enabled {
		sandboxStorage, err := sandbox.NewStorage(storage.DB())
		if err != nil {
			return delivery.Senders{}, fmt.Errorf("failed to create sandbox storage: %w", err)
		}
		sender := sandbox.NewSender(sandboxStorage, smtpSender, sandbox.Config{
			RedirectEmail:    ch.Sandbox.RedirectEmail,
			SimulateErrors:   ch.Sandbox.SimulateErrors,
			ErrorProbability: ch.Sandbox.ErrorProbability,
		}, a.logger)
		a.logger.Warn("sandbox mode enabled, messages are captured instead of delivered",
			"redirect_email", ch.Sandbox.RedirectEmail,
			"simulate_errors", ch.Sandbox.SimulateErrors,
		)
		return delivery.Senders{Email: sender, SMS: sender, InApp: sender}, nil
	}

	return delivery.Senders{
		Email: smtpSender,
		SMS:   channel.NewGateway(channel.GatewayConfig{URL: ch.SMS.URL, Token: ch.SMS.Token, Timeout: ch.SMS.Timeout}),
		InApp: channel.NewGateway(channel.GatewayConfig{URL: ch.InApp.URL, Token: ch.InApp.Token, Timeout: ch.InApp.Timeout}),
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting herald",
		"api_addr", a.config.API.ListenAddr,
		"workers", a.config.Queue.Workers,
		"tracking_base_url", a.config.Tracking.BaseURL,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.processor.Start(ctx)
	a.cleaner.Start(ctx)
	a.evaluator.Start(ctx)
	if a.metricsCollector != nil {
		a.metricsCollector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop intake first: no new requests, events or triggers
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	a.bus.Close()
	a.evaluator.Stop()

	a.processor.Stop()
	a.cleaner.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.metricsCollector != nil {
		// persists counters before the queue database closes
		if err := a.metricsCollector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.logger.Info("shutdown complete")
	a.close()
	return nil
}

// close releases stores in reverse order of creation
func (a *App) close() {
	if a.rateStore != nil {
		if err := a.rateStore.Close(); err != nil {
			a.logger.Error("rate limit store close error", "error", err)
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Error("queue close error", "error", err)
		}
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func retryPolicy(cfg config.QueueConfig) queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     queue.BackoffType(cfg.Backoff),
		BaseDelay:   cfg.BaseDelay,
	}
}

func newRateStore(cfg config.RateLimitConfig) (ratelimit.Store, error) {
	if cfg.Backend != "redis" {
		return ratelimit.NewMemoryStore(time.Minute), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := ratelimit.NewRedisStore(ctx, cfg.RedisURL, cfg.KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rate limit store: %w", err)
	}
	return store, nil
}

// queueStats adapts the dispatch queue to the metrics collector
type queueStats struct {
	storage *queue.BoltStorage
}

func (q queueStats) QueueStats(ctx context.Context) (*metrics.QueueStats, error) {
	s, err := q.storage.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.QueueStats{
		Pending:    s.Pending,
		Processing: s.Processing,
		Deferred:   s.Deferred,
		Dead:       s.Dead,
	}, nil
}

// setupLogger creates a logger based on configuration. With a log file set,
// records go to stdout and to a size-rotated file.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "HERALD_"

// Config is the main configuration structure
type Config struct {
	API        APIConfig        `yaml:"api" envPrefix:"API_"`
	Auth       AuthConfig       `yaml:"auth" envPrefix:"AUTH_"`
	Storage    StorageConfig    `yaml:"storage" envPrefix:"STORAGE_"`
	Queue      QueueConfig      `yaml:"queue" envPrefix:"QUEUE_"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Events     EventsConfig     `yaml:"events" envPrefix:"EVENTS_"`
	Tracking   TrackingConfig   `yaml:"tracking" envPrefix:"TRACKING_"`
	Channels   ChannelsConfig   `yaml:"channels" envPrefix:"CHANNELS_"`
	Allocation AllocationConfig `yaml:"allocation" envPrefix:"ALLOCATION_"`
	Reminders  RemindersConfig  `yaml:"reminders" envPrefix:"REMINDERS_"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr" env:"LISTEN_ADDR"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`   // Max request body (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// AuthConfig contains API authentication settings
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens carrying a tenant_id claim
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`

	// ServiceTokens are bcrypt hashes of static tokens allowed to publish events
	ServiceTokens []string `yaml:"service_tokens" env:"SERVICE_TOKENS" envSeparator:","`

	// DevMode trusts the X-Tenant-ID header instead of tokens. Never enable in production.
	DevMode bool `yaml:"dev_mode" env:"DEV_MODE"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	DatabasePath string          `yaml:"database_path" env:"DATABASE_PATH"` // sqlite campaign store
	QueuePath    string          `yaml:"queue_path" env:"QUEUE_PATH"`       // bbolt dispatch queue
	Retention    RetentionConfig `yaml:"retention"`
}

// RetentionConfig contains delivered job retention settings
type RetentionConfig struct {
	DeliveredMaxAge time.Duration `yaml:"delivered_max_age"` // 0 = keep forever
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// QueueConfig contains dispatch queue and worker settings
type QueueConfig struct {
	Workers       int           `yaml:"workers" env:"WORKERS"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	HandleTimeout time.Duration `yaml:"handle_timeout"`
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	Backoff       string        `yaml:"backoff"` // exponential, fixed
	// BatchSize is the number of jobs enqueued between campaign status checks
	BatchSize int       `yaml:"batch_size"`
	DLQ       DLQConfig `yaml:"dlq"`
}

// DLQConfig contains Dead Letter Queue settings
type DLQConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`   // 0 = keep forever
	MaxCount        int           `yaml:"max_count"` // 0 = unlimited
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SchedulerConfig contains trigger loop intervals
type SchedulerConfig struct {
	ScheduleInterval  time.Duration `yaml:"schedule_interval" env:"SCHEDULE_INTERVAL"`
	RecurringInterval time.Duration `yaml:"recurring_interval" env:"RECURRING_INTERVAL"`
}

// EventsConfig contains domain event bus settings
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// TrackingConfig contains open/click/unsubscribe tracking settings
type TrackingConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// FallbackURL receives clicks whose target is missing or unsafe
	FallbackURL string `yaml:"fallback_url" env:"FALLBACK_URL"`
	// GuardPerMinute caps tracking hits per client IP. 0 disables the guard.
	GuardPerMinute int `yaml:"guard_per_minute" env:"GUARD_PER_MINUTE"`
}

// ChannelsConfig contains delivery channel settings
type ChannelsConfig struct {
	SendTimeout  time.Duration      `yaml:"send_timeout" env:"SEND_TIMEOUT"`
	SMSMaxLength int                `yaml:"sms_max_length"`
	Rates        map[string]float64 `yaml:"rates"` // messages per second by channel
	SMTP         SMTPConfig         `yaml:"smtp" envPrefix:"SMTP_"`
	DKIM         DKIMConfig         `yaml:"dkim" envPrefix:"DKIM_"`
	SMS          GatewayConfig      `yaml:"sms" envPrefix:"SMS_"`
	InApp        GatewayConfig      `yaml:"in_app" envPrefix:"IN_APP_"`
	Sandbox      SandboxConfig      `yaml:"sandbox" envPrefix:"SANDBOX_"`
}

// SMTPConfig contains the email relay settings
type SMTPConfig struct {
	Host               string        `yaml:"host" env:"HOST"`
	Port               int           `yaml:"port" env:"PORT"`
	Username           string        `yaml:"username" env:"USERNAME"`
	Password           string        `yaml:"password" env:"PASSWORD"`
	TLS                string        `yaml:"tls" env:"TLS"` // none, starttls, tls
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Hostname           string        `yaml:"hostname"` // EHLO name
	From               string        `yaml:"from" env:"FROM"`
	Timeout            time.Duration `yaml:"timeout"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Domain   string `yaml:"domain" env:"DOMAIN"`
	Selector string `yaml:"selector" env:"SELECTOR"`
	KeyFile  string `yaml:"key_file" env:"KEY_FILE"`
}

// GatewayConfig contains an HTTP delivery provider endpoint
type GatewayConfig struct {
	URL     string        `yaml:"url" env:"URL"`
	Token   string        `yaml:"token" env:"TOKEN"`
	Timeout time.Duration `yaml:"timeout"`
}

// SandboxConfig replaces real delivery with message capture
type SandboxConfig struct {
	Enabled          bool    `yaml:"enabled" env:"ENABLED"`
	RedirectEmail    string  `yaml:"redirect_email" env:"REDIRECT_EMAIL"`
	SimulateErrors   bool    `yaml:"simulate_errors"`
	ErrorProbability float64 `yaml:"error_probability"`
}

// AllocationConfig contains A/B allocation settings
type AllocationConfig struct {
	RemainderPolicy string `yaml:"remainder_policy" env:"REMAINDER_POLICY"` // largest, unassigned
}

// RemindersConfig contains appointment reminder settings
type RemindersConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Intervals []int  `yaml:"intervals" env:"INTERVALS" envSeparator:","` // minutes before start
	Channel   string `yaml:"channel"`
	Subject   string `yaml:"subject"`
	Body      string `yaml:"body"`
}

// RateLimitConfig contains the keyed counter store and API limits
type RateLimitConfig struct {
	Backend   string `yaml:"backend" env:"BACKEND"` // memory, redis
	RedisURL  string `yaml:"redis_url" env:"REDIS_URL"`
	KeyPrefix string `yaml:"key_prefix"`

	// Tenant limits API requests per tenant. Zero values disable a window.
	Tenant LimitValues `yaml:"tenant"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json, text

	// File enables rotated file output in addition to stdout
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	ListenAddr    string        `yaml:"listen_addr" env:"LISTEN_ADDR"` // Default: :9090
	Path          string        `yaml:"path"`                          // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"`                // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`                   // IP addresses/CIDRs allowed to access metrics
}

// Load loads configuration from a YAML file and HERALD_* environment variables.
// An empty path uses the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.setDefaults()

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 1 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "/var/lib/herald/herald.db"
	}
	if c.Storage.QueuePath == "" {
		c.Storage.QueuePath = "/var/lib/herald/queue.db"
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.HandleTimeout == 0 {
		c.Queue.HandleTimeout = 2 * time.Minute
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.BaseDelay == 0 {
		c.Queue.BaseDelay = 2 * time.Second
	}
	if c.Queue.Backoff == "" {
		c.Queue.Backoff = "exponential"
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 100
	}
	if c.Queue.DLQ.CleanupInterval == 0 {
		c.Queue.DLQ.CleanupInterval = time.Hour
	}

	if c.Scheduler.ScheduleInterval == 0 {
		c.Scheduler.ScheduleInterval = time.Minute
	}
	if c.Scheduler.RecurringInterval == 0 {
		c.Scheduler.RecurringInterval = time.Hour
	}

	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 1000
	}

	if c.Tracking.BaseURL == "" {
		c.Tracking.BaseURL = "http://localhost" + c.API.ListenAddr
	}
	if c.Tracking.GuardPerMinute == 0 {
		c.Tracking.GuardPerMinute = 120
	}

	if c.Channels.SendTimeout == 0 {
		c.Channels.SendTimeout = 20 * time.Second
	}
	if c.Channels.SMSMaxLength == 0 {
		c.Channels.SMSMaxLength = 160
	}
	if c.Channels.SMTP.Port == 0 {
		c.Channels.SMTP.Port = 587
	}
	if c.Channels.SMTP.TLS == "" {
		c.Channels.SMTP.TLS = "starttls"
	}
	if c.Channels.SMTP.Timeout == 0 {
		c.Channels.SMTP.Timeout = 30 * time.Second
	}
	if c.Channels.SMTP.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Channels.SMTP.Hostname = hostname
	}
	if c.Channels.Sandbox.ErrorProbability == 0 {
		c.Channels.Sandbox.ErrorProbability = 0.1
	}

	if c.Allocation.RemainderPolicy == "" {
		c.Allocation.RemainderPolicy = "largest"
	}

	if len(c.Reminders.Intervals) == 0 {
		c.Reminders.Intervals = []int{24 * 60, 60}
	}
	if c.Reminders.Channel == "" {
		c.Reminders.Channel = "email"
	}

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.KeyPrefix == "" {
		c.RateLimit.KeyPrefix = "herald:rl:"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" && !c.Auth.DevMode {
		return fmt.Errorf("auth.jwt_secret is required unless auth.dev_mode is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Queue.Backoff != "exponential" && c.Queue.Backoff != "fixed" {
		return fmt.Errorf("invalid queue.backoff: %s (must be exponential or fixed)", c.Queue.Backoff)
	}
	if c.Queue.Workers < 0 || c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue.workers and queue.max_attempts must not be negative")
	}

	if c.Allocation.RemainderPolicy != "largest" && c.Allocation.RemainderPolicy != "unassigned" {
		return fmt.Errorf("invalid allocation.remainder_policy: %s (must be largest or unassigned)", c.Allocation.RemainderPolicy)
	}

	if err := c.validateChannels(); err != nil {
		return err
	}

	if err := c.validateReminders(); err != nil {
		return err
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			return fmt.Errorf("rate_limit.redis_url is required when backend is redis")
		}
	default:
		return fmt.Errorf("invalid rate_limit.backend: %s (must be memory or redis)", c.RateLimit.Backend)
	}

	return nil
}

// validateChannels validates delivery channel configuration
func (c *Config) validateChannels() error {
	ch := c.Channels

	switch ch.SMTP.TLS {
	case "none", "starttls", "tls":
	default:
		return fmt.Errorf("invalid channels.smtp.tls: %s (must be none, starttls, or tls)", ch.SMTP.TLS)
	}

	if ch.SMSMaxLength < 4 {
		return fmt.Errorf("channels.sms_max_length must be at least 4")
	}

	for name, rate := range ch.Rates {
		if rate < 0 {
			return fmt.Errorf("channels.rates.%s must not be negative", name)
		}
	}

	if ch.DKIM.Enabled {
		if ch.DKIM.Domain == "" {
			return fmt.Errorf("channels.dkim.domain is required when DKIM is enabled")
		}
		if ch.DKIM.Selector == "" {
			return fmt.Errorf("channels.dkim.selector is required when DKIM is enabled")
		}
		if ch.DKIM.KeyFile == "" {
			return fmt.Errorf("channels.dkim.key_file is required when DKIM is enabled")
		}
	}

	if ch.Sandbox.ErrorProbability < 0 || ch.Sandbox.ErrorProbability > 1 {
		return fmt.Errorf("channels.sandbox.error_probability must be between 0 and 1")
	}

	return nil
}

// validateReminders validates reminder configuration
func (c *Config) validateReminders() error {
	for _, minutes := range c.Reminders.Intervals {
		if minutes <= 0 {
			return fmt.Errorf("reminders.intervals must be positive minutes, got %d", minutes)
		}
	}

	switch c.Reminders.Channel {
	case "email", "sms", "push", "in_app":
	default:
		return fmt.Errorf("invalid reminders.channel: %s", c.Reminders.Channel)
	}

	return nil
}

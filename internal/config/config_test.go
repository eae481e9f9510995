package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
api:
  listen_addr: ":9080"

auth:
  jwt_secret: "secret"
  service_tokens:
    - "$2a$10$abcdefghijklmnopqrstuv"

storage:
  database_path: "/tmp/herald.db"
  queue_path: "/tmp/queue.db"

queue:
  workers: 2
  max_attempts: 5
  base_delay: 1m
  backoff: fixed

scheduler:
  schedule_interval: 30s

tracking:
  base_url: "https://t.example.org"

channels:
  send_timeout: 5s
  sms_max_length: 70
  rates:
    email: 10
    sms: 2.5
  smtp:
    host: "relay.example.org"
    port: 465
    tls: tls
  dkim:
    enabled: true
    domain: "example.org"
    selector: "herald"
    key_file: "/etc/herald/dkim.pem"

allocation:
  remainder_policy: unassigned

reminders:
  enabled: true
  intervals: [120, 15]
  channel: sms

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":9080" {
		t.Errorf("API.ListenAddr = %v, want :9080", cfg.API.ListenAddr)
	}
	if len(cfg.Auth.ServiceTokens) != 1 {
		t.Errorf("Auth.ServiceTokens = %v", cfg.Auth.ServiceTokens)
	}
	if cfg.Queue.Workers != 2 || cfg.Queue.MaxAttempts != 5 || cfg.Queue.Backoff != "fixed" {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Queue.BaseDelay != time.Minute {
		t.Errorf("Queue.BaseDelay = %v, want 1m", cfg.Queue.BaseDelay)
	}
	if cfg.Scheduler.ScheduleInterval != 30*time.Second {
		t.Errorf("Scheduler.ScheduleInterval = %v, want 30s", cfg.Scheduler.ScheduleInterval)
	}
	if cfg.Channels.Rates["sms"] != 2.5 {
		t.Errorf("Channels.Rates = %v", cfg.Channels.Rates)
	}
	if cfg.Channels.SMTP.Port != 465 || cfg.Channels.SMTP.TLS != "tls" {
		t.Errorf("Channels.SMTP = %+v", cfg.Channels.SMTP)
	}
	if cfg.Channels.SMSMaxLength != 70 {
		t.Errorf("Channels.SMSMaxLength = %v, want 70", cfg.Channels.SMSMaxLength)
	}
	if cfg.Allocation.RemainderPolicy != "unassigned" {
		t.Errorf("Allocation.RemainderPolicy = %v", cfg.Allocation.RemainderPolicy)
	}
	if len(cfg.Reminders.Intervals) != 2 || cfg.Reminders.Intervals[0] != 120 {
		t.Errorf("Reminders.Intervals = %v", cfg.Reminders.Intervals)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "auth:\n  dev_mode: true\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Queue.Workers != 4 {
		t.Errorf("Queue.Workers = %v, want 4", cfg.Queue.Workers)
	}
	if cfg.Scheduler.ScheduleInterval != time.Minute || cfg.Scheduler.RecurringInterval != time.Hour {
		t.Errorf("Scheduler = %+v, want 1m/1h", cfg.Scheduler)
	}
	if cfg.Channels.SendTimeout != 20*time.Second {
		t.Errorf("Channels.SendTimeout = %v, want 20s", cfg.Channels.SendTimeout)
	}
	if cfg.Channels.SMSMaxLength != 160 {
		t.Errorf("Channels.SMSMaxLength = %v, want 160", cfg.Channels.SMSMaxLength)
	}
	if cfg.Allocation.RemainderPolicy != "largest" {
		t.Errorf("Allocation.RemainderPolicy = %v, want largest", cfg.Allocation.RemainderPolicy)
	}
	if cfg.RateLimit.Backend != "memory" {
		t.Errorf("RateLimit.Backend = %v, want memory", cfg.RateLimit.Backend)
	}
	if cfg.Tracking.BaseURL != "http://localhost:8080" {
		t.Errorf("Tracking.BaseURL = %v", cfg.Tracking.BaseURL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want info/json", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HERALD_AUTH_JWT_SECRET", "from-env")
	t.Setenv("HERALD_QUEUE_WORKERS", "8")
	t.Setenv("HERALD_CHANNELS_SMTP_PASSWORD", "hunter2")
	t.Setenv("HERALD_REMINDERS_INTERVALS", "30,10")
	t.Setenv("HERALD_RATE_LIMIT_BACKEND", "redis")
	t.Setenv("HERALD_RATE_LIMIT_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("HERALD_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "queue:\n  workers: 2\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %v", cfg.Auth.JWTSecret)
	}
	if cfg.Queue.Workers != 8 {
		t.Errorf("Queue.Workers = %v, want environment value 8", cfg.Queue.Workers)
	}
	if cfg.Channels.SMTP.Password != "hunter2" {
		t.Errorf("Channels.SMTP.Password not overridden")
	}
	if len(cfg.Reminders.Intervals) != 2 || cfg.Reminders.Intervals[1] != 10 {
		t.Errorf("Reminders.Intervals = %v", cfg.Reminders.Intervals)
	}
	if cfg.RateLimit.Backend != "redis" {
		t.Errorf("RateLimit.Backend = %v", cfg.RateLimit.Backend)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %v, want warn", cfg.Logging.Level)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("HERALD_AUTH_DEV_MODE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Auth.DevMode {
		t.Error("Auth.DevMode = false, want true")
	}
}

func TestValidate(t *testing.T) {
	valid := func(mutate func(c *Config)) Config {
		c := Config{Auth: AuthConfig{JWTSecret: "secret"}}
		c.setDefaults()
		if mutate != nil {
			mutate(&c)
		}
		return c
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid config", valid(nil), false},
		{"missing jwt secret", valid(func(c *Config) { c.Auth.JWTSecret = "" }), true},
		{"dev mode without secret", valid(func(c *Config) { c.Auth.JWTSecret = ""; c.Auth.DevMode = true }), false},
		{"invalid log level", valid(func(c *Config) { c.Logging.Level = "invalid" }), true},
		{"invalid log format", valid(func(c *Config) { c.Logging.Format = "invalid" }), true},
		{"invalid backoff", valid(func(c *Config) { c.Queue.Backoff = "linear" }), true},
		{"invalid remainder policy", valid(func(c *Config) { c.Allocation.RemainderPolicy = "random" }), true},
		{"invalid smtp tls", valid(func(c *Config) { c.Channels.SMTP.TLS = "ssl" }), true},
		{"dkim without key", valid(func(c *Config) {
			c.Channels.DKIM = DKIMConfig{Enabled: true, Domain: "example.org", Selector: "s1"}
		}), true},
		{"negative rate", valid(func(c *Config) { c.Channels.Rates = map[string]float64{"sms": -1} }), true},
		{"sms limit too small", valid(func(c *Config) { c.Channels.SMSMaxLength = 3 }), true},
		{"zero reminder interval", valid(func(c *Config) { c.Reminders.Intervals = []int{60, 0} }), true},
		{"invalid reminder channel", valid(func(c *Config) { c.Reminders.Channel = "fax" }), true},
		{"redis without url", valid(func(c *Config) { c.RateLimit.Backend = "redis" }), true},
		{"unknown backend", valid(func(c *Config) { c.RateLimit.Backend = "memcached" }), true},
		{"sandbox probability out of range", valid(func(c *Config) { c.Channels.Sandbox.ErrorProbability = 1.5 }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `invalid: yaml: content: [`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

package ratelimit

import (
	"context"
	"time"
)

// Level represents the scope a limit applies to
type Level string

const (
	LevelTrackingIP Level = "tracking_ip"
	LevelTenant     Level = "tenant"
)

// LimitConfig contains limit values. Zero disables a window.
type LimitConfig struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	PerHour   int `yaml:"per_hour" json:"per_hour"`
	PerDay    int `yaml:"per_day" json:"per_day"`
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Limiter applies per-level limits on top of a counter Store
type Limiter struct {
	store  Store
	limits map[Level]LimitConfig
	now    func() time.Time
}

// NewLimiter creates a new rate limiter
func NewLimiter(store Store, limits map[Level]LimitConfig) *Limiter {
	if limits == nil {
		limits = map[Level]LimitConfig{}
	}
	return &Limiter{
		store:  store,
		limits: limits,
		now:    time.Now,
	}
}

// Allow counts the request and reports whether it stays within every window.
// Levels without configured limits always pass.
func (l *Limiter) Allow(ctx context.Context, level Level, key string) (*Result, error) {
	result := &Result{Allowed: true}

	limit, ok := l.limits[level]
	if !ok {
		return result, nil
	}

	now := l.now()
	windows := []struct {
		max    int
		window time.Duration
	}{
		{limit.PerMinute, time.Minute},
		{limit.PerHour, time.Hour},
		{limit.PerDay, 24 * time.Hour},
	}

	fullKey := makeKey(level, key)
	for _, w := range windows {
		if w.max <= 0 {
			continue
		}

		count, start, err := l.store.Incr(ctx, fullKey, w.window, now)
		if err != nil {
			return nil, err
		}
		if count > int64(w.max) {
			result.Allowed = false
			result.DeniedBy = level
			result.DeniedKey = key
			result.RetryAfter = start.Add(w.window).Sub(now)
			return result, nil
		}
	}

	return result, nil
}

// Close releases the underlying store
func (l *Limiter) Close() error {
	return l.store.Close()
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}

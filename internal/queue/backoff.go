package queue

import "time"

// BackoffType selects how the delay between attempts grows
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

const maxBackoff = time.Hour

// RetryPolicy controls redelivery of a failed job
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffType   `json:"backoff"`
	BaseDelay   time.Duration `json:"base_delay"`
}

// DefaultRetryPolicy is three exponential attempts starting at two seconds
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		BaseDelay:   2 * time.Second,
	}
}

// withDefaults fills unset fields from DefaultRetryPolicy
func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = def.Backoff
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	return p
}

// Backoff returns the delay before the next attempt after attempt failed attempts.
// Exponential: base * 2^(attempt-1), capped at one hour. Fixed: base.
func Backoff(p RetryPolicy, attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	if p.Backoff == BackoffFixed {
		return min(p.BaseDelay, maxBackoff)
	}

	// 2^(n-1), shift capped to avoid overflow
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	backoff := p.BaseDelay * time.Duration(1<<shift)
	if backoff > maxBackoff || backoff <= 0 {
		return maxBackoff
	}
	return backoff
}

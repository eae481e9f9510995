package tracking

import (
	"context"
	"log/slog"

	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/ratelimit"
)

// Guard caps how many tracking hits a single client address may record
type Guard struct {
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewGuard creates a guard. A nil limiter allows everything.
func NewGuard(limiter *ratelimit.Limiter, logger *slog.Logger) *Guard {
	return &Guard{limiter: limiter, logger: logger.With("component", "tracking_guard")}
}

// Allow counts a hit from ip. Counter store failures let the hit through.
func (g *Guard) Allow(ctx context.Context, ip string) bool {
	if g == nil || g.limiter == nil {
		return true
	}

	res, err := g.limiter.Allow(ctx, ratelimit.LevelTrackingIP, ip)
	if err != nil {
		g.logger.Warn("tracking guard unavailable", "error", err)
		return true
	}
	if !res.Allowed {
		metrics.IncRateLimitExceeded(string(ratelimit.LevelTrackingIP))
		g.logger.Debug("tracking hit over limit", "ip", ip, "retry_after", res.RetryAfter)
	}
	return res.Allowed
}

package engine

import (
	"time"

	"github.com/foxzi/herald/internal/campaign"
)

// ThrottleDelay returns the enqueue delay of the i-th job of an execution.
// With maxPerHour the jobs are spaced 3600000/maxPerHour ms apart. With maxPerDay
// every block of maxPerDay jobs starts one day after the previous block.
func ThrottleDelay(t campaign.Throttling, i int) time.Duration {
	if !t.Enabled || i <= 0 {
		return 0
	}

	var step time.Duration
	if t.MaxPerHour > 0 {
		step = time.Duration(3600000/t.MaxPerHour) * time.Millisecond
	}

	if t.MaxPerDay <= 0 {
		return time.Duration(i) * step
	}

	day := i / t.MaxPerDay
	within := i % t.MaxPerDay
	return time.Duration(day)*24*time.Hour + time.Duration(within)*step
}

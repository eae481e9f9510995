package trigger

import (
	"time"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/events"
)

// Decision is the outcome of evaluating a recurring campaign
type Decision int

const (
	DecisionWait Decision = iota
	DecisionRun
	DecisionExhausted
)

func (d Decision) String() string {
	switch d {
	case DecisionRun:
		return "run"
	case DecisionExhausted:
		return "exhausted"
	default:
		return "wait"
	}
}

// ScheduledDue reports whether a scheduled campaign should run at now
func ScheduledDue(c *campaign.Campaign, now time.Time) bool {
	return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
}

// NextOccurrence adds interval units of the frequency to last
func NextOccurrence(last time.Time, rc campaign.RecurringConfig) time.Time {
	interval := rc.Interval
	if interval < 1 {
		interval = 1
	}

	switch rc.Frequency {
	case campaign.FrequencyWeekly:
		return last.AddDate(0, 0, 7*interval)
	case campaign.FrequencyMonthly:
		return last.AddDate(0, interval, 0)
	case campaign.FrequencyYearly:
		return last.AddDate(interval, 0, 0)
	default:
		return last.AddDate(0, 0, interval)
	}
}

// Evaluate decides what to do with an active recurring campaign at now
func Evaluate(c *campaign.Campaign, now time.Time) Decision {
	rc := c.Recurring
	if rc == nil {
		return DecisionWait
	}

	if rc.EndDate != nil && now.After(*rc.EndDate) {
		return DecisionExhausted
	}
	if rc.MaxOccurrences > 0 && c.ExecutionCount >= rc.MaxOccurrences {
		return DecisionExhausted
	}

	last := c.CreatedAt
	if c.LastExecutedAt != nil {
		last = *c.LastExecutedAt
	}
	if now.Before(NextOccurrence(last, *rc)) {
		return DecisionWait
	}
	return DecisionRun
}

// MatchesEvent reports whether an event starts an event-based campaign.
// Every condition must equal the payload value of the same key.
func MatchesEvent(c *campaign.Campaign, ev events.Event) bool {
	if c.EventTriggers == nil || c.TenantID != ev.TenantID {
		return false
	}

	named := false
	for _, name := range c.EventTriggers.Events {
		if name == ev.Name {
			named = true
			break
		}
	}
	if !named {
		return false
	}

	for k, want := range c.EventTriggers.Conditions {
		if got, ok := ev.Payload[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// recipientOf returns the recipient named by an event payload, if any
func recipientOf(ev events.Event) string {
	for _, key := range []string{"recipientId", "recipient_id", "customerId", "customer_id"} {
		if v := ev.Payload[key]; v != "" {
			return v
		}
	}
	return ""
}

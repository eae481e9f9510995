package campaign

import (
	"fmt"
	"strings"
)

// Validate checks a campaign definition before it is stored
func Validate(c *Campaign) error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name", "is required")
	}

	switch c.Type {
	case TypeEmail, TypeSMS, TypePush, TypeInApp:
	default:
		return invalid("type", fmt.Sprintf("unknown campaign type %q", c.Type))
	}

	if c.Type == TypeEmail && strings.TrimSpace(c.Content.Subject) == "" {
		return invalid("content.subject", "is required for email campaigns")
	}
	if strings.TrimSpace(c.Content.Body) == "" && strings.TrimSpace(c.Content.HTML) == "" {
		return invalid("content", "body or html is required")
	}

	switch c.TriggerType {
	case TriggerManual:
	case TriggerScheduled:
		if c.ScheduledAt == nil || c.ScheduledAt.IsZero() {
			return invalid("scheduled_at", "is required for scheduled campaigns")
		}
	case TriggerRecurring:
		if err := validateRecurring(c.Recurring); err != nil {
			return err
		}
	case TriggerEvent:
		if c.EventTriggers == nil || len(nonEmpty(c.EventTriggers.Events)) == 0 {
			return invalid("event_triggers.events", "at least one event name is required")
		}
		if c.EventTriggers.DelayMinutes < 0 {
			return invalid("event_triggers.delay", "must not be negative")
		}
	default:
		return invalid("trigger_type", fmt.Sprintf("unknown trigger type %q", c.TriggerType))
	}

	if c.ABEnabled() {
		if err := validateVariants(c.ABTest.Variants); err != nil {
			return err
		}
	}

	t := c.Settings.Throttling
	if t.MaxPerHour < 0 || t.MaxPerDay < 0 {
		return invalid("settings.throttling", "limits must not be negative")
	}
	if c.Settings.SendTimeoutSeconds < 0 {
		return invalid("settings.send_timeout_seconds", "must not be negative")
	}

	return nil
}

func validateRecurring(rc *RecurringConfig) error {
	if rc == nil {
		return invalid("recurring_config", "is required for recurring campaigns")
	}
	switch rc.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
	default:
		return invalid("recurring_config.frequency", fmt.Sprintf("unknown frequency %q", rc.Frequency))
	}
	if rc.Interval < 1 {
		return invalid("recurring_config.interval", "must be at least 1")
	}
	if rc.MaxOccurrences < 0 {
		return invalid("recurring_config.max_occurrences", "must not be negative")
	}
	return nil
}

func validateVariants(variants []Variant) error {
	if len(variants) == 0 {
		return invalid("ab_test_config.variants", "at least one variant is required")
	}

	seen := make(map[string]bool, len(variants))
	sum := 0
	for i, v := range variants {
		if v.ID == "" {
			return invalid(fmt.Sprintf("ab_test_config.variants[%d].id", i), "is required")
		}
		if seen[v.ID] {
			return invalid(fmt.Sprintf("ab_test_config.variants[%d].id", i), fmt.Sprintf("duplicate variant id %q", v.ID))
		}
		seen[v.ID] = true
		if v.Percentage < 0 || v.Percentage > 100 {
			return invalid(fmt.Sprintf("ab_test_config.variants[%d].percentage", i), "must be between 0 and 100")
		}
		sum += v.Percentage
	}
	if sum != 100 {
		return invalid("ab_test_config.variants", fmt.Sprintf("percentages must sum to 100, got %d", sum))
	}
	return nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

package campaign

import "time"

// Type is the delivery channel of a campaign
type Type string

const (
	TypeEmail Type = "email"
	TypeSMS   Type = "sms"
	TypePush  Type = "push"
	TypeInApp Type = "in_app"
)

// Status is the lifecycle state of a campaign
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// TriggerType is the activation mode of a campaign
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerRecurring TriggerType = "recurring"
	TriggerEvent     TriggerType = "event_based"
)

// Frequency is the cadence unit of a recurring campaign
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// Campaign is a trigger-driven messaging unit with its own audience, content and counters
type Campaign struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Type        Type        `json:"type"`
	Status      Status      `json:"status"`
	TriggerType TriggerType `json:"trigger_type"`

	Content        Content          `json:"content"`
	TargetAudience TargetAudience   `json:"target_audience"`
	ScheduledAt    *time.Time       `json:"scheduled_at,omitempty"`
	Recurring      *RecurringConfig `json:"recurring_config,omitempty"`
	EventTriggers  *EventTriggers   `json:"event_triggers,omitempty"`
	ABTest         *ABTestConfig    `json:"ab_test_config,omitempty"`
	Settings       Settings         `json:"settings"`

	Metrics Metrics `json:"metrics"`

	ExecutionCount int        `json:"execution_count"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"-"`
}

// Content holds the base message content
type Content struct {
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body,omitempty"`
	HTML      string            `json:"html,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// TargetAudience describes who a campaign is sent to
type TargetAudience struct {
	RecipientIDs    []string          `json:"recipient_ids,omitempty"`
	Filters         map[string]string `json:"filters,omitempty"`
	Segments        []string          `json:"segments,omitempty"`
	ExcludeSegments []string          `json:"exclude_segments,omitempty"`
	ExcludeIDs      []string          `json:"exclude_ids,omitempty"`
}

// RecurringConfig describes the cadence of a recurring campaign
type RecurringConfig struct {
	Frequency      Frequency  `json:"frequency"`
	Interval       int        `json:"interval"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	MaxOccurrences int        `json:"max_occurrences,omitempty"`
}

// EventTriggers describes which domain events start an event-based campaign
type EventTriggers struct {
	Events       []string          `json:"events"`
	Conditions   map[string]string `json:"conditions,omitempty"`
	DelayMinutes int               `json:"delay,omitempty"`
}

// ABTestConfig describes the A/B variants of a campaign
type ABTestConfig struct {
	Enabled        bool      `json:"enabled"`
	Variants       []Variant `json:"variants,omitempty"`
	WinnerCriteria string    `json:"winner_criteria,omitempty"` // open_rate, click_rate
	TestDuration   int       `json:"test_duration,omitempty"`   // hours
}

// Variant is one content/audience slice of an A/B-tested campaign
type Variant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Percentage int    `json:"percentage"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body,omitempty"`
	HTML       string `json:"html,omitempty"`
}

// Settings holds delivery settings
type Settings struct {
	Throttling         Throttling `json:"throttling"`
	TrackOpens         bool       `json:"track_opens"`
	TrackClicks        bool       `json:"track_clicks"`
	SendTimeoutSeconds int        `json:"send_timeout_seconds,omitempty"`
}

// Throttling limits the send rate of a campaign
type Throttling struct {
	Enabled    bool `json:"enabled"`
	MaxPerHour int  `json:"max_per_hour,omitempty"`
	MaxPerDay  int  `json:"max_per_day,omitempty"`
}

// Metrics holds the monotonically increasing campaign counters
type Metrics struct {
	EstimatedRecipients int64 `json:"estimated_recipients"`
	Sent                int64 `json:"sent"`
	Delivered           int64 `json:"delivered"`
	Opened              int64 `json:"opened"`
	Clicked             int64 `json:"clicked"`
	Unsubscribed        int64 `json:"unsubscribed"`
	Bounced             int64 `json:"bounced"`
	Failed              int64 `json:"failed"`
}

// Counter names a campaign counter column
type Counter string

const (
	CounterSent         Counter = "sent"
	CounterDelivered    Counter = "delivered"
	CounterOpened       Counter = "opened"
	CounterClicked      Counter = "clicked"
	CounterUnsubscribed Counter = "unsubscribed"
	CounterBounced      Counter = "bounced"
	CounterFailed       Counter = "failed"
)

// ExecutionLogEntry records a lifecycle action of a campaign
type ExecutionLogEntry struct {
	ID         int64     `json:"id"`
	CampaignID string    `json:"campaign_id"`
	Action     string    `json:"action"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListFilter for filtering campaigns
type ListFilter struct {
	TenantID    string
	Status      Status
	TriggerType TriggerType
	Search      string
	Limit       int
	Offset      int
}

// IsOneShot reports whether the campaign completes after a single execution
func (c *Campaign) IsOneShot() bool {
	return c.TriggerType == TriggerManual || c.TriggerType == TriggerScheduled
}

// ABEnabled reports whether the campaign splits its audience across variants
func (c *Campaign) ABEnabled() bool {
	return c.ABTest != nil && c.ABTest.Enabled
}

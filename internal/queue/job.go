package queue

import (
	"errors"
	"time"
)

var (
	// ErrDuplicateJob is returned when a live job with the same idempotency key exists
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrJobInFlight is returned when removing a job a worker already claimed
	ErrJobInFlight = errors.New("job is being processed")

	// ErrJobNotFound is returned when a job does not exist
	ErrJobNotFound = errors.New("job not found")
)

// JobStatus represents the status of a job in the queue
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusDeferred   JobStatus = "deferred"
	StatusDelivered  JobStatus = "delivered"
	StatusDead       JobStatus = "dead"
)

// Live reports whether the job may still be delivered
func (s JobStatus) Live() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusDeferred
}

// JobKind distinguishes campaign dispatches from inline reminder jobs
type JobKind string

const (
	KindCampaign JobKind = "campaign"
	KindReminder JobKind = "reminder"
)

// Job is one unit of work: send one message to one recipient through one channel
type Job struct {
	ID          string  `json:"id"`
	Kind        JobKind `json:"kind"`
	TenantID    string  `json:"tenant_id"`
	CampaignID  string  `json:"campaign_id,omitempty"`
	VariantID   string  `json:"variant_id,omitempty"`
	RecipientID string  `json:"recipient_id"`
	Channel     string  `json:"channel"`
	Address     string  `json:"address"`

	// Content to be rendered at delivery time
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body,omitempty"`
	HTML         string            `json:"html,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// ExecutionID scopes the idempotency key. Empty for jobs keyed by entity only.
	ExecutionID string `json:"execution_id,omitempty"`

	Status        JobStatus   `json:"status"`
	Retry         RetryPolicy `json:"retry"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"last_error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	ReadyAt       time.Time   `json:"ready_at"`
	NextAttemptAt time.Time   `json:"next_attempt_at,omitempty"`
}

// DedupeKey is the key under which a live job is unique, empty if the job has none
func (j *Job) DedupeKey() string {
	if j.IdempotencyKey == "" {
		return ""
	}
	return j.ExecutionID + "/" + j.IdempotencyKey
}

// Stats represents queue statistics
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Deferred   int64 `json:"deferred"`
	Delivered  int64 `json:"delivered"`
	Dead       int64 `json:"dead"`
	Total      int64 `json:"total"`
}

// ListFilter represents filter options for listing jobs
type ListFilter struct {
	Status     JobStatus
	CampaignID string
	Limit      int
	Offset     int
}

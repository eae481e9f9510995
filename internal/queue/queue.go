package queue

import (
	"context"
	"time"
)

// TaskQueue is the narrow contract the campaign engine uses to schedule dispatch jobs
type TaskQueue interface {
	// Enqueue stores a job that becomes ready after delay.
	// Returns ErrDuplicateJob if a live job with the same execution and idempotency key exists.
	Enqueue(ctx context.Context, job *Job, delay time.Duration, policy RetryPolicy) error

	// ListPending returns the not-yet-processed (pending or deferred) jobs of a campaign
	ListPending(ctx context.Context, campaignID string) ([]*Job, error)

	// Remove deletes a job that has not been picked up by a worker
	Remove(ctx context.Context, id string) error
}

// Queue is the full queue contract used by the processor and the CLI
type Queue interface {
	TaskQueue

	// Dequeue claims the next ready job for processing
	// Returns nil, nil if no job is ready
	Dequeue(ctx context.Context) (*Job, error)

	// Update stores the job and re-indexes it by status
	Update(ctx context.Context, job *Job) error

	// Get retrieves a job by ID, nil if it does not exist
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs with optional filtering
	List(ctx context.Context, filter ListFilter) ([]*Job, error)

	// Stats returns queue statistics
	Stats(ctx context.Context) (*Stats, error)

	// MoveToDLQ marks a job as dead and indexes it in the dead letter queue
	MoveToDLQ(ctx context.Context, job *Job) error

	// Close closes the storage connection
	Close() error
}

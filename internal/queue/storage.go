package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs       = []byte("jobs")
	bucketPending    = []byte("pending")
	bucketDeferred   = []byte("deferred")
	bucketDeadLetter = []byte("dead_letter")
	bucketKeys       = []byte("idempotency")
)

// indexTimeFormat is fixed width so index keys sort chronologically
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// BoltStorage implements Queue using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketPending, bucketDeferred, bucketDeadLetter, bucketKeys} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return requeueClaimed(tx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// requeueClaimed puts jobs left in processing by a previous run back into the pending index
func requeueClaimed(tx *bolt.Tx) error {
	jobs := tx.Bucket(bucketJobs)
	pending := tx.Bucket(bucketPending)

	var claimed []*Job
	err := jobs.ForEach(func(k, v []byte) error {
		var job Job
		if err := json.Unmarshal(v, &job); err != nil {
			return nil
		}
		if job.Status == StatusProcessing {
			claimed = append(claimed, &job)
		}
		return nil
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, job := range claimed {
		job.Status = StatusPending
		job.UpdatedAt = now
		if err := putJob(jobs, job); err != nil {
			return err
		}
		if err := pending.Put(makeIndexKey(job.ReadyAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}
	}
	return nil
}

// Enqueue adds a job that becomes ready after delay
func (s *BoltStorage) Enqueue(ctx context.Context, job *Job, delay time.Duration, policy RetryPolicy) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Kind == "" {
		job.Kind = KindCampaign
	}
	if delay < 0 {
		delay = 0
	}

	now := time.Now().UTC()
	job.Status = StatusPending
	job.Retry = policy.withDefaults()
	job.Attempts = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	job.ReadyAt = now.Add(delay)

	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		keys := tx.Bucket(bucketKeys)

		if key := job.DedupeKey(); key != "" {
			if existingID := keys.Get([]byte(key)); existingID != nil {
				if existing := getJob(jobs, existingID); existing != nil && existing.Status.Live() {
					return fmt.Errorf("%w: %s", ErrDuplicateJob, job.IdempotencyKey)
				}
			}
			if err := keys.Put([]byte(key), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to store idempotency key: %w", err)
			}
		}

		if err := putJob(jobs, job); err != nil {
			return err
		}

		if err := tx.Bucket(bucketPending).Put(makeIndexKey(job.ReadyAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}
		return nil
	})
}

// Dequeue claims the next ready job. Deferred retries go first.
func (s *BoltStorage) Dequeue(ctx context.Context) (*Job, error) {
	var job *Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		now := time.Now().UTC()

		for _, name := range [][]byte{bucketDeferred, bucketPending} {
			c := tx.Bucket(name).Cursor()

			for k, v := c.First(); k != nil; k, v = c.Next() {
				if parseTimestampFromKey(k).After(now) {
					break // All remaining are in the future
				}

				j := getJob(jobs, v)
				if j == nil || !j.Status.Live() || j.Status == StatusProcessing {
					// Removed or stale index entry
					if err := c.Delete(); err != nil {
						return err
					}
					continue
				}

				j.Status = StatusProcessing
				j.UpdatedAt = now
				if err := putJob(jobs, j); err != nil {
					return err
				}
				if err := c.Delete(); err != nil {
					return err
				}

				job = j
				return nil
			}
		}

		return nil
	})

	return job, err
}

// Update stores the job and indexes it by its status
func (s *BoltStorage) Update(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job.UpdatedAt = time.Now().UTC()
		if err := putJob(tx.Bucket(bucketJobs), job); err != nil {
			return err
		}

		switch job.Status {
		case StatusDeferred:
			if err := tx.Bucket(bucketDeferred).Put(makeIndexKey(job.NextAttemptAt, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to deferred index: %w", err)
			}
		case StatusPending:
			if err := tx.Bucket(bucketPending).Put(makeIndexKey(job.ReadyAt, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to pending index: %w", err)
			}
		case StatusDelivered, StatusDead:
			return releaseKey(tx, job)
		}
		return nil
	})
}

// Get retrieves a job by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		job = &Job{}
		return json.Unmarshal(data, job)
	})
	return job, err
}

// FindByKey returns the live job holding an execution/idempotency key pair, nil if none
func (s *BoltStorage) FindByKey(ctx context.Context, executionID, idempotencyKey string) (*Job, error) {
	lookup := Job{ExecutionID: executionID, IdempotencyKey: idempotencyKey}
	key := lookup.DedupeKey()
	if key == "" {
		return nil, nil
	}

	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketKeys).Get([]byte(key))
		if id == nil {
			return nil
		}
		if j := getJob(tx.Bucket(bucketJobs), id); j != nil && j.Status.Live() {
			job = j
		}
		return nil
	})
	return job, err
}

// List returns jobs with optional filtering
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}

			if filter.Status != "" && job.Status != filter.Status {
				continue
			}
			if filter.CampaignID != "" && job.CampaignID != filter.CampaignID {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			jobs = append(jobs, &job)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return jobs, err
}

// ListPending returns pending and deferred jobs of a campaign
func (s *BoltStorage) ListPending(ctx context.Context, campaignID string) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if job.CampaignID != campaignID {
				return nil
			}
			if job.Status == StatusPending || job.Status == StatusDeferred {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})

	return jobs, err
}

// Remove deletes a job that no worker has claimed
func (s *BoltStorage) Remove(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		job := getJob(jobs, []byte(id))
		if job == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		if job.Status == StatusProcessing {
			return fmt.Errorf("%w: %s", ErrJobInFlight, id)
		}

		deleteIndexes(tx, job)
		if err := releaseKey(tx, job); err != nil {
			return err
		}
		return jobs.Delete([]byte(id))
	})
}

// Stats returns queue statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}

			stats.Total++
			switch job.Status {
			case StatusPending:
				stats.Pending++
			case StatusProcessing:
				stats.Processing++
			case StatusDeferred:
				stats.Deferred++
			case StatusDelivered:
				stats.Delivered++
			case StatusDead:
				stats.Dead++
			}
			return nil
		})
	})

	return stats, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func getJob(b *bolt.Bucket, id []byte) *Job {
	data := b.Get(id)
	if data == nil {
		return nil
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil
	}
	return &job
}

func putJob(b *bolt.Bucket, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := b.Put([]byte(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// releaseKey frees the idempotency key if this job still holds it
func releaseKey(tx *bolt.Tx, job *Job) error {
	key := job.DedupeKey()
	if key == "" {
		return nil
	}
	keys := tx.Bucket(bucketKeys)
	if string(keys.Get([]byte(key))) == job.ID {
		return keys.Delete([]byte(key))
	}
	return nil
}

func deleteIndexes(tx *bolt.Tx, job *Job) {
	tx.Bucket(bucketPending).Delete(makeIndexKey(job.ReadyAt, job.ID))
	if !job.NextAttemptAt.IsZero() {
		tx.Bucket(bucketDeferred).Delete(makeIndexKey(job.NextAttemptAt, job.ID))
	}
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	if len(s) < len(indexTimeFormat) {
		return time.Time{}
	}
	ts, _ := time.Parse(indexTimeFormat, s[:len(indexTimeFormat)])
	return ts
}

// Dead Letter Queue methods

// MoveToDLQ marks a job as dead and indexes it in the dead letter queue
func (s *BoltStorage) MoveToDLQ(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job.Status = StatusDead
		job.UpdatedAt = time.Now().UTC()

		if err := tx.Bucket(bucketDeadLetter).Put(makeIndexKey(job.UpdatedAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to DLQ index: %w", err)
		}
		if err := putJob(tx.Bucket(bucketJobs), job); err != nil {
			return err
		}
		return releaseKey(tx, job)
	})
}

// ListDLQ returns jobs in the dead letter queue, oldest first
func (s *BoltStorage) ListDLQ(ctx context.Context, limit, offset int) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketDeadLetter).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}

			job := getJob(jobBucket, v)
			if job == nil {
				continue
			}

			jobs = append(jobs, job)
			count++

			if limit > 0 && count >= limit {
				break
			}
		}

		return nil
	})

	return jobs, err
}

// GetFromDLQ retrieves a dead job, nil if the job is not dead
func (s *BoltStorage) GetFromDLQ(ctx context.Context, id string) (*Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	if job.Status != StatusDead {
		return nil, nil
	}
	return job, nil
}

// RetryFromDLQ moves a dead job back to the pending queue with a fresh attempt budget
func (s *BoltStorage) RetryFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		job := getJob(jobs, []byte(id))
		if job == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		if job.Status != StatusDead {
			return fmt.Errorf("job %s is not in the dead letter queue", id)
		}

		if err := removeDLQIndex(tx, id); err != nil {
			return err
		}

		now := time.Now().UTC()
		job.Status = StatusPending
		job.Attempts = 0
		job.LastError = ""
		job.UpdatedAt = now
		job.ReadyAt = now
		job.NextAttemptAt = time.Time{}

		// Re-acquire the key unless another live job took it meanwhile
		if key := job.DedupeKey(); key != "" {
			keys := tx.Bucket(bucketKeys)
			var current *Job
			if holder := keys.Get([]byte(key)); holder != nil {
				current = getJob(jobs, holder)
			}
			if current == nil || !current.Status.Live() {
				if err := keys.Put([]byte(key), []byte(job.ID)); err != nil {
					return err
				}
			}
		}

		if err := putJob(jobs, job); err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put(makeIndexKey(job.ReadyAt, job.ID), []byte(job.ID))
	})
}

// DeleteFromDLQ permanently deletes a dead job
func (s *BoltStorage) DeleteFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := removeDLQIndex(tx, id); err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

func removeDLQIndex(tx *bolt.Tx, id string) error {
	c := tx.Bucket(bucketDeadLetter).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == id {
			return c.Delete()
		}
	}
	return nil
}

// DLQStats contains dead letter queue statistics
type DLQStats struct {
	Total     int64     `json:"total"`
	TotalSize int64     `json:"total_size"`
	OldestAt  time.Time `json:"oldest_at,omitempty"`
}

// DLQStats returns dead letter queue statistics
func (s *BoltStorage) DLQStats(ctx context.Context) (*DLQStats, error) {
	stats := &DLQStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		c := tx.Bucket(bucketDeadLetter).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			stats.Total++
			if stats.Total == 1 {
				stats.OldestAt = parseTimestampFromKey(k)
			}
			if data := jobs.Get(v); data != nil {
				stats.TotalSize += int64(len(data))
			}
		}
		return nil
	})

	return stats, err
}

// Cleanup methods

// CleanupDelivered removes delivered jobs older than maxAge
func (s *BoltStorage) CleanupDelivered(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		var toDelete [][]byte
		err := jobs.ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if job.Status == StatusDelivered && job.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range toDelete {
			if err := jobs.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// CleanupDLQ removes dead jobs by age and enforces max count, oldest first
func (s *BoltStorage) CleanupDLQ(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		dlq := tx.Bucket(bucketDeadLetter)
		jobs := tx.Bucket(bucketJobs)

		type item struct {
			indexKey []byte
			jobID    []byte
		}
		var items []item

		c := dlq.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			items = append(items, item{
				indexKey: append([]byte{}, k...),
				jobID:    append([]byte{}, v...),
			})
		}

		cutoff := time.Now().Add(-maxAge)
		remaining := len(items)

		for _, it := range items {
			expired := maxAge > 0 && parseTimestampFromKey(it.indexKey).Before(cutoff)
			overflow := maxCount > 0 && remaining > maxCount
			if !expired && !overflow {
				continue
			}

			if err := dlq.Delete(it.indexKey); err != nil {
				return err
			}
			if err := jobs.Delete(it.jobID); err != nil {
				return err
			}
			deleted++
			remaining--
		}
		return nil
	})

	return deleted, err
}

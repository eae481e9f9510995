// Package sandbox captures outbound messages instead of delivering them.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSandbox = []byte("sandbox")

// Message is a captured outbound message
type Message struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"` // email, sms, in_app
	To           string    `json:"to"`
	OriginalTo   string    `json:"original_to,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Body         string    `json:"body,omitempty"`
	HTML         string    `json:"html,omitempty"`
	Mode         string    `json:"mode"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Storage keeps captured messages in a bbolt bucket ordered by capture time
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new sandbox storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSandbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a message
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandbox).Put(makeIndexKey(msg.CapturedAt, msg.ID), data)
	})
}

// Get retrieves a message by ID, nil when absent
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		return s.each(tx, func(k []byte, m *Message) bool {
			if m.ID == id {
				msg = m
				return false
			}
			return true
		})
	})

	return msg, err
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	Channel string
	To      string
	Limit   int
	Offset  int
}

// List returns messages matching the filter, newest first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()
		skipped := 0

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if filter.Channel != "" && msg.Channel != filter.Channel {
				continue
			}
			if filter.To != "" && msg.To != filter.To && msg.OriginalTo != filter.To {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			messages = append(messages, &msg)
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Clear removes messages of a channel (all when empty) captured before olderThan ago
func (s *Storage) Clear(ctx context.Context, channel string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var keys [][]byte
		err := s.each(tx, func(k []byte, m *Message) bool {
			if channel != "" && m.Channel != channel {
				return true
			}
			if olderThan > 0 && m.CapturedAt.After(cutoff) {
				return true
			}
			keys = append(keys, append([]byte(nil), k...))
			return true
		})
		if err != nil {
			return err
		}

		bucket := tx.Bucket(bucketSandbox)
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Stats summarises captured messages
type Stats struct {
	Total     int64            `json:"total"`
	ByChannel map[string]int64 `json:"by_channel"`
	OldestAt  time.Time        `json:"oldest_at,omitempty"`
	NewestAt  time.Time        `json:"newest_at,omitempty"`
}

// Stats returns sandbox statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByChannel: make(map[string]int64)}

	err := s.db.View(func(tx *bolt.Tx) error {
		return s.each(tx, func(k []byte, m *Message) bool {
			stats.Total++
			stats.ByChannel[m.Channel]++
			if stats.OldestAt.IsZero() || m.CapturedAt.Before(stats.OldestAt) {
				stats.OldestAt = m.CapturedAt
			}
			if m.CapturedAt.After(stats.NewestAt) {
				stats.NewestAt = m.CapturedAt
			}
			return true
		})
	})

	return stats, err
}

// each walks the bucket oldest first until fn returns false
func (s *Storage) each(tx *bolt.Tx, fn func(k []byte, m *Message) bool) error {
	c := tx.Bucket(bucketSandbox).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var msg Message
		if err := json.Unmarshal(v, &msg); err != nil {
			continue
		}
		if !fn(k, &msg) {
			return nil
		}
	}
	return nil
}

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z") + ":" + id)
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps fixed-window counters scoped by key
type Store interface {
	// Incr adds one to the counter of key in the window containing now
	// and returns the new count together with the window start
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error)
	Close() error
}

// counter tracks one key within one window
type counter struct {
	Count       int64
	WindowStart time.Time
	Window      time.Duration
}

// MemoryStore is an in-process Store. Expired windows are swept periodically.
type MemoryStore struct {
	counters map[string]*counter
	mu       sync.Mutex
	stopCh   chan struct{}
	once     sync.Once
}

// NewMemoryStore creates a memory store sweeping expired counters every sweepInterval
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &MemoryStore{
		counters: make(map[string]*counter),
		stopCh:   make(chan struct{}),
	}
	go s.sweepLoop(sweepInterval)
	return s
}

func (s *MemoryStore) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	start := now.Truncate(window)

	s.mu.Lock()
	defer s.mu.Unlock()

	fullKey := key + ":" + window.String()
	c, ok := s.counters[fullKey]
	if !ok || !c.WindowStart.Equal(start) {
		c = &counter{WindowStart: start, Window: window}
		s.counters[fullKey] = c
	}
	c.Count++
	return c.Count, start, nil
}

// Len returns the number of tracked counters
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.counters {
		if now.Sub(c.WindowStart) >= c.Window {
			delete(s.counters, k)
		}
	}
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// Close stops the sweeper
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}

// RedisStore shares counters between instances through Redis INCR/EXPIRE
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies connectivity
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if prefix == "" {
		prefix = "herald:rl:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	start := now.Truncate(window)
	redisKey := s.prefix + key + ":" + window.String() + ":" + strconv.FormatInt(start.Unix(), 10)

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return 0, start, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return incr.Val(), start, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

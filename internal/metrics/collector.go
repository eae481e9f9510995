package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// QueueStats contains queue statistics for metrics
type QueueStats struct {
	Pending    int64
	Processing int64
	Deferred   int64
	Dead       int64
}

// QueueStatsProvider provides queue statistics for metrics
type QueueStatsProvider interface {
	QueueStats(ctx context.Context) (*QueueStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	countersKey   = []byte("counters")
)

// counterSample is one persisted counter series
type counterSample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// Collector persists counters across restarts and refreshes system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	queueStats    QueueStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, queueStats QueueStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics bucket: %w", err)
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		queueStats:    queueStats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.loop(ctx, c.flushInterval, func(context.Context) { c.persistCounters() })
	go c.loop(ctx, 5*time.Second, c.collectSystemMetrics)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

// counterVecs maps persisted metric names to their vectors
func (c *Collector) counterVecs() map[string]*prometheus.CounterVec {
	m := c.metrics
	return map[string]*prometheus.CounterVec{
		"herald_jobs_enqueued_total":       m.JobsEnqueuedTotal,
		"herald_deliveries_total":          m.DeliveriesTotal,
		"herald_jobs_dead_total":           m.JobsDeadTotal,
		"herald_campaign_executions_total": m.CampaignExecutionsTotal,
		"herald_tracking_events_total":     m.TrackingEventsTotal,
		"herald_api_requests_total":        m.APIRequestsTotal,
		"herald_api_errors_total":          m.APIErrorsTotal,
		"herald_ratelimit_exceeded_total":  m.RateLimitExceededTotal,
	}
}

func (c *Collector) loadCounters() error {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMetrics).Get(countersKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return err
	}

	var saved map[string][]counterSample
	if err := json.Unmarshal(data, &saved); err != nil {
		// Corrupt snapshot, start from zero
		return nil
	}

	vecs := c.counterVecs()
	for name, samples := range saved {
		vec, ok := vecs[name]
		if !ok {
			continue
		}
		for _, s := range samples {
			counter, err := vec.GetMetricWith(s.Labels)
			if err != nil {
				continue
			}
			counter.Add(s.Value)
		}
	}
	return nil
}

// snapshot reads the current value of every persisted counter series
func (c *Collector) snapshot() (map[string][]counterSample, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	vecs := c.counterVecs()
	out := make(map[string][]counterSample)
	for _, family := range families {
		if _, ok := vecs[family.GetName()]; !ok || family.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out[family.GetName()] = append(out[family.GetName()], counterSample{
				Labels: labels,
				Value:  metric.GetCounter().GetValue(),
			})
		}
	}
	return out, nil
}

func (c *Collector) persistCounters() error {
	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(countersKey, data)
	})
}

func (c *Collector) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats != nil {
		stats, err := c.queueStats.QueueStats(ctx)
		if err == nil {
			c.metrics.QueueSize.Set(float64(stats.Pending + stats.Deferred))
			c.metrics.QueueProcessing.Set(float64(stats.Processing))
			c.metrics.QueueDeferred.Set(float64(stats.Deferred))
			c.metrics.QueueDead.Set(float64(stats.Dead))
		}
	}
}

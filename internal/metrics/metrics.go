package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Herald
type Metrics struct {
	// Dispatch counters
	JobsEnqueuedTotal *prometheus.CounterVec
	DeliveriesTotal   *prometheus.CounterVec
	JobsDeadTotal     *prometheus.CounterVec

	// Campaign counters
	CampaignExecutionsTotal *prometheus.CounterVec
	TrackingEventsTotal     *prometheus.CounterVec

	// Queue gauges
	QueueSize       prometheus.Gauge
	QueueProcessing prometheus.Gauge
	QueueDeferred   prometheus.Gauge
	QueueDead       prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JobsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_jobs_enqueued_total",
				Help: "Total number of dispatch jobs enqueued",
			},
			[]string{"channel"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_deliveries_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"channel", "result"},
		),
		JobsDeadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_jobs_dead_total",
				Help: "Total number of jobs moved to the dead letter queue",
			},
			[]string{"channel", "reason"},
		),

		CampaignExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_campaign_executions_total",
				Help: "Total number of campaign executions",
			},
			[]string{"trigger", "result"},
		),
		TrackingEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_tracking_events_total",
				Help: "Total number of recorded engagement events",
			},
			[]string{"kind"},
		),

		QueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_queue_size",
				Help: "Number of pending and deferred jobs in queue",
			},
		),
		QueueProcessing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_queue_processing",
				Help: "Number of jobs currently being processed",
			},
		),
		QueueDeferred: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_queue_deferred",
				Help: "Number of jobs awaiting retry",
			},
		),
		QueueDead: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_queue_dead",
				Help: "Number of jobs in the dead letter queue",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "herald_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_ratelimit_exceeded_total",
				Help: "Total number of rate limit exceeded events",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_storage_used_bytes",
				Help: "Queue database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.JobsEnqueuedTotal,
		m.DeliveriesTotal,
		m.JobsDeadTotal,
		m.CampaignExecutionsTotal,
		m.TrackingEventsTotal,
		m.QueueSize,
		m.QueueProcessing,
		m.QueueDeferred,
		m.QueueDead,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncJobsEnqueued increments the enqueued job counter
func IncJobsEnqueued(channel string) {
	if m := Global(); m != nil {
		m.JobsEnqueuedTotal.WithLabelValues(channel).Inc()
	}
}

// IncDeliveries increments the delivery counter for the given outcome
func IncDeliveries(channel, result string) {
	if m := Global(); m != nil {
		m.DeliveriesTotal.WithLabelValues(channel, result).Inc()
	}
}

// IncJobsDead increments the dead letter counter
func IncJobsDead(channel, reason string) {
	if m := Global(); m != nil {
		m.JobsDeadTotal.WithLabelValues(channel, reason).Inc()
	}
}

// IncCampaignExecutions increments the campaign execution counter
func IncCampaignExecutions(trigger, result string) {
	if m := Global(); m != nil {
		m.CampaignExecutionsTotal.WithLabelValues(trigger, result).Inc()
	}
}

// IncTrackingEvents increments the tracking event counter
func IncTrackingEvents(kind string) {
	if m := Global(); m != nil {
		m.TrackingEventsTotal.WithLabelValues(kind).Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}

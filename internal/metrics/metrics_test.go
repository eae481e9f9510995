package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNew(t *testing.T) {
	m := New()
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	// Vectors without observations are not gathered, plain gauges are
	if len(families) == 0 {
		t.Error("expected registered gauges to be gathered")
	}
}

func TestGlobalMetrics(t *testing.T) {
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}
}

func TestIncDeliveries(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncDeliveries("email", "delivered")
	IncDeliveries("email", "delivered")
	IncDeliveries("email", "deferred")
	IncDeliveries("sms", "delivered")

	counter, err := m.DeliveriesTotal.GetMetricWithLabelValues("email", "delivered")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	if v := counterValue(t, counter); v != 2 {
		t.Errorf("Expected counter value 2, got %f", v)
	}
}

func TestCampaignCounters(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncCampaignExecutions("manual", "success")
	IncTrackingEvents("open")
	IncTrackingEvents("open")
	IncJobsEnqueued("push")
	IncJobsDead("email", "bounced")

	tests := []struct {
		name    string
		counter prometheus.Counter
		want    float64
	}{
		{"executions", m.CampaignExecutionsTotal.WithLabelValues("manual", "success"), 1},
		{"opens", m.TrackingEventsTotal.WithLabelValues("open"), 2},
		{"enqueued", m.JobsEnqueuedTotal.WithLabelValues("push"), 1},
		{"dead", m.JobsDeadTotal.WithLabelValues("email", "bounced"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := counterValue(t, tt.counter); got != tt.want {
				t.Errorf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestIncRateLimitExceeded(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncRateLimitExceeded("tracking_ip")
	IncRateLimitExceeded("tenant")
	IncRateLimitExceeded("tracking_ip")

	if v := counterValue(t, m.RateLimitExceededTotal.WithLabelValues("tracking_ip")); v != 2 {
		t.Errorf("Expected rate limit exceeded 2, got %f", v)
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	// These should not panic when global is nil
	IncJobsEnqueued("email")
	IncDeliveries("email", "delivered")
	IncJobsDead("email", "failed")
	IncCampaignExecutions("manual", "success")
	IncTrackingEvents("click")
	IncRateLimitExceeded("tenant")
	IncAPIErrors("server_error")
}

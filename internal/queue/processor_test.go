package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// mockHandler implements Handler for testing
type mockHandler struct {
	mu         sync.Mutex
	handleFunc func(ctx context.Context, job *Job) error
	handled    []*Job
}

func (m *mockHandler) Handle(ctx context.Context, job *Job) error {
	m.mu.Lock()
	m.handled = append(m.handled, job)
	m.mu.Unlock()
	if m.handleFunc != nil {
		return m.handleFunc(ctx, job)
	}
	return nil
}

func (m *mockHandler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handled)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errPermanent = errors.New("permanent")

func isTemporary(err error) bool {
	return !errors.Is(err, errPermanent)
}

func TestProcessorDelivers(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for _, r := range []string{"r1", "r2"} {
		storage.Enqueue(ctx, campaignJob("c1", r), 0, RetryPolicy{})
	}

	handler := &mockHandler{}
	p := NewProcessor(storage, handler, ProcessorConfig{Workers: 1}, isTemporary, testLogger())

	if n := p.Drain(ctx); n != 2 {
		t.Fatalf("Drain() = %d, want 2", n)
	}
	stats, _ := storage.Stats(ctx)
	if stats.Delivered != 2 {
		t.Errorf("delivered = %d, want 2", stats.Delivered)
	}
}

func TestProcessorRetryOnError(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := campaignJob("c1", "r1")
	storage.Enqueue(ctx, job, 0, RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond})

	handler := &mockHandler{handleFunc: func(ctx context.Context, job *Job) error {
		return errors.New("temporary failure")
	}}

	var deadMu sync.Mutex
	var dead []*Job
	p := NewProcessor(storage, handler, ProcessorConfig{Workers: 1}, isTemporary, testLogger())
	p.OnDeadLetter(func(ctx context.Context, job *Job, err error) {
		deadMu.Lock()
		dead = append(dead, job)
		deadMu.Unlock()
	})

	p.Drain(ctx)
	got, _ := storage.Get(ctx, job.ID)
	if got.Status != StatusDeferred || got.Attempts != 1 || got.LastError == "" {
		t.Fatalf("after first attempt: %+v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.Drain(ctx)
		if got, _ = storage.Get(ctx, job.ID); got.Status == StatusDead {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if got.Status != StatusDead {
		t.Fatalf("status = %s, want dead", got.Status)
	}
	if handler.count() != 3 {
		t.Errorf("handled %d times, want 3", handler.count())
	}
	deadMu.Lock()
	defer deadMu.Unlock()
	if len(dead) != 1 || dead[0].ID != job.ID {
		t.Errorf("dead letter hook calls = %d", len(dead))
	}
}

func TestProcessorPermanentErrorSkipsRetries(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := campaignJob("c1", "r1")
	storage.Enqueue(ctx, job, 0, RetryPolicy{})

	handler := &mockHandler{handleFunc: func(ctx context.Context, job *Job) error {
		return errPermanent
	}}
	p := NewProcessor(storage, handler, ProcessorConfig{}, isTemporary, testLogger())
	p.Drain(ctx)

	got, _ := storage.Get(ctx, job.ID)
	if got.Status != StatusDead || got.Attempts != 1 {
		t.Errorf("job = %+v, want dead after one attempt", got)
	}
}

func TestProcessorRecoversPanic(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := campaignJob("c1", "r1")
	storage.Enqueue(ctx, job, 0, RetryPolicy{MaxAttempts: 1})

	handler := &mockHandler{handleFunc: func(ctx context.Context, job *Job) error {
		panic("sender exploded")
	}}
	p := NewProcessor(storage, handler, ProcessorConfig{}, isTemporary, testLogger())
	p.Drain(ctx)

	got, _ := storage.Get(ctx, job.ID)
	if got.Status != StatusDead {
		t.Errorf("status = %s, want dead", got.Status)
	}
}

func TestProcessorWorkers(t *testing.T) {
	storage := newTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, r := range []string{"a", "b", "c", "d", "e", "f"} {
		storage.Enqueue(ctx, campaignJob("c1", r), 0, RetryPolicy{})
	}

	handler := &mockHandler{}
	p := NewProcessor(storage, handler, ProcessorConfig{Workers: 3, PollInterval: 10 * time.Millisecond}, isTemporary, testLogger())
	p.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for handler.count() < 6 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	p.Stop()

	if handler.count() != 6 {
		t.Errorf("handled %d jobs, want 6", handler.count())
	}
}

func TestBackoff(t *testing.T) {
	exp := RetryPolicy{MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: 2 * time.Second}
	fixed := RetryPolicy{Backoff: BackoffFixed, BaseDelay: 5 * time.Second}

	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"exponential 1", exp, 1, 2 * time.Second},
		{"exponential 2", exp, 2, 4 * time.Second},
		{"exponential 3", exp, 3, 8 * time.Second},
		{"exponential capped", exp, 40, time.Hour},
		{"attempt zero", exp, 0, 2 * time.Second},
		{"fixed", fixed, 4, 5 * time.Second},
		{"defaults", RetryPolicy{}, 2, 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Backoff(tt.policy, tt.attempt); got != tt.want {
				t.Errorf("Backoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

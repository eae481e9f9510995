package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusDispatchesByName(t *testing.T) {
	bus := NewBus(10, testLogger())

	var mu sync.Mutex
	var named, all []string

	bus.Subscribe("user.signed_up", func(ctx context.Context, ev Event) {
		mu.Lock()
		named = append(named, ev.Payload["recipientId"])
		mu.Unlock()
	})
	bus.Subscribe(Wildcard, func(ctx context.Context, ev Event) {
		mu.Lock()
		all = append(all, ev.Name)
		mu.Unlock()
	})

	bus.Publish(Event{Name: "user.signed_up", TenantID: "t1", Payload: map[string]string{"recipientId": "r1"}})
	bus.Publish(Event{Name: "order.placed", TenantID: "t1"})
	bus.Close()

	if len(named) != 1 || named[0] != "r1" {
		t.Errorf("named handler got %v", named)
	}
	if len(all) != 2 {
		t.Errorf("wildcard handler got %v", all)
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(1, testLogger())
	bus.Close()
	bus.Close()

	if bus.Publish(Event{Name: "x"}) {
		t.Error("Publish after Close should report false")
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(1, testLogger())

	block := make(chan struct{})
	started := make(chan struct{})
	bus.Subscribe("slow", func(ctx context.Context, ev Event) {
		close(started)
		<-block
	})

	bus.Publish(Event{Name: "slow"})
	<-started

	// Dispatcher is busy, the buffer holds one more
	if !bus.Publish(Event{Name: "other"}) {
		t.Error("second publish should fit in the buffer")
	}
	if bus.Publish(Event{Name: "other"}) {
		t.Error("third publish should be dropped")
	}

	close(block)
	bus.Close()
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	bus := NewBus(10, testLogger())

	calls := 0
	bus.Subscribe("e", func(ctx context.Context, ev Event) {
		calls++
		if calls == 1 {
			panic("boom")
		}
	})

	bus.Publish(Event{Name: "e"})
	bus.Publish(Event{Name: "e"})
	bus.Close()

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPublishSetsOccurredAt(t *testing.T) {
	bus := NewBus(10, testLogger())

	var got Event
	bus.Subscribe("e", func(ctx context.Context, ev Event) { got = ev })
	bus.Publish(Event{Name: "e"})
	bus.Close()

	if got.OccurredAt.IsZero() {
		t.Error("OccurredAt not set")
	}
}

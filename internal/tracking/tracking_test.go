package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCampaigns struct {
	mu       sync.Mutex
	counters map[campaign.Counter]int64
	tenant   string
}

func (f *fakeCampaigns) Get(ctx context.Context, tenantID, id string) (*campaign.Campaign, error) {
	if id != "c1" {
		return nil, campaign.ErrNotFound
	}
	return &campaign.Campaign{ID: id, TenantID: f.tenant}, nil
}

func (f *fakeCampaigns) IncrementCounter(ctx context.Context, id string, counter campaign.Counter, delta int64) error {
	if id != "c1" {
		return campaign.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counters == nil {
		f.counters = map[campaign.Counter]int64{}
	}
	f.counters[counter] += delta
	return nil
}

type fakeRecipients struct {
	tenant, id string
	status     campaign.RecipientStatus
	err        error
}

func (f *fakeRecipients) SetStatus(ctx context.Context, tenantID, id string, status campaign.RecipientStatus) error {
	f.tenant, f.id, f.status = tenantID, id, status
	return f.err
}

func TestRecordEvent(t *testing.T) {
	camps := &fakeCampaigns{tenant: "t1"}
	recs := &fakeRecipients{}
	c := NewCollector(camps, recs, testLogger())
	ctx := context.Background()

	for _, k := range []Kind{KindOpen, KindOpen, KindClick, KindUnsubscribe} {
		if err := c.RecordEvent(ctx, "c1", "r1", k); err != nil {
			t.Fatalf("RecordEvent(%s) error = %v", k, err)
		}
	}

	want := map[campaign.Counter]int64{
		campaign.CounterOpened:       2,
		campaign.CounterClicked:      1,
		campaign.CounterUnsubscribed: 1,
	}
	for counter, n := range want {
		if camps.counters[counter] != n {
			t.Errorf("%s = %d, want %d", counter, camps.counters[counter], n)
		}
	}
	if recs.tenant != "t1" || recs.id != "r1" || recs.status != campaign.RecipientUnsubscribed {
		t.Errorf("recipient update = %+v", recs)
	}
}

func TestRecordEventErrors(t *testing.T) {
	c := NewCollector(&fakeCampaigns{}, &fakeRecipients{}, testLogger())
	ctx := context.Background()

	if err := c.RecordEvent(ctx, "c1", "r1", Kind("bounce")); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind error = %v", err)
	}
	if err := c.RecordEvent(ctx, "missing", "r1", KindOpen); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("missing campaign error = %v", err)
	}
	if err := c.RecordEvent(ctx, "missing", "r1", KindUnsubscribe); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("missing campaign unsubscribe error = %v", err)
	}
}

func TestUnsubscribeUnknownRecipientStillCounts(t *testing.T) {
	camps := &fakeCampaigns{tenant: "t1"}
	c := NewCollector(camps, &fakeRecipients{err: errors.New("recipient not found")}, testLogger())

	if err := c.RecordEvent(context.Background(), "c1", "ghost", KindUnsubscribe); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if camps.counters[campaign.CounterUnsubscribed] != 1 {
		t.Errorf("unsubscribed = %d, want 1", camps.counters[campaign.CounterUnsubscribed])
	}
}

func TestConcurrentOpens(t *testing.T) {
	camps := &fakeCampaigns{tenant: "t1"}
	c := NewCollector(camps, &fakeRecipients{}, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordEvent(context.Background(), "c1", "r1", KindOpen)
		}()
	}
	wg.Wait()

	if camps.counters[campaign.CounterOpened] != 50 {
		t.Errorf("opened = %d, want 50", camps.counters[campaign.CounterOpened])
	}
}

func TestLinks(t *testing.T) {
	l := NewLinks("https://herald.example.com/")

	if got := l.Open("c1", "r 1"); got != "https://herald.example.com/campaigns/track/open/c1/r%201" {
		t.Errorf("Open() = %q", got)
	}
	click := l.Click("c1", "r1", "https://shop.example.com/sale?x=1&y=2")
	if click != "https://herald.example.com/campaigns/track/click/c1/r1?url=https%3A%2F%2Fshop.example.com%2Fsale%3Fx%3D1%26y%3D2" {
		t.Errorf("Click() = %q", click)
	}
	if !l.IsTracking(click) {
		t.Error("IsTracking(click) = false")
	}
	if l.IsTracking("https://shop.example.com") {
		t.Error("IsTracking(shop) = true")
	}
	if got := l.Unsubscribe("c1", "r1"); got != "https://herald.example.com/campaigns/track/unsubscribe/c1/r1" {
		t.Errorf("Unsubscribe() = %q", got)
	}
}

func TestSafeTarget(t *testing.T) {
	tests := map[string]bool{
		"https://shop.example.com/a": true,
		"http://shop.example.com":    true,
		"javascript:alert(1)":        false,
		"/relative":                  false,
		"":                           false,
		"ftp://files.example.com":    false,
	}
	for target, want := range tests {
		if got := SafeTarget(target); got != want {
			t.Errorf("SafeTarget(%q) = %v, want %v", target, got, want)
		}
	}
}

func TestGuard(t *testing.T) {
	store := ratelimit.NewMemoryStore(time.Minute)
	defer store.Close()
	limiter := ratelimit.NewLimiter(store, map[ratelimit.Level]ratelimit.LimitConfig{
		ratelimit.LevelTrackingIP: {PerMinute: 2, PerHour: 2},
	})
	g := NewGuard(limiter, testLogger())
	ctx := context.Background()

	if !g.Allow(ctx, "10.0.0.1") || !g.Allow(ctx, "10.0.0.1") {
		t.Fatal("first two hits denied")
	}
	if g.Allow(ctx, "10.0.0.1") {
		t.Error("third hit allowed")
	}
	if !g.Allow(ctx, "10.0.0.2") {
		t.Error("other address denied")
	}

	var open *Guard
	if !open.Allow(ctx, "10.0.0.1") {
		t.Error("nil guard denied")
	}
}

func TestPixelIsGIF(t *testing.T) {
	if string(Pixel[:6]) != "GIF89a" || Pixel[len(Pixel)-1] != 0x3b {
		t.Error("pixel is not a GIF89a image")
	}
}

package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/channel"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/tracking"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]*campaign.Campaign
	counters  map[campaign.Counter]int64
}

func newFakeStore(cs ...*campaign.Campaign) *fakeStore {
	s := &fakeStore{campaigns: map[string]*campaign.Campaign{}, counters: map[campaign.Counter]int64{}}
	for _, c := range cs {
		s.campaigns[c.ID] = c
	}
	return s
}

func (s *fakeStore) Get(ctx context.Context, tenantID, id string) (*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) IncrementCounter(ctx context.Context, id string, counter campaign.Counter, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counter] += delta
	return nil
}

func (s *fakeStore) counter(c campaign.Counter) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[c]
}

type recorder struct {
	mu     sync.Mutex
	emails []*channel.EmailMessage
	sms    []*channel.SMSMessage
	inApp  []*channel.InAppMessage
	ok     bool
	err    error
	block  bool
}

func newRecorder() *recorder { return &recorder{ok: true} }

func (r *recorder) result(ctx context.Context) (bool, error) {
	if r.block {
		<-ctx.Done()
		return false, channel.Temporaryf("send timed out: %v", ctx.Err())
	}
	return r.ok, r.err
}

func (r *recorder) SendEmail(ctx context.Context, msg *channel.EmailMessage) (bool, error) {
	r.mu.Lock()
	r.emails = append(r.emails, msg)
	r.mu.Unlock()
	return r.result(ctx)
}

func (r *recorder) SendSMS(ctx context.Context, msg *channel.SMSMessage) (bool, error) {
	r.mu.Lock()
	r.sms = append(r.sms, msg)
	r.mu.Unlock()
	return r.result(ctx)
}

func (r *recorder) SendInApp(ctx context.Context, msg *channel.InAppMessage) (bool, error) {
	r.mu.Lock()
	r.inApp = append(r.inApp, msg)
	r.mu.Unlock()
	return r.result(ctx)
}

func newTestProcessor(store CampaignStore, r *recorder) *Processor {
	return NewProcessor(store, Senders{Email: r, SMS: r, InApp: r}, Config{
		TrackingBaseURL: "https://herald.example.com",
	}, testLogger())
}

func emailCampaign() *campaign.Campaign {
	return &campaign.Campaign{
		ID:       "c1",
		TenantID: "t1",
		Type:     campaign.TypeEmail,
		Status:   campaign.StatusActive,
		Settings: campaign.Settings{TrackOpens: true, TrackClicks: true},
	}
}

func emailJob() *queue.Job {
	return &queue.Job{
		ID:          "j1",
		Kind:        queue.KindCampaign,
		TenantID:    "t1",
		CampaignID:  "c1",
		VariantID:   "default",
		RecipientID: "r1",
		Channel:     "email",
		Address:     "ada@example.org",
		Subject:     "Hi {{name}}",
		Body:        "Hello {{ name }}, code {{code}}",
		HTML:        `<html><body><p>Hi {{name}}</p><a href="https://shop.example.com/sale">Shop</a></body></html>`,
		TemplateData: map[string]string{
			"name": "Ada",
		},
	}
}

func TestRender(t *testing.T) {
	vars := map[string]string{"name": "Ada", "plan": "pro"}

	tests := []struct {
		in, want string
	}{
		{"Hello {{name}}", "Hello Ada"},
		{"Hello {{ name }} on {{plan}}", "Hello Ada on pro"},
		{"Unknown {{missing}} stays", "Unknown {{missing}} stays"},
		{"", ""},
		{"{{name}}{{name}}", "AdaAda"},
	}
	for _, tt := range tests {
		if got := Render(tt.in, vars); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("a", 200)

	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "hello", 160, "hello"},
		{"exact", strings.Repeat("a", 160), 160, strings.Repeat("a", 160)},
		{"long", long, 160, strings.Repeat("a", 157) + "..."},
		{"runes", "привет мир", 8, "приве..."},
		{"tiny limit", "hello", 2, "he"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in, tt.max); got != tt.want {
				t.Errorf("Truncate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRewriteLinks(t *testing.T) {
	links := tracking.NewLinks("https://herald.example.com")
	doc := `<p>Hi</p><a class="btn" href="https://shop.example.com/a?b=1">Go</a>` +
		`<a href="mailto:help@example.com">Mail</a>` +
		`<a href="https://herald.example.com/campaigns/track/unsubscribe/c1/r1">Stop</a>`

	got := rewriteLinks(doc, links, "c1", "r1")

	want := `href="https://herald.example.com/campaigns/track/click/c1/r1?url=https%3A%2F%2Fshop.example.com%2Fa%3Fb%3D1"`
	if !strings.Contains(got, want) {
		t.Errorf("tracked link missing:\n%s", got)
	}
	if !strings.Contains(got, `class="btn"`) {
		t.Errorf("attributes lost:\n%s", got)
	}
	if !strings.Contains(got, `href="mailto:help@example.com"`) {
		t.Errorf("mailto rewritten:\n%s", got)
	}
	if strings.Count(got, "/track/click/") != 1 {
		t.Errorf("unexpected rewrites:\n%s", got)
	}
	if !strings.HasPrefix(got, "<p>Hi</p>") {
		t.Errorf("surrounding markup changed:\n%s", got)
	}
}

func TestAppendPixel(t *testing.T) {
	const img = `<img src="https://h/p" width="1" height="1" alt="" style="display:none">`

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"upper case body", "<html><BODY>x</BODY></html>", "<html><BODY>x" + img + "</BODY></html>"},
		{"no body", "<p>x</p>", "<p>x</p>" + img},
		{"dotted capital I", "<html><body>" + strings.Repeat("İ", 10) + "</body></html>",
			"<html><body>" + strings.Repeat("İ", 10) + img + "</body></html>"},
		{"a with stroke", "<html><body>" + strings.Repeat("Ⱥ", 10) + "</body></html>",
			"<html><body>" + strings.Repeat("Ⱥ", 10) + img + "</body></html>"},
		{"body text in comment", "<body>x<!-- </body> -->y</body>", "<body>x<!-- </body> -->y" + img + "</body>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := appendPixel(tt.doc, "https://h/p")
			if got != tt.want {
				t.Errorf("appendPixel() =\n%s\nwant\n%s", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Error("result is not valid UTF-8")
			}
		})
	}
}

func TestHandleEmailWithTracking(t *testing.T) {
	store := newFakeStore(emailCampaign())
	r := newRecorder()
	p := newTestProcessor(store, r)

	if err := p.Handle(context.Background(), emailJob()); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(r.emails) != 1 {
		t.Fatalf("sent %d emails", len(r.emails))
	}
	msg := r.emails[0]
	if msg.To != "ada@example.org" || msg.Subject != "Hi Ada" {
		t.Errorf("envelope = %s / %s", msg.To, msg.Subject)
	}
	if msg.Text != "Hello Ada, code {{code}}" {
		t.Errorf("text = %q", msg.Text)
	}
	if !strings.Contains(msg.HTML, `<img src="https://herald.example.com/campaigns/track/open/c1/r1"`) {
		t.Errorf("open pixel missing:\n%s", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "/campaigns/track/click/c1/r1?url=") {
		t.Errorf("click tracking missing:\n%s", msg.HTML)
	}
	if msg.Headers["List-Unsubscribe"] != "<https://herald.example.com/campaigns/track/unsubscribe/c1/r1>" {
		t.Errorf("List-Unsubscribe = %q", msg.Headers["List-Unsubscribe"])
	}
	if store.counter(campaign.CounterDelivered) != 1 {
		t.Errorf("delivered = %d, want 1", store.counter(campaign.CounterDelivered))
	}
}

func TestHandleEmailWithoutTracking(t *testing.T) {
	c := emailCampaign()
	c.Settings = campaign.Settings{}
	r := newRecorder()
	p := newTestProcessor(newFakeStore(c), r)

	if err := p.Handle(context.Background(), emailJob()); err != nil {
		t.Fatal(err)
	}
	if html := r.emails[0].HTML; strings.Contains(html, "/track/") {
		t.Errorf("tracking added while disabled:\n%s", html)
	}
}

func TestHandleDropsInactiveCampaigns(t *testing.T) {
	paused := emailCampaign()
	paused.Status = campaign.StatusPaused
	cancelled := emailCampaign()
	cancelled.ID = "c2"
	cancelled.Status = campaign.StatusCancelled
	completed := emailCampaign()
	completed.ID = "c3"
	completed.Status = campaign.StatusCompleted

	store := newFakeStore(paused, cancelled, completed)
	r := newRecorder()
	p := newTestProcessor(store, r)

	for _, id := range []string{"c1", "c2", "deleted"} {
		job := emailJob()
		job.CampaignID = id
		if err := p.Handle(context.Background(), job); err != nil {
			t.Errorf("Handle(%s) error = %v", id, err)
		}
	}
	if len(r.emails) != 0 {
		t.Errorf("sent %d emails for inactive campaigns", len(r.emails))
	}

	job := emailJob()
	job.CampaignID = "c3"
	if err := p.Handle(context.Background(), job); err != nil || len(r.emails) != 1 {
		t.Errorf("completed one-shot campaign must still deliver: err=%v sent=%d", err, len(r.emails))
	}
}

func TestHandleSMSTruncates(t *testing.T) {
	c := &campaign.Campaign{ID: "c1", Type: campaign.TypeSMS, Status: campaign.StatusActive}
	r := newRecorder()
	p := newTestProcessor(newFakeStore(c), r)

	job := &queue.Job{Kind: queue.KindCampaign, CampaignID: "c1", RecipientID: "r1", Channel: "sms",
		Address: "+15550100", Body: strings.Repeat("x", 170)}
	if err := p.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if got := r.sms[0].Body; len(got) != 160 || !strings.HasSuffix(got, "...") {
		t.Errorf("sms body = %q (%d)", got, len(got))
	}
}

func TestHandlePushFallsBackToInApp(t *testing.T) {
	c := &campaign.Campaign{ID: "c1", Type: campaign.TypePush, Status: campaign.StatusActive}
	r := newRecorder()
	p := newTestProcessor(newFakeStore(c), r)

	job := &queue.Job{Kind: queue.KindCampaign, CampaignID: "c1", RecipientID: "r1", Channel: "push",
		Address: "u1", Subject: "New", Body: "Offer for {{name}}", TemplateData: map[string]string{"name": "Ada"}}
	if err := p.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if len(r.inApp) != 1 {
		t.Fatalf("in-app sends = %d", len(r.inApp))
	}
	got := r.inApp[0]
	if got.UserID != "u1" || got.Title != "New" || got.Message != "Offer for Ada" || got.Data["campaign_id"] != "c1" {
		t.Errorf("in-app message = %+v", got)
	}
}

func TestHandleNotAccepted(t *testing.T) {
	r := newRecorder()
	r.ok = false
	store := newFakeStore(emailCampaign())
	p := newTestProcessor(store, r)

	err := p.Handle(context.Background(), emailJob())
	if err == nil || !channel.IsTemporary(err) {
		t.Errorf("error = %v, want temporary", err)
	}
	if store.counter(campaign.CounterDelivered) != 0 {
		t.Error("undelivered message counted")
	}
}

func TestHandleTimeout(t *testing.T) {
	r := newRecorder()
	r.block = true
	p := NewProcessor(newFakeStore(emailCampaign()), Senders{Email: r}, Config{SendTimeout: 20 * time.Millisecond}, testLogger())

	start := time.Now()
	err := p.Handle(context.Background(), emailJob())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("send not bounded: %v", time.Since(start))
	}
}

func TestHandleMissingSender(t *testing.T) {
	p := NewProcessor(newFakeStore(emailCampaign()), Senders{}, Config{}, testLogger())
	if err := p.Handle(context.Background(), emailJob()); !channel.IsRejection(err) {
		t.Errorf("error = %v, want permanent", err)
	}
}

func TestHandleReminder(t *testing.T) {
	store := newFakeStore()
	r := newRecorder()
	p := newTestProcessor(store, r)

	job := &queue.Job{Kind: queue.KindReminder, RecipientID: "r1", Channel: "sms", Address: "+1",
		Body: "See you at {{time}}", TemplateData: map[string]string{"time": "10:00"}}
	if err := p.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if r.sms[0].Body != "See you at 10:00" {
		t.Errorf("body = %q", r.sms[0].Body)
	}
	if len(store.counters) != 0 {
		t.Errorf("reminder touched campaign counters: %v", store.counters)
	}
}

func TestOnDeadLetter(t *testing.T) {
	tests := []struct {
		name    string
		job     *queue.Job
		cause   error
		counter campaign.Counter
	}{
		{"email rejection bounces", &queue.Job{Kind: queue.KindCampaign, CampaignID: "c1", Channel: "email"},
			channel.Permanentf("550 no such user"), campaign.CounterBounced},
		{"email exhausted fails", &queue.Job{Kind: queue.KindCampaign, CampaignID: "c1", Channel: "email"},
			channel.Temporaryf("451 later"), campaign.CounterFailed},
		{"sms rejection fails", &queue.Job{Kind: queue.KindCampaign, CampaignID: "c1", Channel: "sms"},
			channel.Permanentf("bad number"), campaign.CounterFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			p := newTestProcessor(store, newRecorder())
			p.OnDeadLetter(context.Background(), tt.job, tt.cause)
			if store.counter(tt.counter) != 1 || len(store.counters) != 1 {
				t.Errorf("counters = %v, want %s=1", store.counters, tt.counter)
			}
		})
	}

	store := newFakeStore()
	newTestProcessor(store, newRecorder()).OnDeadLetter(context.Background(),
		&queue.Job{Kind: queue.KindReminder, Channel: "sms"}, errors.New("boom"))
	if len(store.counters) != 0 {
		t.Errorf("reminder dead letter counted: %v", store.counters)
	}
}

func TestQueueIntegrationBounce(t *testing.T) {
	storage, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer storage.Close()

	store := newFakeStore(emailCampaign())
	r := newRecorder()
	r.err = channel.Permanentf("550 mailbox unavailable")
	p := newTestProcessor(store, r)

	qp := queue.NewProcessor(storage, p, queue.ProcessorConfig{Workers: 1}, channel.IsTemporary, testLogger())
	qp.OnDeadLetter(p.OnDeadLetter)

	ctx := context.Background()
	if err := storage.Enqueue(ctx, emailJob(), 0, queue.RetryPolicy{MaxAttempts: 3}); err != nil {
		t.Fatal(err)
	}
	qp.Drain(ctx)

	if len(r.emails) != 1 {
		t.Errorf("attempts = %d, want 1 for a permanent rejection", len(r.emails))
	}
	if store.counter(campaign.CounterBounced) != 1 || store.counter(campaign.CounterDelivered) != 0 {
		t.Errorf("counters = %v", store.counters)
	}
	stats, _ := storage.Stats(ctx)
	if stats.Dead != 1 {
		t.Errorf("dead = %d, want 1", stats.Dead)
	}
}

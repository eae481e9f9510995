package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/herald/internal/analytics"
	"github.com/foxzi/herald/internal/audience"
	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/db"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/events"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/ratelimit"
	"github.com/foxzi/herald/internal/repository"
	"github.com/foxzi/herald/internal/tracking"
)

const (
	testSecret       = "test-secret"
	testServiceToken = "svc-token"
)

// mockPublisher records published events
type mockPublisher struct {
	mu     sync.Mutex
	events []events.Event
	reject bool
}

func (m *mockPublisher) Publish(ev events.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject {
		return false
	}
	m.events = append(m.events, ev)
	return true
}

type testServer struct {
	server     *Server
	database   *db.DB
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	queue      *queue.BoltStorage
	publisher  *mockPublisher
}

type serverOption func(cfg *config.Config, deps *Deps)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withLimiter(level ratelimit.Level, limit ratelimit.LimitConfig) serverOption {
	return func(cfg *config.Config, deps *Deps) {
		limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(time.Minute), map[ratelimit.Level]ratelimit.LimitConfig{level: limit})
		if level == ratelimit.LevelTrackingIP {
			deps.Guard = tracking.NewGuard(limiter, testLogger())
		} else {
			deps.Limiter = limiter
		}
	}
}

func withDevMode() serverOption {
	return func(cfg *config.Config, deps *Deps) {
		cfg.Auth.DevMode = true
	}
}

func setupTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "herald.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	storage, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testServiceToken), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		API:      config.APIConfig{ListenAddr: ":0", MaxBodyBytes: 1 << 20},
		Auth:     config.AuthConfig{JWTSecret: testSecret, ServiceTokens: []string{string(hash)}},
		Tracking: config.TrackingConfig{BaseURL: "http://herald.test", FallbackURL: "https://example.org/"},
	}

	logger := testLogger()
	campaigns := repository.NewCampaignRepository(database.DB)
	recipients := repository.NewRecipientRepository(database.DB)
	publisher := &mockPublisher{}

	deps := Deps{
		Engine:     engine.New(campaigns, audience.NewResolver(recipients, logger), storage, engine.Config{}, logger),
		Campaigns:  campaigns,
		Recipients: recipients,
		Analytics:  analytics.New(campaigns),
		Tracker:    tracking.NewCollector(campaigns, recipients, logger),
		Guard:      tracking.NewGuard(nil, logger),
		Events:     publisher,
		Queue:      storage,
		Version:    "test",
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	return &testServer{
		server:     NewServer(cfg, deps, logger),
		database:   database,
		campaigns:  campaigns,
		recipients: recipients,
		queue:      storage,
		publisher:  publisher,
	}
}

func tenantToken(t *testing.T, tenant string) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	if tenant != "" {
		claims["tenant_id"] = tenant
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// do sends a request authenticated as tenant, or unauthenticated for an empty tenant
func (ts *testServer) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set("Authorization", "Bearer "+tenantToken(t, tenant))
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) addRecipients(t *testing.T, tenant string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		err := ts.recipients.Upsert(context.Background(), &campaign.Recipient{
			ID: id, TenantID: tenant, Email: id + "@example.com", DisplayName: "User " + id,
		})
		if err != nil {
			t.Fatalf("failed to add recipient: %v", err)
		}
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	resp := decodeBody[HealthResponse](t, w)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Queue == nil {
		t.Error("queue stats missing")
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := setupTestServer(t)

	noneToken, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"tenant_id": "t1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	otherKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant_id": "t1"}).SignedString([]byte("other"))
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": "t1",
		"exp":       time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no auth", "", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"alg none", "Bearer " + noneToken, http.StatusUnauthorized},
		{"wrong key", "Bearer " + otherKey, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"no tenant claim", "Bearer " + tenantToken(t, ""), http.StatusUnauthorized},
		{"service token is not a tenant", "Bearer " + testServiceToken, http.StatusUnauthorized},
		{"valid", "Bearer " + tenantToken(t, "t1"), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/campaigns", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			ts.server.Handler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestDevModeTenantHeader(t *testing.T) {
	ts := setupTestServer(t, withDevMode())

	req := httptest.NewRequest("GET", "/campaigns", nil)
	req.Header.Set(TenantHeader, "t1")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestTenantRateLimit(t *testing.T) {
	ts := setupTestServer(t, withLimiter(ratelimit.LevelTenant, ratelimit.LimitConfig{PerMinute: 2, PerHour: 2}))

	for i := 0; i < 2; i++ {
		if w := ts.do(t, "GET", "/campaigns", "t1", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: Status = %d", i, w.Code)
		}
	}

	w := ts.do(t, "GET", "/campaigns", "t1", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	// Other tenants have their own budget
	if w := ts.do(t, "GET", "/campaigns", "t2", nil); w.Code != http.StatusOK {
		t.Errorf("other tenant: Status = %d, want 200", w.Code)
	}
}

func TestInternalErrorCarriesRequestID(t *testing.T) {
	ts := setupTestServer(t)
	ts.database.Close()

	w := ts.do(t, "GET", "/campaigns", "t1", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Status = %d, want 500", w.Code)
	}

	resp := decodeBody[ErrorResponse](t, w)
	if resp.RequestID == "" {
		t.Error("request_id missing")
	}
	if strings.Contains(resp.Error, "sql") {
		t.Errorf("error leaks detail: %q", resp.Error)
	}
}

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/herald/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	t.Setenv("HERALD_STORAGE_DATABASE_PATH", filepath.Join(dir, "herald.db"))
	t.Setenv("HERALD_STORAGE_QUEUE_PATH", filepath.Join(dir, "queue.db"))
	t.Setenv("HERALD_AUTH_DEV_MODE", "true")
	t.Setenv("HERALD_REMINDERS_ENABLED", "true")
	t.Setenv("HERALD_LOG_FILE", filepath.Join(dir, "logs", "herald.log"))
	t.Setenv("HERALD_LOG_LEVEL", "debug")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald.log")

	logger, closer := setupLogger(config.LoggingConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	if closer == nil {
		t.Fatal("expected a closer for file output")
	}
	logger.Info("hello", "component", "test")
	logger.Debug("hidden")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file = %s", data)
	}
	if strings.Contains(string(data), "hidden") {
		t.Error("debug record written at info level")
	}
}

func TestSetupLoggerStdoutOnly(t *testing.T) {
	logger, closer := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	if closer != nil {
		t.Error("unexpected closer without file output")
	}
	if logger.Enabled(context.Background(), 0) {
		t.Error("info enabled at warn level")
	}
}

func TestAppReminderFlow(t *testing.T) {
	a, err := New(testConfig(t), "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	handler := a.apiServer.Handler()
	send := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "clinic")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := send("POST", "/recipients", `{"id":"p1","email":"p1@example.com"}`); w.Code != http.StatusOK {
		t.Fatalf("recipient: Status = %d, body %s", w.Code, w.Body.String())
	}

	startsAt := time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	body := `{"name":"appointment.created","payload":{"appointmentId":"a1","recipientId":"p1","startsAt":"` + startsAt + `","service":"Checkup"}}`
	if w := send("POST", "/events", body); w.Code != http.StatusAccepted {
		t.Fatalf("event: Status = %d, body %s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := a.queue.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Pending == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reminder jobs were not enqueued")
}

func TestNewFailsOnBadRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Backend = "redis"
	cfg.RateLimit.RedisURL = "not a url"

	if _, err := New(cfg, "test"); err == nil {
		t.Fatal("New() should fail for an invalid redis URL")
	}
}

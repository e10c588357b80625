package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pryv/open-pryv.io-sub006/internal/config"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load("", map[string]any{
		"storage.dsn":             ":memory:",
		"storage.account_dir":     filepath.Join(dir, "accounts"),
		"storage.audit_dir":       filepath.Join(dir, "audit"),
		"server.attachments_root": filepath.Join(dir, "attachments"),
	})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func TestAppServesStatus(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/system/status", nil)
	req.Host = "localhost"
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body: got %s", w.Body.String())
	}
	if got := w.Header().Get("API-Version"); got == "" {
		t.Error("missing API-Version header")
	}
}

func TestAppServesMetrics(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Host = "localhost"
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("metrics: got %d, want 200", w.Code)
	}
}

func TestAppRejectsBadStorageDriver(t *testing.T) {
	cfg, err := config.Load("", map[string]any{"storage.dsn": ":memory:"})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Storage.Driver = "bogus"
	if _, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected error for unknown storage driver")
	}
}

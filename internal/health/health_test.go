package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func ok(context.Context) error { return nil }

func TestChecker_BasicHealth(t *testing.T) {
	checker := NewChecker(&CheckerConfig{
		Version: "1.0.0",
		Timeout: 5 * time.Second,
	})

	response := checker.Check(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", response.Status)
	}
	if response.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", response.Version)
	}
}

func TestChecker_DeepCheck(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }

	tests := []struct {
		name        string
		cfg         CheckerConfig
		wantStatus  Status
		wantMissing []string
	}{
		{
			name:        "required only",
			cfg:         CheckerConfig{YtdlpCheck: ok},
			wantStatus:  StatusHealthy,
			wantMissing: []string{"redis", "storage"},
		},
		{
			name:       "all healthy",
			cfg:        CheckerConfig{YtdlpCheck: ok, RedisCheck: ok, StorageCheck: ok},
			wantStatus: StatusHealthy,
		},
		{
			name:       "redis down degrades",
			cfg:        CheckerConfig{YtdlpCheck: ok, RedisCheck: down},
			wantStatus: StatusDegraded,
		},
		{
			name:       "storage down degrades",
			cfg:        CheckerConfig{YtdlpCheck: ok, StorageCheck: down},
			wantStatus: StatusDegraded,
		},
		{
			name:       "ytdlp missing is unhealthy",
			cfg:        CheckerConfig{YtdlpCheck: down, RedisCheck: ok},
			wantStatus: StatusUnhealthy,
		},
		{
			name:       "ytdlp not configured is unhealthy",
			cfg:        CheckerConfig{},
			wantStatus: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.DownloadDir = t.TempDir()
			response := NewChecker(&cfg).DeepCheck(context.Background())

			if response.Status != tt.wantStatus {
				t.Errorf("expected %s, got %s (%+v)", tt.wantStatus, response.Status, response.Components)
			}
			if response.Components["downloads"].Status != StatusHealthy {
				t.Errorf("expected downloads healthy, got %+v", response.Components["downloads"])
			}
			for _, name := range tt.wantMissing {
				if _, found := response.Components[name]; found {
					t.Errorf("%s should be omitted when not configured", name)
				}
			}
		})
	}
}

func TestChecker_CheckDownloads_Missing(t *testing.T) {
	checker := NewChecker(&CheckerConfig{DownloadDir: filepath.Join(t.TempDir(), "nope")})

	if got := checker.CheckDownloads(context.Background()); got.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy for missing directory, got %s", got.Status)
	}
}

func TestChecker_CheckTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	checker := NewChecker(&CheckerConfig{YtdlpCheck: slow, Timeout: 10 * time.Millisecond})

	if got := checker.CheckYtdlp(context.Background()); got.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy after timeout, got %s", got.Status)
	}
}

func TestHandler_LivenessHandler(t *testing.T) {
	handler := NewHandler(NewChecker(&CheckerConfig{Version: "1.0.0"}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.LivenessHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", response.Status)
	}
}

func TestHandler_ReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		cfg      CheckerConfig
		wantCode int
	}{
		{"ready", CheckerConfig{YtdlpCheck: ok}, http.StatusOK},
		{"degraded still ready", CheckerConfig{YtdlpCheck: ok, RedisCheck: func(context.Context) error { return errors.New("x") }}, http.StatusOK},
		{"not ready", CheckerConfig{}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.DownloadDir = t.TempDir()
			handler := NewHandler(NewChecker(&cfg))

			req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
			w := httptest.NewRecorder()
			handler.ReadinessHandler(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

func TestHandler_HealthHandler_DeepQuery(t *testing.T) {
	handler := NewHandler(NewChecker(&CheckerConfig{
		DownloadDir: t.TempDir(),
		YtdlpCheck:  ok,
	}))

	req := httptest.NewRequest(http.MethodGet, "/health?deep=true", nil)
	w := httptest.NewRecorder()

	handler.HealthHandler(w, req)

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Components) == 0 {
		t.Error("deep check should include components")
	}
}

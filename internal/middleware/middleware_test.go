package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	apperrors "github.com/openmusicplayer/spotidown/internal/errors"
	"github.com/openmusicplayer/spotidown/internal/logger"
)

func jsonHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(jsonHandler(http.StatusOK, "{}"), mark("a"), mark("b"), mark("c"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if strings.Join(order, "") != "abc" {
		t.Errorf("expected outermost-first order abc, got %v", order)
	}
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		wantLevel string
		wantEntry bool
	}{
		{"success", "/api/job/x", http.StatusOK, "info", true},
		{"client error", "/api/job/x", http.StatusNotFound, "warn", true},
		{"server error", "/api/batch", http.StatusInternalServerError, "error", true},
		{"probe", "/health", http.StatusOK, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.New(&buf, logger.LevelInfo, "http")

			h := Chain(jsonHandler(tt.status, "{}"), apperrors.RequestIDMiddleware, Logging(log))
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set(apperrors.RequestIDHeader, "req-42")
			h.ServeHTTP(httptest.NewRecorder(), req)

			if !tt.wantEntry {
				if buf.Len() != 0 {
					t.Errorf("expected no entry at info level, got %s", buf.String())
				}
				return
			}

			var entry logger.LogEntry
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("bad log line %q: %v", buf.String(), err)
			}
			if entry.Level != tt.wantLevel {
				t.Errorf("expected level %s, got %s", tt.wantLevel, entry.Level)
			}
			if entry.RequestID != "req-42" {
				t.Errorf("expected request id req-42, got %q", entry.RequestID)
			}
			if int(entry.Fields["status"].(float64)) != tt.status {
				t.Errorf("expected status %d in fields, got %v", tt.status, entry.Fields["status"])
			}
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(jsonHandler(http.StatusOK, "{}"))

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/job/x", nil)
		req.Header.Set("Origin", "https://app.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
			t.Errorf("expected origin echoed, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/job/x", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("unexpected CORS header for disallowed origin")
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/batch", nil)
		req.Header.Set("Origin", "https://app.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
	})
}

func TestRecoverer(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	h := Chain(panicky, apperrors.RequestIDMiddleware, Recoverer(logger.Discard()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/info", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body apperrors.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != apperrors.CodeInternalError || body.Error.RequestID == "" {
		t.Errorf("unexpected error body %+v", body)
	}
}

func TestTiming(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, logger.LevelWarn, "http")

	slowHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		io.WriteString(w, "ok")
	})

	rec := httptest.NewRecorder()
	Timing(log, time.Millisecond)(slowHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/info", nil))

	if !strings.HasPrefix(rec.Header().Get("Server-Timing"), "total;dur=") {
		t.Errorf("missing Server-Timing header: %v", rec.Header())
	}
	if !strings.Contains(buf.String(), "slow request") {
		t.Errorf("expected slow request warning, got %q", buf.String())
	}
}

func TestGzip(t *testing.T) {
	skipDownloads := func(r *http.Request) bool { return strings.HasPrefix(r.URL.Path, "/api/download/") }
	h := Gzip(skipDownloads)(jsonHandler(http.StatusOK, `{"status":"queued"}`))

	t.Run("compresses", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/job/x", nil)
		req.Header.Set("Accept-Encoding", "gzip, deflate")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Header().Get("Content-Encoding") != "gzip" {
			t.Fatalf("expected gzip encoding, got %v", rec.Header())
		}
		zr, err := gzip.NewReader(rec.Body)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(zr)
		if string(body) != `{"status":"queued"}` {
			t.Errorf("unexpected body %q", body)
		}
	})

	t.Run("skipped path", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/download/abc", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Header().Get("Content-Encoding") != "" {
			t.Error("downloads must not be compressed")
		}
	})

	t.Run("not modified has no body", func(t *testing.T) {
		notModified := Gzip(nil)(jsonHandler(http.StatusNotModified, ""))
		req := httptest.NewRequest(http.MethodGet, "/api/job/x", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		notModified.ServeHTTP(rec, req)
		if rec.Header().Get("Content-Encoding") != "" || rec.Body.Len() != 0 {
			t.Errorf("expected untouched 304, got %v %q", rec.Header(), rec.Body.String())
		}
	})

	t.Run("client without gzip", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/job/x", nil))
		if rec.Body.String() != `{"status":"queued"}` {
			t.Errorf("unexpected body %q", rec.Body.String())
		}
	})
}

func TestETag(t *testing.T) {
	h := ETag(jsonHandler(http.StatusOK, `{"progress":"1/2"}`))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/job/x", nil))
	etag := rec.Header().Get("ETag")
	if etag == "" || rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with ETag, got %d %q", rec.Code, etag)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/job/x", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified || rec.Body.Len() != 0 {
		t.Errorf("expected empty 304, got %d %q", rec.Code, rec.Body.String())
	}

	notFound := ETag(jsonHandler(http.StatusNotFound, `{}`))
	rec = httptest.NewRecorder()
	notFound.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/job/y", nil))
	if rec.Code != http.StatusNotFound || rec.Header().Get("ETag") != "" {
		t.Errorf("errors must pass through without ETag, got %d", rec.Code)
	}
}

func TestETagMatches(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{`"abc"`, true},
		{`W/"abc"`, true},
		{`"x", "abc"`, true},
		{`*`, true},
		{`"x"`, false},
		{``, false},
	}
	for _, tt := range tests {
		if got := etagMatches(tt.header, `"abc"`); got != tt.want {
			t.Errorf("etagMatches(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestAcceptsGzip(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"gzip", true},
		{"deflate, gzip;q=0.8", true},
		{"GZIP", true},
		{"gzip;q=0", false},
		{"br", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := acceptsGzip(tt.header); got != tt.want {
			t.Errorf("acceptsGzip(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

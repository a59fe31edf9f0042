// Package health serves liveness and readiness probes.
//
// Readiness is driven by what a conversion actually needs: a writable
// download root and a runnable yt-dlp. Redis and the object-storage mirror
// only degrade the service when they fail.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// rank orders statuses from best to worst.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	}
	return 2
}

type ComponentHealth struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// CheckerConfig wires the probes. Redis and storage are optional; leaving
// their checks nil omits them from readiness.
type CheckerConfig struct {
	DownloadDir  string
	YtdlpCheck   func(ctx context.Context) error
	RedisCheck   func(ctx context.Context) error
	StorageCheck func(ctx context.Context) error
	Version      string
	Timeout      time.Duration
}

type Checker struct {
	cfg     CheckerConfig
	started time.Time
}

func NewChecker(cfg *CheckerConfig) *Checker {
	c := &Checker{cfg: *cfg, started: time.Now()}
	if c.cfg.Timeout == 0 {
		c.cfg.Timeout = 5 * time.Second
	}
	return c
}

// CheckDownloads creates and removes a probe file in the download root.
func (c *Checker) CheckDownloads(ctx context.Context) ComponentHealth {
	return c.run(ctx, "download directory", StatusUnhealthy, func(context.Context) error {
		if c.cfg.DownloadDir == "" {
			return os.ErrNotExist
		}
		f, err := os.CreateTemp(c.cfg.DownloadDir, ".health-*")
		if err != nil {
			return err
		}
		f.Close()
		return os.Remove(f.Name())
	})
}

func (c *Checker) CheckYtdlp(ctx context.Context) ComponentHealth {
	return c.run(ctx, "yt-dlp", StatusUnhealthy, c.cfg.YtdlpCheck)
}

func (c *Checker) CheckRedis(ctx context.Context) ComponentHealth {
	return c.run(ctx, "redis", StatusDegraded, c.cfg.RedisCheck)
}

func (c *Checker) CheckStorage(ctx context.Context) ComponentHealth {
	return c.run(ctx, "storage", StatusDegraded, c.cfg.StorageCheck)
}

func (c *Checker) run(ctx context.Context, name string, onFailure Status, check func(context.Context) error) ComponentHealth {
	if check == nil {
		return ComponentHealth{Status: onFailure, Message: name + " not configured"}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	h := ComponentHealth{Status: StatusHealthy}
	if err := check(ctx); err != nil {
		h = ComponentHealth{Status: onFailure, Message: name + " check failed: " + err.Error()}
	}
	h.Duration = time.Since(start).String()
	return h
}

func (c *Checker) response(status Status) *HealthResponse {
	return &HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.cfg.Version,
		Uptime:    time.Since(c.started).Truncate(time.Second).String(),
	}
}

// Check is the liveness probe; it only proves the process is serving.
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return c.response(StatusHealthy)
}

// DeepCheck runs every configured probe concurrently. The overall status is
// the worst component status.
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	probes := map[string]func(context.Context) ComponentHealth{
		"downloads": c.CheckDownloads,
		"ytdlp":     c.CheckYtdlp,
	}
	if c.cfg.RedisCheck != nil {
		probes["redis"] = c.CheckRedis
	}
	if c.cfg.StorageCheck != nil {
		probes["storage"] = c.CheckStorage
	}

	names := make([]string, 0, len(probes))
	results := make([]ComponentHealth, len(probes))
	var g errgroup.Group
	for name, probe := range probes {
		i := len(names)
		names = append(names, name)
		g.Go(func() error {
			results[i] = probe(ctx)
			return nil
		})
	}
	g.Wait()

	resp := c.response(StatusHealthy)
	resp.Components = make(map[string]ComponentHealth, len(names))
	for i, name := range names {
		resp.Components[name] = results[i]
		if results[i].Status.rank() > resp.Status.rank() {
			resp.Status = results[i].Status
		}
	}
	return resp
}

// Handler exposes a Checker over HTTP.
type Handler struct {
	checker *Checker
}

func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

func writeHealth(w http.ResponseWriter, resp *HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	// Degraded still takes traffic.
	if resp.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, h.checker.Check(r.Context()))
}

func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, h.checker.DeepCheck(r.Context()))
}

// HealthHandler serves GET /health; ?deep=true runs the readiness checks.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "true" {
		h.ReadinessHandler(w, r)
		return
	}
	h.LivenessHandler(w, r)
}

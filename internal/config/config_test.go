package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/tmp/spotidown-test")

	cfg := Load()

	if cfg.ServerAddr != ":12065" {
		t.Errorf("expected default addr :12065, got %s", cfg.ServerAddr)
	}
	if cfg.WorkspaceDir != "/tmp/spotidown-test/temp_workspace" {
		t.Errorf("unexpected workspace dir %s", cfg.WorkspaceDir)
	}
	if cfg.Retention != 30*time.Minute {
		t.Errorf("expected 30m retention, got %s", cfg.Retention)
	}
	if cfg.SweepInterval != 10*time.Minute {
		t.Errorf("expected 10m sweep interval, got %s", cfg.SweepInterval)
	}
	if len(cfg.Sources) != 2 || cfg.Sources[0] != "youtube" || cfg.Sources[1] != "soundcloud" {
		t.Errorf("unexpected default sources %v", cfg.Sources)
	}
	if cfg.StorageBackend != StorageNone {
		t.Errorf("expected no storage backend by default, got %s", cfg.StorageBackend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RETENTION", "1800")
	t.Setenv("TRACK_DELAY_MIN", "0s")
	t.Setenv("TRACK_DELAY_MAX", "250ms")
	t.Setenv("SOURCES", " soundcloud , ,youtube")
	t.Setenv("SPOTIPY_CLIENT_ID", "legacy-id")
	t.Setenv("STORAGE_BACKEND", "MINIO")

	cfg := Load()

	if cfg.Retention != 30*time.Minute {
		t.Errorf("bare integer retention should be seconds, got %s", cfg.Retention)
	}
	if cfg.TrackDelayMax != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.TrackDelayMax)
	}
	if len(cfg.Sources) != 2 || cfg.Sources[0] != "soundcloud" {
		t.Errorf("unexpected sources %v", cfg.Sources)
	}
	if cfg.SpotifyClientID != "legacy-id" {
		t.Errorf("expected fallback to SPOTIPY_CLIENT_ID, got %q", cfg.SpotifyClientID)
	}
	if cfg.StorageBackend != StorageMinio {
		t.Errorf("expected minio backend, got %s", cfg.StorageBackend)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no sources", func(c *Config) { c.Sources = nil }},
		{"zero attempts", func(c *Config) { c.SourceAttempts = 0 }},
		{"inverted delays", func(c *Config) { c.TrackDelayMin, c.TrackDelayMax = 2*time.Second, time.Second }},
		{"bad backend", func(c *Config) { c.StorageBackend = "ftp" }},
		{"zero concurrency", func(c *Config) { c.TrackConcurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DOWNLOAD_DIR", t.TempDir())
			cfg := Load()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

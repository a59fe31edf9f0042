// Package sweeper enforces the retention window on everything the service
// leaves on disk or in memory.
package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/openmusicplayer/spotidown/internal/acquire"
	"github.com/openmusicplayer/spotidown/internal/artifact"
	"github.com/openmusicplayer/spotidown/internal/download"
	"github.com/openmusicplayer/spotidown/internal/logger"
)

// Config holds retention settings.
type Config struct {
	DownloadDir        string
	WorkspaceDir       string
	Retention          time.Duration
	WorkspaceRetention time.Duration
	Interval           time.Duration
}

// Jobs is the part of the job registry the sweeper needs.
type Jobs interface {
	Expired(cutoff time.Time) []download.Job
	Remove(id string) bool
}

// Remote deletes mirrored copies of artifacts.
type Remote interface {
	Delete(ctx context.Context, key string) error
}

// Metrics receives sweep counters.
type Metrics interface {
	AddCounter(name string, delta uint64)
	SetGauge(name string, value float64)
}

// Report counts what a sweep removed.
type Report struct {
	Artifacts  int `json:"artifacts"`
	Workspaces int `json:"workspaces"`
	Jobs       int `json:"jobs"`
	Orphans    int `json:"orphans"`
	Failures   int `json:"failures"`
}

// Empty reports whether the sweep removed nothing.
func (r Report) Empty() bool {
	return r.Artifacts+r.Workspaces+r.Jobs+r.Orphans == 0
}

// Sweeper periodically deletes expired artifacts, stale workspaces, old job
// records and orphaned files in the download root.
type Sweeper struct {
	cfg       Config
	artifacts *artifact.Store
	jobs      Jobs
	remote    Remote
	metrics   Metrics
	log       *logger.Logger
}

// New creates a sweeper. jobs, remote and metrics may be nil.
func New(cfg Config, artifacts *artifact.Store, jobs Jobs, remote Remote, metrics Metrics, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Default().WithComponent("sweeper")
	}
	return &Sweeper{
		cfg:       cfg,
		artifacts: artifacts,
		jobs:      jobs,
		remote:    remote,
		metrics:   metrics,
		log:       log,
	}
}

// Run sweeps immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info(ctx, "sweeper started", map[string]interface{}{
		"interval":  interval.String(),
		"retention": s.cfg.Retention.String(),
	})

	for {
		s.Sweep(ctx, time.Now())

		select {
		case <-ctx.Done():
			s.log.Info(ctx, "sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep removes everything that expired as of now.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) Report {
	var r Report
	cutoff := now.Add(-s.cfg.Retention)

	s.sweepArtifacts(ctx, cutoff, &r)
	s.sweepWorkspaces(ctx, now.Add(-s.cfg.WorkspaceRetention), &r)
	s.sweepJobs(cutoff, &r)
	s.sweepOrphans(ctx, cutoff, &r)

	if !r.Empty() || r.Failures > 0 {
		s.log.Info(ctx, "sweep finished", map[string]interface{}{
			"artifacts":  r.Artifacts,
			"workspaces": r.Workspaces,
			"jobs":       r.Jobs,
			"orphans":    r.Orphans,
			"failures":   r.Failures,
		})
	}
	if s.metrics != nil {
		s.metrics.AddCounter("sweep_artifacts", uint64(r.Artifacts))
		s.metrics.AddCounter("sweep_workspaces", uint64(r.Workspaces))
		s.metrics.AddCounter("sweep_jobs", uint64(r.Jobs))
		s.metrics.AddCounter("sweep_orphans", uint64(r.Orphans))
		s.metrics.SetGauge("artifacts", float64(s.artifacts.Len()))
	}
	return r
}

// sweepArtifacts drops expired records. Repeat requests for a cached track
// share one file, so the file goes only with the last record pointing at it.
// A file that fails to delete is left to sweepOrphans.
func (s *Sweeper) sweepArtifacts(ctx context.Context, cutoff time.Time, r *Report) {
	for _, a := range s.artifacts.Expired(cutoff) {
		s.artifacts.Remove(a.ID)
		r.Artifacts++

		// Object keys embed the artifact id, so mirrors are never shared.
		if a.RemoteKey != "" && s.remote != nil {
			if err := s.remote.Delete(ctx, a.RemoteKey); err != nil {
				s.log.WarnErr(ctx, "failed to delete mirrored artifact", err, map[string]interface{}{"key": a.RemoteKey})
				r.Failures++
			}
		}

		if s.artifacts.References(a.Path) {
			continue
		}
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			s.log.WarnErr(ctx, "failed to delete expired artifact", err, map[string]interface{}{"path": a.Path})
			r.Failures++
		}
	}
}

func (s *Sweeper) sweepWorkspaces(ctx context.Context, cutoff time.Time, r *Report) {
	entries, err := os.ReadDir(s.cfg.WorkspaceDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WarnErr(ctx, "failed to read workspace root", err)
			r.Failures++
		}
		return
	}

	for _, e := range entries {
		if !e.IsDir() || !acquire.IsWorkspaceDir(e.Name()) {
			continue
		}
		if !olderThan(e, cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.WorkspaceDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			s.log.WarnErr(ctx, "failed to delete stale workspace", err, map[string]interface{}{"path": path})
			r.Failures++
			continue
		}
		r.Workspaces++
	}
}

func (s *Sweeper) sweepJobs(cutoff time.Time, r *Report) {
	if s.jobs == nil {
		return
	}
	for _, j := range s.jobs.Expired(cutoff) {
		if s.jobs.Remove(j.ID) {
			r.Jobs++
		}
	}
}

// sweepOrphans deletes entries in the download root that nothing references,
// such as batch directories and files left by an earlier process.
func (s *Sweeper) sweepOrphans(ctx context.Context, cutoff time.Time, r *Report) {
	entries, err := os.ReadDir(s.cfg.DownloadDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WarnErr(ctx, "failed to read download root", err)
			r.Failures++
		}
		return
	}

	workspaceRoot := filepath.Clean(s.cfg.WorkspaceDir)
	for _, e := range entries {
		path := filepath.Join(s.cfg.DownloadDir, e.Name())
		if filepath.Clean(path) == workspaceRoot {
			continue
		}
		if !olderThan(e, cutoff) || s.artifacts.References(path) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.log.WarnErr(ctx, "failed to delete orphan", err, map[string]interface{}{"path": path})
			r.Failures++
			continue
		}
		r.Orphans++
	}
}

func olderThan(e os.DirEntry, cutoff time.Time) bool {
	info, err := e.Info()
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}

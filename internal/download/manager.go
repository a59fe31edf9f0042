// Package download runs multi-track batch jobs: one worker goroutine per
// job acquires each track, packs the successes and registers the archive.
package download

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openmusicplayer/spotidown/internal/acquire"
	"github.com/openmusicplayer/spotidown/internal/artifact"
	"github.com/openmusicplayer/spotidown/internal/catalog"
	apperrors "github.com/openmusicplayer/spotidown/internal/errors"
	"github.com/openmusicplayer/spotidown/internal/logger"
)

// BatchDirPrefix names the per-job working directory under the download root.
const BatchDirPrefix = "batch_"

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrEmptyBatch   = errors.New("batch has no tracks")
	ErrBatchTooBig  = errors.New("batch exceeds track limit")
	ErrShuttingDown = errors.New("job manager is shutting down")
)

// Acquirer produces one file per track. *acquire.Engine satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context, outputDir string, req acquire.Request) (*acquire.Result, error)
}

// Registrar records servable files. *artifact.Store satisfies it.
type Registrar interface {
	Register(path string, kind artifact.Kind) (artifact.Artifact, error)
}

// PackFunc zips files into destDir and removes their directory.
type PackFunc func(ctx context.Context, files []string, collectionName, destDir string) (string, error)

// Notifier is told about every job state change.
type Notifier interface {
	Notify(ctx context.Context, job Job)
}

// Metrics receives job counters and gauges. *metrics.Metrics satisfies it.
type Metrics interface {
	IncCounter(name string)
	SetGauge(name string, value float64)
}

// Config controls batch execution.
type Config struct {
	DownloadDir      string
	TrackDelayMin    time.Duration
	TrackDelayMax    time.Duration
	TrackConcurrency int
	MaxTracks        int
}

// Manager owns the job registry and the per-job workers.
type Manager struct {
	cfg       Config
	acquirer  Acquirer
	artifacts Registrar
	pack      PackFunc
	notifiers []Notifier
	metrics   Metrics
	log       *logger.Logger

	// AfterArchive, when set, runs after an archive is registered and
	// before the job is marked done.
	AfterArchive func(ctx context.Context, a artifact.Artifact)

	mu   sync.RWMutex
	jobs map[string]*jobRecord
	// notifyMu keeps notifications in the order updates were applied.
	notifyMu sync.Mutex
	stopped  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type jobRecord struct {
	job    Job
	tracks []catalog.Track
	done   chan struct{}
}

// NewManager creates a manager. metrics may be nil.
func NewManager(cfg Config, acquirer Acquirer, artifacts Registrar, pack PackFunc, metrics Metrics, log *logger.Logger) *Manager {
	if cfg.TrackConcurrency < 1 {
		cfg.TrackConcurrency = 1
	}
	if cfg.TrackDelayMax < cfg.TrackDelayMin {
		cfg.TrackDelayMax = cfg.TrackDelayMin
	}
	if log == nil {
		log = logger.Default().WithComponent("download")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		acquirer:  acquirer,
		artifacts: artifacts,
		pack:      pack,
		metrics:   metrics,
		log:       log,
		jobs:      make(map[string]*jobRecord),
		baseCtx:   ctx,
		cancel:    cancel,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// AddNotifier registers n for job updates. Call before submitting jobs.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Submit records a queued job and starts its worker. The request context is
// only used for logging; the job outlives the request.
func (m *Manager) Submit(ctx context.Context, collectionName string, tracks []catalog.Track) (Job, error) {
	if len(tracks) == 0 {
		return Job{}, ErrEmptyBatch
	}
	if m.cfg.MaxTracks > 0 && len(tracks) > m.cfg.MaxTracks {
		return Job{}, fmt.Errorf("%w: %d > %d", ErrBatchTooBig, len(tracks), m.cfg.MaxTracks)
	}

	now := m.now()
	rec := &jobRecord{
		job: Job{
			ID:             uuid.New().String(),
			CollectionName: collectionName,
			Status:         StatusQueued,
			Total:          len(tracks),
			Results:        make([]TrackResult, len(tracks)),
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		tracks: append([]catalog.Track(nil), tracks...),
		done:   make(chan struct{}),
	}
	for i, t := range rec.tracks {
		rec.job.Results[i].Track = t
	}

	m.notifyMu.Lock()
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.notifyMu.Unlock()
		return Job{}, ErrShuttingDown
	}
	m.jobs[rec.job.ID] = rec
	snapshot := rec.job.clone()
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info(ctx, "batch job queued", map[string]interface{}{
		"job_id":     snapshot.ID,
		"collection": collectionName,
		"tracks":     len(tracks),
	})
	m.notify(snapshot)
	m.notifyMu.Unlock()
	m.updateActiveGauge()

	go m.run(rec.job.ID, rec.tracks, rec.done)
	return snapshot, nil
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return rec.job.clone(), nil
}

// List returns snapshots of every known job, newest first.
func (m *Manager) List() []Job {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec.job.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Wait blocks until the job's worker has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mu.RLock()
	rec, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.jobs[id]; ok {
		return rec.job.clone(), nil
	}
	return Job{}, ErrJobNotFound
}

// Expired returns jobs created before cutoff, whatever their status.
func (m *Manager) Expired(cutoff time.Time) []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Job
	for _, rec := range m.jobs {
		if rec.job.CreatedAt.Before(cutoff) {
			out = append(out, rec.job.clone())
		}
	}
	return out
}

// Remove drops the job record. A worker still running for it stops at its
// next update and cleans up its batch directory.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	_, ok := m.jobs[id]
	delete(m.jobs, id)
	m.mu.Unlock()
	if ok {
		m.updateActiveGauge()
	}
	return ok
}

func (m *Manager) exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.jobs[id]
	return ok
}

// Active returns the number of jobs that are not yet terminal.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.jobs {
		if !rec.job.IsTerminal() {
			n++
		}
	}
	return n
}

// Stop refuses new jobs, cancels running workers and waits for them to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info(ctx, "job manager stopped")
		return nil
	case <-ctx.Done():
		m.log.Warn(ctx, "job manager shutdown timed out")
		return ctx.Err()
	}
}

// BatchDir is where a job's loose files live while it runs.
func (m *Manager) BatchDir(id string) string {
	return filepath.Join(m.cfg.DownloadDir, BatchDirPrefix+id)
}

// update applies fn to the job under the lock and publishes the result.
// It reports false if the job no longer exists.
func (m *Manager) update(id string, fn func(j *Job)) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	rec, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	fn(&rec.job)
	rec.job.UpdatedAt = m.now()
	snapshot := rec.job.clone()
	m.mu.Unlock()

	m.notify(snapshot)
	return true
}

// transition moves the job to status, rejecting illegal moves.
func (m *Manager) transition(ctx context.Context, id string, to Status, fn func(j *Job)) bool {
	return m.update(id, func(j *Job) {
		if !canTransition(j.Status, to) {
			m.log.Warn(ctx, "illegal job transition ignored", map[string]interface{}{
				"from": string(j.Status),
				"to":   string(to),
			})
			return
		}
		j.Status = to
		now := m.now()
		switch to {
		case StatusProcessing:
			j.StartedAt = &now
		case StatusDone, StatusError:
			j.CompletedAt = &now
		}
		if fn != nil {
			fn(j)
		}
	})
}

func (m *Manager) notify(job Job) {
	for _, n := range m.notifiers {
		n.Notify(m.baseCtx, job)
	}
}

func (m *Manager) updateActiveGauge() {
	if m.metrics != nil {
		m.metrics.SetGauge("jobs_active", float64(m.Active()))
	}
}

func (m *Manager) inc(name string) {
	if m.metrics != nil {
		m.metrics.IncCounter(name)
	}
}

// run is the job's worker. It is the only writer of the job's progress.
func (m *Manager) run(id string, tracks []catalog.Track, done chan struct{}) {
	ctx := logger.WithJobID(m.baseCtx, id)
	batchDir := m.BatchDir(id)

	defer func() {
		if r := recover(); r != nil {
			m.log.Error(ctx, "batch worker panicked", fmt.Errorf("%v", r))
			os.RemoveAll(batchDir)
			m.fail(ctx, id, apperrors.InternalError("batch worker crashed"))
		}
		close(done)
		m.wg.Done()
		m.updateActiveGauge()
	}()

	if !m.transition(ctx, id, StatusProcessing, nil) {
		return
	}
	m.log.Info(ctx, "batch job started", map[string]interface{}{"tracks": len(tracks)})

	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		m.fail(ctx, id, apperrors.StorageError("could not create batch directory").WithCause(err))
		return
	}

	files, abandoned := m.acquireAll(ctx, id, batchDir, tracks)
	if abandoned {
		m.log.Info(ctx, "batch job abandoned")
		os.RemoveAll(batchDir)
		return
	}
	if ctx.Err() != nil {
		os.RemoveAll(batchDir)
		m.fail(ctx, id, apperrors.InternalError("service shutting down"))
		return
	}

	if len(files) == 0 {
		os.RemoveAll(batchDir)
		m.fail(ctx, id, apperrors.AllTracksFailed())
		return
	}

	job, err := m.Get(id)
	if err != nil {
		os.RemoveAll(batchDir)
		return
	}

	archivePath, err := m.pack(ctx, files, job.CollectionName, m.cfg.DownloadDir)
	if err != nil {
		os.RemoveAll(batchDir)
		m.fail(ctx, id, apperrors.PackagingError("could not build archive").WithCause(err))
		return
	}

	archive, err := m.artifacts.Register(archivePath, artifact.KindArchive)
	if err != nil {
		os.Remove(archivePath)
		m.fail(ctx, id, apperrors.StorageError("could not register archive").WithCause(err))
		return
	}
	if m.AfterArchive != nil {
		m.AfterArchive(ctx, archive)
	}

	if m.transition(ctx, id, StatusDone, func(j *Job) { j.ArchiveArtifactID = archive.ID }) {
		m.inc("jobs_done")
		m.log.Info(ctx, "batch job done", map[string]interface{}{
			"archive":   archivePath,
			"succeeded": len(files),
			"total":     len(tracks),
		})
	}
}

// acquireAll acquires every track, sequentially unless TrackConcurrency > 1,
// with a randomized pause between track starts. It returns the successful
// paths in track order and whether the job record disappeared.
func (m *Manager) acquireAll(ctx context.Context, id, batchDir string, tracks []catalog.Track) ([]string, bool) {
	paths := make([]string, len(tracks))
	var abandoned atomic.Bool

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.TrackConcurrency)

	for i, track := range tracks {
		if i > 0 {
			if err := m.sleep(ctx, m.trackDelay()); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		if abandoned.Load() || !m.exists(id) {
			abandoned.Store(true)
			break
		}

		g.Go(func() error {
			path, result := m.acquireOne(ctx, batchDir, track)
			ok := m.update(id, func(j *Job) {
				j.Results[i] = result
				j.Completed++
				if result.Succeeded {
					j.Succeeded++
				}
			})
			if !ok {
				abandoned.Store(true)
				return nil
			}
			paths[i] = path
			return nil
		})
	}
	g.Wait()

	if abandoned.Load() {
		return nil, true
	}
	var files []string
	for _, p := range paths {
		if p != "" {
			files = append(files, p)
		}
	}
	return files, false
}

// acquireOne runs on a pool goroutine, out of reach of the recover in run, so
// a panic is turned into a failed track here.
func (m *Manager) acquireOne(ctx context.Context, batchDir string, track catalog.Track) (path string, result TrackResult) {
	result = TrackResult{Track: track}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("track acquisition panicked: %v", r)
			m.log.Error(ctx, "track worker panicked", err, map[string]interface{}{
				"title":  track.Title,
				"artist": track.Artist,
			})
			m.inc("tracks_panicked")
			path = ""
			result = TrackResult{Track: track, Error: err.Error()}
		}
	}()

	res, err := m.acquirer.Acquire(ctx, batchDir, acquire.Request{
		Query:     acquire.SearchQuery(track.Artist, track.Title),
		FinalName: acquire.TrackName(track.Artist, track.Title),
		Title:     track.Title,
		Artist:    track.Artist,
		Album:     track.Album,
		CoverURL:  track.CoverURL,
	})
	if err != nil {
		result.Error = err.Error()
		m.log.WarnErr(ctx, "track failed", err, map[string]interface{}{
			"title":  track.Title,
			"artist": track.Artist,
		})
		return "", result
	}

	result.Succeeded = true
	result.FilePath = res.Path
	result.Source = res.Source
	return res.Path, result
}

func (m *Manager) fail(ctx context.Context, id string, err *apperrors.AppError) {
	if m.transition(ctx, id, StatusError, func(j *Job) { j.Error = err.Message }) {
		m.inc("jobs_error")
		m.log.WarnErr(ctx, "batch job failed", err)
	}
}

func (m *Manager) trackDelay() time.Duration {
	lo, hi := m.cfg.TrackDelayMin, m.cfg.TrackDelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

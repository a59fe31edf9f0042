package sweeper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openmusicplayer/spotidown/internal/artifact"
	"github.com/openmusicplayer/spotidown/internal/download"
	"github.com/openmusicplayer/spotidown/internal/logger"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]download.Job
}

func (f *fakeJobs) Expired(cutoff time.Time) []download.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []download.Job
	for _, j := range f.jobs {
		if j.CreatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out
}

func (f *fakeJobs) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[id]
	delete(f.jobs, id)
	return ok
}

type fakeRemote struct {
	deleted []string
	err     error
}

func (f *fakeRemote) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return f.err
}

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	setAge(t, path, age)
}

func setAge(t *testing.T, path string, age time.Duration) {
	t.Helper()
	ts := time.Now().Add(-age)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatal(err)
	}
}

func newTestSweeper(t *testing.T, store *artifact.Store, jobs Jobs, remote Remote) (*Sweeper, Config) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		DownloadDir:        root,
		WorkspaceDir:       filepath.Join(root, "temp_workspace"),
		Retention:          30 * time.Minute,
		WorkspaceRetention: 15 * time.Minute,
		Interval:           time.Hour,
	}
	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return New(cfg, store, jobs, remote, nil, logger.Discard()), cfg
}

func TestSweep_ExpiredArtifacts(t *testing.T) {
	store := artifact.NewStore()
	remote := &fakeRemote{}
	s, cfg := newTestSweeper(t, store, nil, remote)

	path := filepath.Join(cfg.DownloadDir, "Band - Song.mp3")
	writeFile(t, path, 0)
	a, err := store.Register(path, artifact.KindSingleFile)
	if err != nil {
		t.Fatal(err)
	}
	store.SetRemoteKey(a.ID, "band-song.mp3")

	// Nothing is old yet.
	if r := s.Sweep(context.Background(), time.Now()); r.Artifacts != 0 {
		t.Fatalf("fresh artifact swept: %+v", r)
	}

	r := s.Sweep(context.Background(), time.Now().Add(time.Hour))
	if r.Artifacts != 1 {
		t.Fatalf("expected 1 artifact swept, got %+v", r)
	}
	if _, err := store.Resolve(a.ID); !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("expected ErrNotFound after sweep, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("artifact file should be deleted")
	}
	if len(remote.deleted) != 1 || remote.deleted[0] != "band-song.mp3" {
		t.Errorf("expected mirror delete, got %v", remote.deleted)
	}
}

func TestSweep_RemoteFailureStillDropsRecord(t *testing.T) {
	store := artifact.NewStore()
	s, cfg := newTestSweeper(t, store, nil, &fakeRemote{err: errors.New("bucket gone")})

	path := filepath.Join(cfg.DownloadDir, "a.zip")
	writeFile(t, path, 0)
	a, _ := store.Register(path, artifact.KindArchive)
	store.SetRemoteKey(a.ID, "a.zip")

	r := s.Sweep(context.Background(), time.Now().Add(time.Hour))
	if r.Artifacts != 1 || r.Failures != 1 {
		t.Errorf("expected 1 artifact and 1 failure, got %+v", r)
	}
	if store.Len() != 0 {
		t.Error("record should be removed even when the mirror delete fails")
	}
}

func TestSweep_SharedFileOutlivesOlderRecord(t *testing.T) {
	store := artifact.NewStore()
	s, cfg := newTestSweeper(t, store, nil, &fakeRemote{})

	path := filepath.Join(cfg.DownloadDir, "Band - Hit.mp3")
	writeFile(t, path, 0)
	older, err := store.Register(path, artifact.KindSingleFile)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	newer, err := store.Register(path, artifact.KindSingleFile)
	if err != nil {
		t.Fatal(err)
	}

	// Only the older record is past its window.
	r := s.Sweep(context.Background(), newer.CreatedAt.Add(cfg.Retention-time.Millisecond))
	if r.Artifacts != 1 {
		t.Fatalf("expected the older record swept, got %+v", r)
	}
	if _, err := store.Resolve(older.ID); !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("older record should be gone, got %v", err)
	}
	if _, err := store.Resolve(newer.ID); err != nil {
		t.Fatalf("newer record must stay downloadable: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("shared file should survive: %v", err)
	}

	r = s.Sweep(context.Background(), newer.CreatedAt.Add(cfg.Retention+time.Millisecond))
	if r.Artifacts != 1 {
		t.Fatalf("expected the newer record swept, got %+v", r)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should go with its last record")
	}
}

func TestSweep_Workspaces(t *testing.T) {
	s, cfg := newTestSweeper(t, artifact.NewStore(), nil, nil)

	stale := filepath.Join(cfg.WorkspaceDir, "temp_old")
	fresh := filepath.Join(cfg.WorkspaceDir, "temp_new")
	other := filepath.Join(cfg.WorkspaceDir, "keep_me")
	for _, dir := range []string{stale, fresh, other} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(stale, "downloaded_file.webm"), 20*time.Minute)
	setAge(t, stale, 20*time.Minute)
	setAge(t, fresh, time.Minute)
	setAge(t, other, time.Hour)

	r := s.Sweep(context.Background(), time.Now())
	if r.Workspaces != 1 {
		t.Fatalf("expected 1 workspace swept, got %+v", r)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale workspace should be removed")
	}
	for _, dir := range []string{fresh, other} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("%s should survive: %v", filepath.Base(dir), err)
		}
	}
}

func TestSweep_Jobs(t *testing.T) {
	now := time.Now()
	jobs := &fakeJobs{jobs: map[string]download.Job{
		"old-running": {ID: "old-running", Status: download.StatusProcessing, CreatedAt: now.Add(-time.Hour)},
		"old-done":    {ID: "old-done", Status: download.StatusDone, CreatedAt: now.Add(-40 * time.Minute)},
		"new":         {ID: "new", Status: download.StatusQueued, CreatedAt: now.Add(-time.Minute)},
	}}
	s, _ := newTestSweeper(t, artifact.NewStore(), jobs, nil)

	r := s.Sweep(context.Background(), now)
	if r.Jobs != 2 {
		t.Fatalf("expected 2 jobs swept, got %+v", r)
	}
	if _, ok := jobs.jobs["new"]; !ok || len(jobs.jobs) != 1 {
		t.Errorf("only the recent job should remain, got %v", jobs.jobs)
	}
}

func TestSweep_Orphans(t *testing.T) {
	store := artifact.NewStore()
	s, cfg := newTestSweeper(t, store, nil, nil)
	setAge(t, cfg.WorkspaceDir, 2*time.Hour)

	orphanDir := filepath.Join(cfg.DownloadDir, "batch_dead")
	writeFile(t, filepath.Join(orphanDir, "x.mp3"), 2*time.Hour)
	setAge(t, orphanDir, 2*time.Hour)

	orphanFile := filepath.Join(cfg.DownloadDir, "Leftover.zip")
	writeFile(t, orphanFile, 2*time.Hour)

	recent := filepath.Join(cfg.DownloadDir, "batch_live")
	writeFile(t, filepath.Join(recent, "y.mp3"), 0)

	// Old on disk but still registered: only its own retention applies.
	referenced := filepath.Join(cfg.DownloadDir, "Kept.mp3")
	writeFile(t, referenced, 0)
	store.Register(referenced, artifact.KindSingleFile)
	setAge(t, referenced, 2*time.Hour)

	r := s.Sweep(context.Background(), time.Now())
	if r.Orphans != 2 {
		t.Fatalf("expected 2 orphans, got %+v", r)
	}
	for _, p := range []string{orphanDir, orphanFile} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", filepath.Base(p))
		}
	}
	for _, p := range []string{recent, referenced, cfg.WorkspaceDir} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should survive: %v", filepath.Base(p), err)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, _ := newTestSweeper(t, artifact.NewStore(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReport_Empty(t *testing.T) {
	if !(Report{Failures: 3}).Empty() {
		t.Error("failures alone should not count as removals")
	}
	if (Report{Orphans: 1}).Empty() {
		t.Error("report with an orphan is not empty")
	}
}

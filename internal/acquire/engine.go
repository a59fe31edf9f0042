// Package acquire turns a search query into one tagged audio file on disk,
// trying each configured source in order with bounded retries.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/openmusicplayer/spotidown/internal/errors"
	"github.com/openmusicplayer/spotidown/internal/logger"
	"github.com/openmusicplayer/spotidown/internal/ytdlp"
)

// Failure taxonomy for a single attempt. Every kind is retried and, once the
// source's attempts run out, the next source is tried.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrNoResult          = errors.New("source returned no result")
	ErrNoAudioProduced   = errors.New("no audio file produced")

	// ErrAllSourcesFailed is returned once every source is exhausted.
	ErrAllSourcesFailed = errors.New("all sources failed")
	// ErrInvalidName is returned when the final name sanitizes to nothing.
	ErrInvalidName = errors.New("final name is empty after sanitizing")
)

// Fetcher runs one search-and-download into a workspace.
type Fetcher interface {
	Fetch(ctx context.Context, req ytdlp.FetchRequest) error
	AudioFormat() string
}

// Counter receives acquisition counters. *metrics.Metrics satisfies it.
type Counter interface {
	IncCounter(name string)
}

// Request is one track to acquire.
type Request struct {
	Query     string
	FinalName string
	Title     string
	Artist    string
	Album     string
	CoverURL  string
}

// Outcome of a single attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Attempt records one try against one source.
type Attempt struct {
	Source   string
	Try      int
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Result describes where the acquired file ended up and how it got there.
type Result struct {
	Path     string
	Cached   bool
	Source   string
	Attempts []Attempt
}

// Config controls the engine.
type Config struct {
	WorkspaceRoot     string
	Sources           []Source
	AttemptsPerSource int
	RetryBackoff      time.Duration
	AttemptTimeout    time.Duration
}

// Engine acquires tracks. It is safe for concurrent use.
type Engine struct {
	cfg     Config
	fetcher Fetcher
	tagger  Tagger
	counter Counter
	log     *logger.Logger

	inflight singleflight.Group
	mu       sync.Mutex
	flights  map[string]*flight
}

// flight is the context shared by every caller waiting on one path. It is
// cancelled once the last of them leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates an engine. tagger and counter may be nil.
func New(cfg Config, fetcher Fetcher, tagger Tagger, counter Counter, log *logger.Logger) *Engine {
	if cfg.AttemptsPerSource < 1 {
		cfg.AttemptsPerSource = 1
	}
	if log == nil {
		log = logger.Default().WithComponent("acquire")
	}
	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		tagger:  tagger,
		counter: counter,
		log:     log,
		flights: make(map[string]*flight),
	}
}

// Acquire produces "<outputDir>/<sanitized FinalName>.<ext>". An existing file
// at that path is returned as is, without contacting any source. Concurrent
// calls for the same path share one acquisition.
func (e *Engine) Acquire(ctx context.Context, outputDir string, req Request) (*Result, error) {
	name := SanitizeName(req.FinalName)
	if name == "" {
		return nil, ErrInvalidName
	}
	finalPath := filepath.Join(outputDir, name+"."+e.fetcher.AudioFormat())

	if fileExists(finalPath) {
		e.inc("acquire_cache_hit")
		return &Result{Path: finalPath, Cached: true}, nil
	}

	workCtx, leave := e.join(ctx, finalPath)
	defer leave()

	ch := e.inflight.DoChan(finalPath, func() (v interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("acquisition panicked: %v", r)
			}
		}()
		if fileExists(finalPath) {
			return &Result{Path: finalPath, Cached: true}, nil
		}
		return e.acquire(workCtx, finalPath, req)
	})

	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.Err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, r.Err
	}

	// Shared callers each get their own copy.
	res := *r.Val.(*Result)
	res.Attempts = append([]Attempt(nil), res.Attempts...)
	return &res, nil
}

// join registers the caller on the flight for key and returns the context the
// shared acquisition runs under. It outlives any single caller and is only
// cancelled when leave has been called by every caller.
func (e *Engine) join(ctx context.Context, key string) (context.Context, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		e.flights[key] = f
	}
	f.waiters++

	return f.ctx, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		f.waiters--
		if f.waiters > 0 {
			return
		}
		f.cancel()
		if e.flights[key] == f {
			delete(e.flights, key)
		}
		// A later caller must not attach to the cancelled call.
		e.inflight.Forget(key)
	}
}

func (e *Engine) acquire(ctx context.Context, finalPath string, req Request) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	res := &Result{}
	var lastErr error

	for _, src := range e.cfg.Sources {
		try := 0
		retry := apperrors.DownloadRetryConfig(e.cfg.AttemptsPerSource, e.cfg.RetryBackoff)
		retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
			e.log.Debug(ctx, "retrying source", map[string]interface{}{
				"source":  src.Name,
				"attempt": attempt,
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
		}

		path, err := apperrors.RetryWithResult(ctx, retry, func(ctx context.Context) (string, error) {
			try++
			start := time.Now()
			path, err := e.attempt(ctx, src, finalPath, req)

			a := Attempt{Source: src.Name, Try: try, Outcome: OutcomeSuccess, Duration: time.Since(start)}
			if err != nil {
				a.Outcome = OutcomeFailure
				a.Err = err
				e.inc("source_" + src.Name + "_failure")
			}
			res.Attempts = append(res.Attempts, a)
			return path, err
		})
		if err == nil {
			res.Path = path
			res.Source = src.Name
			e.inc("acquire_success")
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		e.log.WarnErr(ctx, "source exhausted", err, map[string]interface{}{
			"source": src.Name,
			"query":  req.Query,
			"tries":  try,
		})
	}

	e.inc("acquire_failure")
	if lastErr == nil {
		return nil, fmt.Errorf("%w: no sources configured", ErrAllSourcesFailed)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllSourcesFailed, lastErr)
}

// attempt runs a single try in a fresh workspace that is always removed
// before returning.
func (e *Engine) attempt(ctx context.Context, src Source, finalPath string, req Request) (string, error) {
	ws, err := newWorkspace(e.cfg.WorkspaceRoot)
	if err != nil {
		return "", &attemptError{kind: ErrSourceUnavailable, err: err}
	}
	defer func() {
		if err := ws.remove(); err != nil {
			e.log.WarnErr(ctx, "failed to remove workspace", err, map[string]interface{}{"dir": ws.Dir})
		}
	}()

	attemptCtx := ctx
	if e.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
	}

	err = e.fetcher.Fetch(attemptCtx, ytdlp.FetchRequest{
		SearchPrefix:  src.SearchPrefix,
		Query:         req.Query,
		WorkDir:       ws.Dir,
		CookieFile:    src.cookies(),
		ExtractorArgs: src.ExtractorArgs,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attemptCtx.Err() != nil {
			return "", &attemptError{kind: ErrSourceUnavailable, err: fmt.Errorf("attempt timed out after %s", e.cfg.AttemptTimeout)}
		}
		if ytdlp.IsContentError(err) {
			return "", &attemptError{kind: ErrNoResult, err: err}
		}
		return "", &attemptError{kind: ErrSourceUnavailable, err: err}
	}

	produced, err := ws.find(e.fetcher.AudioFormat())
	if err != nil || produced == "" {
		return "", &attemptError{kind: ErrNoAudioProduced, err: err}
	}

	// Tag inside the workspace so the final path only ever holds a finished
	// file.
	if e.tagger != nil {
		tags := Tags{Title: req.Title, Artist: req.Artist, Album: req.Album, CoverURL: req.CoverURL}
		if err := e.tagger.Tag(ctx, produced, tags); err != nil {
			e.log.WarnErr(ctx, "tagging failed", err, map[string]interface{}{"path": finalPath})
		}
	}

	if err := moveFile(produced, finalPath); err != nil {
		return "", &attemptError{kind: ErrNoAudioProduced, err: fmt.Errorf("moving into place: %w", err)}
	}
	// The sweeper ages files by mtime, which yt-dlp may have set to the
	// upload date.
	now := time.Now()
	if err := os.Chtimes(finalPath, now, now); err != nil {
		e.log.WarnErr(ctx, "failed to reset file times", err, map[string]interface{}{"path": finalPath})
	}
	return finalPath, nil
}

func (e *Engine) inc(name string) {
	if e.counter != nil {
		e.counter.IncCounter(name)
	}
}

// attemptError pairs a taxonomy kind with the underlying cause.
type attemptError struct {
	kind error
	err  error
}

func (e *attemptError) Error() string {
	if e.err == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *attemptError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// Retryable marks every attempt failure as worth another try.
func (e *attemptError) Retryable() bool { return true }

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Package api is the HTTP surface: catalog lookups, single-track
// conversion, batch jobs and artifact downloads.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/openmusicplayer/spotidown/internal/artifact"
	"github.com/openmusicplayer/spotidown/internal/catalog"
	"github.com/openmusicplayer/spotidown/internal/download"
	"github.com/openmusicplayer/spotidown/internal/health"
	"github.com/openmusicplayer/spotidown/internal/logger"
	"github.com/openmusicplayer/spotidown/internal/metrics"
	"github.com/openmusicplayer/spotidown/internal/middleware"
)

const maxBodyBytes = 1 << 20

// slowRequest is the threshold above which JSON endpoints log a warning.
// Conversion waits on the media tool, so it is excluded.
const slowRequest = 2 * time.Second

// Jobs is the batch job registry.
type Jobs interface {
	Submit(ctx context.Context, collectionName string, tracks []catalog.Track) (download.Job, error)
	Get(id string) (download.Job, error)
}

// Artifacts is the registry of downloadable files.
type Artifacts interface {
	Register(path string, kind artifact.Kind) (artifact.Artifact, error)
	Resolve(id string) (artifact.Artifact, error)
}

// Mirror copies artifacts to object storage and links to the copies.
type Mirror interface {
	Push(ctx context.Context, a artifact.Artifact)
	URL(ctx context.Context, a artifact.Artifact) (string, error)
}

// Deps are the collaborators the router serves. Catalog and Mirror may be
// nil: without a catalog only explicit title/artist requests work, and
// without a mirror files are always served from disk.
type Deps struct {
	Catalog     catalog.Provider
	Acquirer    download.Acquirer
	Artifacts   Artifacts
	Jobs        Jobs
	Mirror      Mirror
	Health      *health.Handler
	Metrics     *metrics.Metrics
	JobStream   http.HandlerFunc
	DownloadDir string
	MaxTracks   int
	CORSOrigins []string
}

type Router struct {
	mux     *http.ServeMux
	handler http.Handler
	deps    Deps
	log     *logger.Logger
}

func NewRouter(deps Deps, log *logger.Logger) *Router {
	r := &Router{
		mux:  http.NewServeMux(),
		deps: deps,
		log:  log,
	}
	r.setupRoutes()

	chain := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.Logging(log),
		middleware.Recoverer(log),
	}
	if deps.Metrics != nil {
		chain = append(chain, metrics.MetricsMiddleware(deps.Metrics))
	}
	chain = append(chain, middleware.CORS(deps.CORSOrigins), middleware.Gzip(isFileTransfer))
	r.handler = middleware.Chain(r.mux, chain...)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	timed := middleware.Timing(r.log, slowRequest)
	api := func(h http.HandlerFunc) http.Handler { return timed(h) }

	r.mux.HandleFunc("GET /{$}", rootHandler)
	if r.deps.Health != nil {
		r.mux.HandleFunc("GET /health", r.deps.Health.HealthHandler)
		r.mux.HandleFunc("GET /health/live", r.deps.Health.LivenessHandler)
		r.mux.HandleFunc("GET /health/ready", r.deps.Health.ReadinessHandler)
	}
	if r.deps.Metrics != nil {
		r.mux.HandleFunc("GET /metrics", r.deps.Metrics.Handler())
	}

	r.mux.Handle("POST /api/info", api(r.handleInfo))

	convert := middleware.Timing(r.log, 0)(http.HandlerFunc(r.handleConvert))
	r.mux.Handle("POST /api/convert", convert)
	r.mux.Handle("POST /api/download_track", convert)

	r.mux.Handle("POST /api/batch", api(r.handleBatch))
	r.mux.Handle("POST /api/start_zip", api(r.handleBatch))
	r.mux.Handle("GET /api/job/{id}", middleware.ETag(api(r.handleJobStatus)))
	r.mux.HandleFunc("GET /api/job/{id}/download", r.handleJobDownload)
	if r.deps.JobStream != nil {
		r.mux.HandleFunc("GET /api/job/{id}/ws", r.deps.JobStream)
	}

	r.mux.HandleFunc("GET /api/download/{id}", r.handleDownload)
}

// isFileTransfer matches routes that stream audio or archives, which are
// already compressed.
func isFileTransfer(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/download/") || strings.HasSuffix(r.URL.Path, "/download")
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"spotidown"}` + "\n"))
}

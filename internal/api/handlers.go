package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openmusicplayer/spotidown/internal/acquire"
	"github.com/openmusicplayer/spotidown/internal/artifact"
	"github.com/openmusicplayer/spotidown/internal/catalog"
	"github.com/openmusicplayer/spotidown/internal/download"
	apperrors "github.com/openmusicplayer/spotidown/internal/errors"
)

// defaultCollectionName names archives when the client sends no name.
const defaultCollectionName = "spotidown"

// InfoRequest is the body of POST /api/info.
type InfoRequest struct {
	URL string `json:"url"`
}

// ConvertRequest is the body of POST /api/convert. Title and artist win
// over the url; the url is only resolved when either is missing.
type ConvertRequest struct {
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	CoverImage string `json:"cover_image,omitempty"`
}

// ConvertResponse points at the acquired file.
type ConvertResponse struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	DownloadURL string `json:"download_url"`
}

// BatchRequest is the body of POST /api/batch. Either tracks or a url of an
// album or playlist must be given.
type BatchRequest struct {
	URL            string          `json:"url,omitempty"`
	CollectionName string          `json:"collection_name,omitempty"`
	Tracks         []catalog.Track `json:"tracks,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.BadRequest("request body is empty")
		}
		return apperrors.BadRequest("invalid request body")
	}
	return nil
}

// handleInfo handles POST /api/info
func (r *Router) handleInfo(w http.ResponseWriter, req *http.Request) {
	requestID := apperrors.GetRequestID(req.Context())

	var body InfoRequest
	if err := decodeJSON(w, req, &body); err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		apperrors.WriteError(w, requestID, apperrors.ValidationError("url is required"))
		return
	}

	coll, err := r.resolve(req.Context(), body.URL)
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}

	apperrors.WriteJSON(w, requestID, http.StatusOK, coll)
}

// handleConvert handles POST /api/convert and POST /api/download_track
func (r *Router) handleConvert(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	requestID := apperrors.GetRequestID(ctx)

	var body ConvertRequest
	if err := decodeJSON(w, req, &body); err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}

	track := catalog.Track{
		Title:    strings.TrimSpace(body.Title),
		Artist:   strings.TrimSpace(body.Artist),
		Album:    body.Album,
		CoverURL: body.CoverImage,
	}
	if track.Title == "" || track.Artist == "" {
		if strings.TrimSpace(body.URL) == "" {
			apperrors.WriteError(w, requestID, apperrors.ValidationError("title and artist, or a track url, are required"))
			return
		}
		resolved, err := r.resolveTrack(ctx, body.URL)
		if err != nil {
			apperrors.WriteError(w, requestID, err)
			return
		}
		track = resolved
	}

	res, err := r.deps.Acquirer.Acquire(ctx, r.deps.DownloadDir, acquire.Request{
		Query:     acquire.SearchQuery(track.Artist, track.Title),
		FinalName: acquire.TrackName(track.Artist, track.Title),
		Title:     track.Title,
		Artist:    track.Artist,
		Album:     track.Album,
		CoverURL:  track.CoverURL,
	})
	if err != nil {
		r.log.WarnErr(ctx, "conversion failed", err, map[string]interface{}{
			"title":  track.Title,
			"artist": track.Artist,
		})
		apperrors.WriteError(w, requestID, acquireError(err))
		return
	}

	a, err := r.deps.Artifacts.Register(res.Path, artifact.KindSingleFile)
	if err != nil {
		apperrors.WriteError(w, requestID, apperrors.StorageError("failed to register file").WithCause(err))
		return
	}
	if r.deps.Mirror != nil {
		r.deps.Mirror.Push(ctx, a)
	}

	apperrors.WriteJSON(w, requestID, http.StatusOK, ConvertResponse{
		Title:       track.Title,
		Artist:      track.Artist,
		DownloadURL: "/api/download/" + a.ID,
	})
}

// handleBatch handles POST /api/batch and POST /api/start_zip
func (r *Router) handleBatch(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	requestID := apperrors.GetRequestID(ctx)

	var body BatchRequest
	if err := decodeJSON(w, req, &body); err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}

	name := strings.TrimSpace(body.CollectionName)
	tracks := body.Tracks
	if len(tracks) == 0 {
		if strings.TrimSpace(body.URL) == "" {
			apperrors.WriteError(w, requestID, apperrors.ValidationError("tracks or a url are required"))
			return
		}
		coll, err := r.resolve(ctx, body.URL)
		if err != nil {
			apperrors.WriteError(w, requestID, err)
			return
		}
		if coll.Kind == catalog.KindTrack {
			apperrors.WriteError(w, requestID, apperrors.ValidationError("batches need an album or playlist link"))
			return
		}
		tracks = coll.Tracks
		if name == "" {
			name = coll.Name
		}
	}
	if name == "" {
		name = defaultCollectionName
	}

	for i, t := range tracks {
		if strings.TrimSpace(t.Title) == "" || strings.TrimSpace(t.Artist) == "" {
			apperrors.WriteError(w, requestID, apperrors.ValidationError(fmt.Sprintf("track %d needs a title and an artist", i)))
			return
		}
	}

	job, err := r.deps.Jobs.Submit(ctx, name, tracks)
	if err != nil {
		apperrors.WriteError(w, requestID, r.jobError(err))
		return
	}

	apperrors.WriteJSON(w, requestID, http.StatusAccepted, job.Summary())
}

// handleJobStatus handles GET /api/job/{id}
func (r *Router) handleJobStatus(w http.ResponseWriter, req *http.Request) {
	requestID := apperrors.GetRequestID(req.Context())

	job, err := r.deps.Jobs.Get(req.PathValue("id"))
	if err != nil {
		apperrors.WriteError(w, requestID, r.jobError(err))
		return
	}

	apperrors.WriteJSON(w, requestID, http.StatusOK, job.Summary())
}

// handleJobDownload handles GET /api/job/{id}/download
func (r *Router) handleJobDownload(w http.ResponseWriter, req *http.Request) {
	requestID := apperrors.GetRequestID(req.Context())

	job, err := r.deps.Jobs.Get(req.PathValue("id"))
	if err != nil {
		apperrors.WriteError(w, requestID, r.jobError(err))
		return
	}
	if job.Status != download.StatusDone || job.ArchiveArtifactID == "" {
		apperrors.WriteError(w, requestID, apperrors.JobNotReady(string(job.Status)))
		return
	}

	r.serveArtifact(w, req, job.ArchiveArtifactID)
}

// handleDownload handles GET /api/download/{id}
func (r *Router) handleDownload(w http.ResponseWriter, req *http.Request) {
	r.serveArtifact(w, req, req.PathValue("id"))
}

func (r *Router) resolve(ctx context.Context, link string) (*catalog.Collection, error) {
	if r.deps.Catalog == nil {
		return nil, apperrors.Unavailable("catalog lookups are not configured")
	}
	coll, err := r.deps.Catalog.Resolve(ctx, link)
	if err != nil {
		return nil, catalogError(link, err)
	}
	return coll, nil
}

func (r *Router) resolveTrack(ctx context.Context, link string) (catalog.Track, error) {
	coll, err := r.resolve(ctx, link)
	if err != nil {
		return catalog.Track{}, err
	}
	if coll.Kind != catalog.KindTrack {
		return catalog.Track{}, apperrors.UnsupportedCatalogKind(string(coll.Kind))
	}
	if len(coll.Tracks) == 0 {
		return catalog.Track{}, apperrors.NotFound("track")
	}
	return coll.Tracks[0], nil
}

func catalogError(link string, err error) error {
	switch {
	case errors.Is(err, catalog.ErrUnsupportedLink):
		return apperrors.UnsupportedLink(link)
	case errors.Is(err, catalog.ErrNotFound):
		return apperrors.NotFound("catalog object").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.ExternalTimeout("catalog")
	default:
		return apperrors.CatalogError("failed to resolve link").WithCause(err)
	}
}

func acquireError(err error) error {
	switch {
	case errors.Is(err, acquire.ErrInvalidName):
		return apperrors.ValidationError("title and artist leave no usable file name")
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.ExternalTimeout("download")
	default:
		return apperrors.DownloadError("download failed on every source").WithCause(err)
	}
}

func (r *Router) jobError(err error) error {
	switch {
	case errors.Is(err, download.ErrJobNotFound):
		return apperrors.JobNotFound()
	case errors.Is(err, download.ErrEmptyBatch):
		return apperrors.ValidationError("batch has no tracks")
	case errors.Is(err, download.ErrBatchTooBig):
		return apperrors.BatchTooLarge(r.deps.MaxTracks)
	case errors.Is(err, download.ErrShuttingDown):
		return apperrors.Unavailable("service is shutting down")
	default:
		return err
	}
}

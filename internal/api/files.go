package api

import (
	"errors"
	"mime"
	"net/http"
	"os"

	"github.com/openmusicplayer/spotidown/internal/artifact"
	apperrors "github.com/openmusicplayer/spotidown/internal/errors"
	"github.com/openmusicplayer/spotidown/internal/storage"
)

// serveArtifact streams the artifact's bytes, or redirects to the mirrored
// copy when one exists. Unknown, expired and vanished files are all 404.
func (r *Router) serveArtifact(w http.ResponseWriter, req *http.Request, id string) {
	ctx := req.Context()
	requestID := apperrors.GetRequestID(ctx)

	a, err := r.deps.Artifacts.Resolve(id)
	if err != nil {
		if !errors.Is(err, artifact.ErrNotFound) {
			r.log.WarnErr(ctx, "artifact lookup failed", err, map[string]interface{}{"artifact_id": id})
		}
		apperrors.WriteError(w, requestID, apperrors.ArtifactNotFound())
		return
	}

	if r.deps.Mirror != nil && a.RemoteKey != "" {
		link, err := r.deps.Mirror.URL(ctx, a)
		if err == nil {
			http.Redirect(w, req, link, http.StatusFound)
			return
		}
		r.log.WarnErr(ctx, "presign failed, serving local copy", err, map[string]interface{}{"artifact_id": a.ID})
	}

	f, err := os.Open(a.Path)
	if err != nil {
		apperrors.WriteError(w, requestID, apperrors.ArtifactNotFound())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		apperrors.WriteError(w, requestID, apperrors.ArtifactNotFound())
		return
	}

	w.Header().Set("Content-Type", storage.ContentType(a.Name))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
	http.ServeContent(w, req, a.Name, info.ModTime(), f)
}

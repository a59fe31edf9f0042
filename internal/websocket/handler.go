package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/openmusicplayer/spotidown/internal/download"
	apperrors "github.com/openmusicplayer/spotidown/internal/errors"
	"github.com/openmusicplayer/spotidown/internal/logger"
)

// JobSource looks up job snapshots. *download.Manager satisfies it.
type JobSource interface {
	Get(id string) (download.Job, error)
}

// Handler handles WebSocket connections.
type Handler struct {
	hub      *Hub
	jobs     JobSource
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewHandler creates a new WebSocket handler. allowedOrigins follows the
// CORS setting; "*" accepts any origin.
func NewHandler(hub *Hub, jobs JobSource, allowedOrigins []string, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default().WithComponent("ws")
	}
	return &Handler{
		hub:  hub,
		jobs: jobs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

// ServeJob handles GET /api/job/{id}/ws. The client first receives the
// current snapshot, then every update until the job is terminal.
func (h *Handler) ServeJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := h.jobs.Get(jobID)
	if err != nil {
		apperrors.WriteError(w, apperrors.GetRequestID(r.Context()), apperrors.JobNotFound())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnErr(r.Context(), "websocket upgrade failed", err, map[string]interface{}{"job_id": jobID})
		return
	}

	client := NewClient(h.hub, conn, jobID)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	// Re-read after registering so no update falls between the snapshot
	// and the subscription; the write pump drops whichever is older.
	if latest, err := h.jobs.Get(jobID); err == nil {
		job = latest
	}
	h.hub.Deliver(client, NewJobMessage(job))

	go client.WritePump()
	go client.ReadPump()
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

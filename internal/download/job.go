package download

import (
	"fmt"
	"time"

	"github.com/openmusicplayer/spotidown/internal/catalog"
)

// Status is a batch job's place in its lifecycle.
type Status string

// Job status constants representing the job lifecycle
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// TrackResult is the outcome for one track of a batch.
type TrackResult struct {
	Track     catalog.Track `json:"track"`
	FilePath  string        `json:"-"`
	Succeeded bool          `json:"succeeded"`
	Source    string        `json:"source,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Job represents a multi-track batch. Values handed out by the Manager are
// snapshots; mutating them has no effect on the job.
type Job struct {
	ID                string        `json:"id"`
	CollectionName    string        `json:"collection_name"`
	Status            Status        `json:"status"`
	Total             int           `json:"total"`
	Completed         int           `json:"completed"`
	Succeeded         int           `json:"succeeded"`
	Results           []TrackResult `json:"results,omitempty"`
	ArchiveArtifactID string        `json:"archive_artifact_id,omitempty"`
	Error             string        `json:"error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status == StatusDone || j.Status == StatusError
}

// Progress renders "<completed>/<total>".
func (j *Job) Progress() string {
	return fmt.Sprintf("%d/%d", j.Completed, j.Total)
}

func (j *Job) clone() Job {
	c := *j
	c.Results = append([]TrackResult(nil), j.Results...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// canTransition enforces queued -> processing -> {done, error}. A job that
// fails before it starts may go straight to error.
func canTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusError
	case StatusProcessing:
		return to == StatusDone || to == StatusError
	default:
		return false
	}
}

// Summary is the client-facing view of a job.
type Summary struct {
	JobID          string    `json:"job_id"`
	CollectionName string    `json:"collection_name"`
	Status         Status    `json:"status"`
	Progress       string    `json:"progress"`
	Completed      int       `json:"completed"`
	Total          int       `json:"total"`
	Succeeded      int       `json:"succeeded"`
	Error          string    `json:"error,omitempty"`
	DownloadURL    string    `json:"download_url,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Summary renders the job for API and websocket clients. DownloadURL is only
// set once the archive exists.
func (j *Job) Summary() Summary {
	s := Summary{
		JobID:          j.ID,
		CollectionName: j.CollectionName,
		Status:         j.Status,
		Progress:       j.Progress(),
		Completed:      j.Completed,
		Total:          j.Total,
		Succeeded:      j.Succeeded,
		Error:          j.Error,
		UpdatedAt:      j.UpdatedAt,
	}
	if j.Status == StatusDone && j.ArchiveArtifactID != "" {
		s.DownloadURL = "/api/job/" + j.ID + "/download"
	}
	return s
}

package websocket

import "github.com/openmusicplayer/spotidown/internal/download"

// MessageTypeJobUpdate tags every job snapshot sent to clients.
const MessageTypeJobUpdate = "job_update"

// JobMessage is one job snapshot on the wire.
type JobMessage struct {
	Type string `json:"type"`
	download.Summary

	terminal bool
}

// NewJobMessage wraps a job snapshot for sending.
func NewJobMessage(job download.Job) *JobMessage {
	return &JobMessage{
		Type:     MessageTypeJobUpdate,
		Summary:  job.Summary(),
		terminal: job.IsTerminal(),
	}
}

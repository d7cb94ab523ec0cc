package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"vidclient/internal/media"
)

var (
	// ErrJobNotFound is returned when the backend no longer knows a job id.
	ErrJobNotFound = errors.New("processing job not found")
)

// Error is a non-2xx response from the backend.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

// envelope is the wrapper every backend response uses.
type envelope struct {
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	Success    bool            `json:"success"`
}

// File is one binary part of an upload.
type File struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// UploadPayload is the multipart submission for POST /videos/upload.
type UploadPayload struct {
	Title       string
	Description string
	Video       File
	Thumbnail   *File
}

// TransferResult is returned once the backend accepted the upload.
type TransferResult struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// JobState is the server-side processing state.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Terminal reports whether no further state changes are expected.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobStatus is the body of GET /videos/jobs/{jobId}.
type JobStatus struct {
	State    JobState       `json:"state"`
	Progress float64        `json:"progress"`
	Message  string         `json:"message"`
	Result   *VideoResource `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// VideoResource is the backend's video record, used as the media descriptor
// handed to the player after processing completes.
type VideoResource struct {
	ID        string  `json:"_id"`
	Title     string  `json:"title"`
	VideoFile string  `json:"videoFile"`
	Thumbnail string  `json:"thumbnail"`
	Duration  float64 `json:"duration"`
}

// StreamURL returns the playable URL for v.
func (v VideoResource) StreamURL() string {
	return media.SecureURL(v.VideoFile)
}

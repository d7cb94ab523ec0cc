package push

import (
	"strings"

	"vidclient/internal/api"
)

// EventType is the normalized kind of a push event.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventUnknown   EventType = "unknown"
)

// Event is one server message. Terminal events may omit JobID; they then
// refer to whatever job the subscriber is tracking for the user.
type Event struct {
	Type     EventType          `json:"type"`
	JobID    string             `json:"jobId,omitempty"`
	Progress float64            `json:"progress,omitempty"`
	Stage    string             `json:"stage,omitempty"`
	Message  string             `json:"message,omitempty"`
	VideoID  string             `json:"videoId,omitempty"`
	Video    *api.VideoResource `json:"video,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// normalizeType accepts both the bare names and the upload_* names the
// backend emits.
func normalizeType(raw string) EventType {
	switch strings.TrimPrefix(strings.ToLower(raw), "upload_") {
	case "progress":
		return EventProgress
	case "completed":
		return EventCompleted
	case "failed":
		return EventFailed
	default:
		return EventUnknown
	}
}

// Result returns the media descriptor a completed event carries. A bare
// videoId is promoted to a descriptor with only the ID set.
func (e Event) Result() *api.VideoResource {
	if e.Video != nil {
		return e.Video
	}
	if e.VideoID != "" {
		return &api.VideoResource{ID: e.VideoID}
	}
	return nil
}

// joinMessage subscribes the connection to a user's events.
type joinMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

package upload

import (
	"fmt"

	"vidclient/internal/api"
	"vidclient/internal/media"
)

// Phase is the coordinator's position in the upload lifecycle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseTransferring Phase = "transferring"
	PhaseProcessing   Phase = "processing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// Terminal reports whether p accepts no further job events.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Active reports whether a submission is in flight.
func (p Phase) Active() bool {
	return p == PhaseTransferring || p == PhaseProcessing
}

// Job is a snapshot of one submission. Result is set only when completed,
// FailureReason only when failed.
type Job struct {
	JobID              string             `json:"jobId,omitempty"`
	Phase              Phase              `json:"phase"`
	TransferProgress   int                `json:"transferProgress"`
	ProcessingProgress float64            `json:"processingProgress"`
	Stage              string             `json:"stage,omitempty"`
	StatusMessage      string             `json:"statusMessage,omitempty"`
	Result             *api.VideoResource `json:"result,omitempty"`
	FailureReason      string             `json:"failureReason,omitempty"`

	// attempt identifies the transfer this snapshot belongs to; transfer
	// events from older attempts are stale.
	attempt uint64
}

// Source names the channel an event came through.
type Source string

const (
	SourceTransfer Source = "transfer"
	SourcePush     Source = "push"
	SourcePoll     Source = "poll"
	SourceUser     Source = "user"
)

// Event is a message applied to the job cell by Reduce.
type Event interface {
	event()
}

type (
	// Started begins a new submission.
	Started struct{ Attempt uint64 }
	// TransferProgressed reports bytes sent as a percentage.
	TransferProgressed struct {
		Attempt uint64
		Percent int
	}
	// TransferSucceeded carries the job id the backend assigned.
	TransferSucceeded struct {
		Attempt uint64
		JobID   string
		Message string
	}
	// TransferFailed ends the submission before a job exists.
	TransferFailed struct {
		Attempt uint64
		Reason  string
	}
	// JobProgressed is a non-terminal processing update.
	JobProgressed struct {
		JobID    string
		Progress float64
		Stage    string
		Message  string
		Source   Source
	}
	// JobCompleted resolves the job successfully.
	JobCompleted struct {
		JobID  string
		Result *api.VideoResource
		Source Source
	}
	// JobFailed resolves the job with an error.
	JobFailed struct {
		JobID  string
		Reason string
		Source Source
	}
	// Cancelled is the user abandoning the submission.
	Cancelled struct{}
	// Reset returns to idle.
	Reset struct{}
)

func (Started) event()            {}
func (TransferProgressed) event() {}
func (TransferSucceeded) event()  {}
func (TransferFailed) event()     {}
func (JobProgressed) event()      {}
func (JobCompleted) event()       {}
func (JobFailed) event()          {}
func (Cancelled) event()          {}
func (Reset) event()              {}

// Reduce applies ev to j. It returns the next state and whether ev was
// accepted; rejected events leave j untouched.
//
// Terminal phases absorb every job and transfer event, so whichever of push
// or poll reports an outcome first wins and the other is a no-op.
func Reduce(j Job, ev Event) (Job, bool) {
	switch e := ev.(type) {
	case Started:
		if j.Phase == PhaseTransferring || j.Phase == PhaseProcessing {
			return j, false
		}
		return Job{
			Phase:         PhaseTransferring,
			StatusMessage: "Starting upload...",
			attempt:       e.Attempt,
		}, true

	case TransferProgressed:
		if j.Phase != PhaseTransferring || e.Attempt != j.attempt {
			return j, false
		}
		pct := int(media.Clamp(float64(e.Percent), 0, 100))
		if pct <= j.TransferProgress {
			return j, false
		}
		j.TransferProgress = pct
		j.StatusMessage = fmt.Sprintf("Uploading... %d%%", pct)
		return j, true

	case TransferSucceeded:
		if j.Phase != PhaseTransferring || e.Attempt != j.attempt || e.JobID == "" {
			return j, false
		}
		j.Phase = PhaseProcessing
		j.JobID = e.JobID
		j.TransferProgress = 100
		j.Stage = "processing"
		j.StatusMessage = e.Message
		if j.StatusMessage == "" {
			j.StatusMessage = "Processing video..."
		}
		return j, true

	case TransferFailed:
		if j.Phase != PhaseTransferring || e.Attempt != j.attempt {
			return j, false
		}
		return fail(j, e.Reason, "Upload failed"), true

	case JobProgressed:
		if !j.acceptsJobEvent(e.JobID) {
			return j, false
		}
		j.ProcessingProgress = media.Clamp(e.Progress, 0, 100)
		if e.Stage != "" {
			j.Stage = e.Stage
		}
		if e.Message != "" {
			j.StatusMessage = e.Message
		}
		return j, true

	case JobCompleted:
		if !j.acceptsJobEvent(e.JobID) {
			return j, false
		}
		j.Phase = PhaseCompleted
		j.ProcessingProgress = 100
		j.Stage = "completed"
		j.StatusMessage = "Video uploaded successfully!"
		j.Result = e.Result
		j.FailureReason = ""
		return j, true

	case JobFailed:
		if !j.acceptsJobEvent(e.JobID) {
			return j, false
		}
		return fail(j, e.Reason, "Processing failed"), true

	case Cancelled:
		if j.Phase != PhaseTransferring && j.Phase != PhaseProcessing {
			return j, false
		}
		j.Phase = PhaseCancelled
		j.Stage = "cancelled"
		j.StatusMessage = "Upload cancelled"
		return j, true

	case Reset:
		if j.Phase.Active() {
			return j, false
		}
		return Job{Phase: PhaseIdle}, true
	}
	return j, false
}

// acceptsJobEvent guards push and poll results: only the job currently being
// processed may change, and only until it reaches a terminal phase. An empty
// id (user-scoped terminal push) refers to the current job.
func (j Job) acceptsJobEvent(jobID string) bool {
	if j.Phase != PhaseProcessing {
		return false
	}
	return jobID == "" || jobID == j.JobID
}

func fail(j Job, reason, fallback string) Job {
	if reason == "" {
		reason = fallback
	}
	j.Phase = PhaseFailed
	j.Stage = "failed"
	j.FailureReason = reason
	j.StatusMessage = "Upload failed: " + reason
	j.Result = nil
	return j
}

package upload

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vidclient/internal/api"
)

// jobVanishedReason is reported when the backend forgets a job mid-processing.
const jobVanishedReason = "processing job no longer exists"

// poll asks the backend for jobID's status every PollInterval until the job
// is terminal, the backend reports it missing, or ctx ends. Other errors are
// retried on the next tick.
func (c *Coordinator) poll(ctx context.Context, jobID string) {
	defer c.wg.Done()

	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		st, err := c.api.JobStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, api.ErrJobNotFound) {
				c.metrics.IncPollRequests("not_found")
				c.log.Warn("job not found, stopping poll", slog.String("job_id", jobID))
				c.send(msgEvent{ev: JobFailed{JobID: jobID, Reason: jobVanishedReason, Source: SourcePoll}})
				return
			}
			c.metrics.IncPollRequests("error")
			c.log.Warn("job status poll failed, retrying",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()))
			continue
		}

		c.metrics.IncPollRequests("ok")
		c.send(msgEvent{ev: statusToEvent(jobID, st)})
		if st.State.Terminal() {
			return
		}
	}
}

func statusToEvent(jobID string, st api.JobStatus) Event {
	switch st.State {
	case api.JobCompleted:
		return JobCompleted{JobID: jobID, Result: st.Result, Source: SourcePoll}
	case api.JobFailed:
		return JobFailed{JobID: jobID, Reason: st.Error, Source: SourcePoll}
	default:
		return JobProgressed{
			JobID:    jobID,
			Progress: st.Progress,
			Stage:    string(st.State),
			Message:  st.Message,
			Source:   SourcePoll,
		}
	}
}

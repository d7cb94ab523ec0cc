// Package upload drives one video submission from binary transfer through
// server-side processing to a terminal outcome.
package upload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vidclient/internal/api"
	"vidclient/internal/platform/metrics"
	"vidclient/internal/push"
)

var (
	// ErrClosed is returned by methods called after Close.
	ErrClosed = errors.New("upload coordinator closed")

	// ErrUploadInProgress is returned by StartUpload and ResetUpload while a
	// submission is transferring or processing. Cancel or wait for it first.
	ErrUploadInProgress = errors.New("upload already in progress")
)

// API is the subset of the backend client the coordinator needs.
type API interface {
	Upload(ctx context.Context, p api.UploadPayload, progress api.ProgressFunc) (api.TransferResult, error)
	JobStatus(ctx context.Context, jobID string) (api.JobStatus, error)
	CancelJob(ctx context.Context, jobID string) error
}

// PushChannel is a per-user event subscription. Run blocks until ctx ends.
type PushChannel interface {
	Run(ctx context.Context, userID string, sink push.Sink) error
}

// Config tunes the coordinator's timers.
type Config struct {
	// UserID scopes the push subscription. Empty disables push; jobs are then
	// tracked by polling alone.
	UserID string
	// PollInterval is the period of the job status fallback.
	PollInterval time.Duration
	// PushGraceDelay is how long after the transfer the push channel has to
	// prove itself connected before polling is armed.
	PushGraceDelay time.Duration
	// CancelTimeout bounds the best-effort server-side cancel request.
	CancelTimeout time.Duration
	// UpdateBuffer is the capacity of the Updates channel.
	UpdateBuffer int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PushGraceDelay <= 0 {
		c.PushGraceDelay = 2 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 10 * time.Second
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = 16
	}
	return c
}

// Coordinator owns a single job cell. Every mutation is a message handled by
// one loop goroutine that runs Reduce; transfer, push and poll goroutines
// only ever send messages.
type Coordinator struct {
	api     API
	push    PushChannel
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan message
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	updates chan Job
	snapMu  sync.RWMutex
	snap    Job

	// Owned by the loop goroutine.
	job            Job
	attempt        uint64
	transferCancel context.CancelFunc
	pollCancel     context.CancelFunc
	pollJobID      string
	grace          *time.Timer
	pushConnected  bool
	subscribed     bool
}

// NewCoordinator starts a coordinator. pc may be nil to track jobs by polling only.
func NewCoordinator(client API, pc PushChannel, cfg Config, log *slog.Logger, m *metrics.Metrics) *Coordinator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		api:     client,
		push:    pc,
		cfg:     cfg,
		log:     log,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		msgs:    make(chan message),
		done:    make(chan struct{}),
		updates: make(chan Job, cfg.UpdateBuffer),
		job:     Job{Phase: PhaseIdle},
		snap:    Job{Phase: PhaseIdle},
	}
	go c.run()
	return c
}

// StartUpload begins a new submission and returns once the transfer has been
// started. Progress and the outcome arrive on Updates.
func (c *Coordinator) StartUpload(p api.UploadPayload) error {
	reply := make(chan error, 1)
	if !c.send(msgStart{payload: p, reply: reply}) {
		return ErrClosed
	}
	return <-reply
}

// CancelUpload aborts the transfer, stops tracking and, when the backend
// already assigned a job id, asks it to stop processing. Failure to notify
// the backend is logged, not returned. Cancelling with nothing in flight is
// a no-op.
func (c *Coordinator) CancelUpload(ctx context.Context) error {
	reply := make(chan string, 1)
	if !c.send(msgCancel{reply: reply}) {
		return ErrClosed
	}
	jobID := <-reply
	if jobID == "" {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CancelTimeout)
	defer cancel()
	if err := c.api.CancelJob(cctx, jobID); err != nil {
		c.log.Warn("failed to cancel job on server",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
	return nil
}

// ResetUpload clears a finished job and returns to idle. It fails with
// ErrUploadInProgress while a submission is transferring or processing.
func (c *Coordinator) ResetUpload() error {
	reply := make(chan error, 1)
	if !c.send(msgReset{reply: reply}) {
		return ErrClosed
	}
	return <-reply
}

// Snapshot returns the latest job state.
func (c *Coordinator) Snapshot() Job {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Updates streams every accepted state change. A slow reader loses
// intermediate snapshots, never the latest one.
func (c *Coordinator) Updates() <-chan Job {
	return c.updates
}

// Close stops the loop and waits for transfer, poll and push goroutines.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		c.cancel()
		<-c.done
		c.wg.Wait()
	})
}

type message interface{}

type (
	msgStart struct {
		payload api.UploadPayload
		reply   chan error
	}
	msgCancel struct{ reply chan string }
	msgReset  struct{ reply chan error }
	msgEvent  struct{ ev Event }
	msgGrace  struct{ jobID string }
	msgPush   struct {
		connected bool
		err       error
	}
	msgPushEvent struct{ ev push.Event }
)

func (c *Coordinator) send(m message) bool {
	select {
	case c.msgs <- m:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.shutdown()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.msgs:
			c.handle(m)
		}
	}
}

func (c *Coordinator) shutdown() {
	c.stopTransfer()
	c.stopPolling()
	c.stopGrace()
}

func (c *Coordinator) handle(m message) {
	switch m := m.(type) {
	case msgStart:
		m.reply <- c.start(m.payload)

	case msgCancel:
		jobID := c.job.JobID
		if !c.apply(Cancelled{}) {
			jobID = ""
		}
		m.reply <- jobID

	case msgReset:
		if c.job.Phase.Active() {
			m.reply <- ErrUploadInProgress
			return
		}
		c.apply(Reset{})
		m.reply <- nil

	case msgEvent:
		c.apply(m.ev)

	case msgGrace:
		c.grace = nil
		if c.job.Phase == PhaseProcessing && c.job.JobID == m.jobID && !c.pushConnected {
			c.log.Info("push channel silent, falling back to polling", slog.String("job_id", m.jobID))
			c.startPolling(m.jobID)
		}

	case msgPush:
		c.pushConnected = m.connected
		if c.job.Phase != PhaseProcessing {
			return
		}
		if m.connected {
			c.stopPolling()
			return
		}
		c.startPolling(c.job.JobID)

	case msgPushEvent:
		if ev := pushToEvent(m.ev); ev != nil {
			c.apply(ev)
		}
	}
}

func (c *Coordinator) start(p api.UploadPayload) error {
	if c.job.Phase.Active() {
		return ErrUploadInProgress
	}
	c.stopPolling()
	c.stopGrace()

	c.attempt++
	attempt := c.attempt
	c.apply(Started{Attempt: attempt})
	c.metrics.IncUploadsStarted()
	c.ensureSubscribed()

	ctx, cancel := context.WithCancel(c.ctx)
	c.transferCancel = cancel
	c.wg.Add(1)
	go c.transfer(ctx, attempt, p)
	return nil
}

func (c *Coordinator) transfer(ctx context.Context, attempt uint64, p api.UploadPayload) {
	defer c.wg.Done()

	res, err := c.api.Upload(ctx, p, func(pct int) {
		c.send(msgEvent{ev: TransferProgressed{Attempt: attempt, Percent: pct}})
	})
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("upload transfer failed", slog.String("error", err.Error()))
		}
		c.send(msgEvent{ev: TransferFailed{Attempt: attempt, Reason: failureReason(err)}})
		return
	}
	c.send(msgEvent{ev: TransferSucceeded{Attempt: attempt, JobID: res.JobID, Message: res.Message}})
}

// apply runs the reducer and performs the side effects of a phase change.
func (c *Coordinator) apply(ev Event) bool {
	prev := c.job
	next, ok := Reduce(prev, ev)
	if !ok {
		c.log.Debug("ignored upload event",
			slog.String("event", eventName(ev)),
			slog.String("phase", string(prev.Phase)),
			slog.String("job_id", prev.JobID))
		return false
	}
	c.job = next

	if next.Phase != prev.Phase {
		c.log.Info("upload phase changed",
			slog.String("from", string(prev.Phase)),
			slog.String("to", string(next.Phase)),
			slog.String("job_id", next.JobID),
			slog.String("via", string(eventSource(ev))))

		switch {
		case next.Phase == PhaseProcessing:
			c.stopTransfer()
			c.armGrace(next.JobID)
		case next.Phase.Terminal():
			c.stopTransfer()
			c.stopPolling()
			c.stopGrace()
			c.metrics.IncUploadOutcome(string(next.Phase))
		case next.Phase == PhaseIdle:
			c.stopPolling()
			c.stopGrace()
		}
	}
	c.publish(next)
	return true
}

func (c *Coordinator) publish(j Job) {
	c.snapMu.Lock()
	c.snap = j
	c.snapMu.Unlock()

	select {
	case c.updates <- j:
		return
	default:
	}
	// Full: drop the oldest snapshot so the newest is always delivered.
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- j:
	default:
	}
}

func (c *Coordinator) ensureSubscribed() {
	if c.subscribed || c.push == nil || c.cfg.UserID == "" {
		return
	}
	c.subscribed = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.push.Run(c.ctx, c.cfg.UserID, pushSink{c})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("push channel stopped", slog.String("error", err.Error()))
		}
		c.send(msgPush{connected: false, err: err})
	}()
}

func (c *Coordinator) armGrace(jobID string) {
	c.stopGrace()
	c.grace = time.AfterFunc(c.cfg.PushGraceDelay, func() {
		c.send(msgGrace{jobID: jobID})
	})
}

func (c *Coordinator) stopGrace() {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

func (c *Coordinator) stopTransfer() {
	if c.transferCancel != nil {
		c.transferCancel()
		c.transferCancel = nil
	}
}

func (c *Coordinator) startPolling(jobID string) {
	if jobID == "" {
		return
	}
	if c.pollCancel != nil {
		if c.pollJobID == jobID {
			return
		}
		c.stopPolling()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.pollCancel = cancel
	c.pollJobID = jobID
	c.log.Info("polling job status",
		slog.String("job_id", jobID),
		slog.Duration("interval", c.cfg.PollInterval))
	c.wg.Add(1)
	go c.poll(ctx, jobID)
}

func (c *Coordinator) stopPolling() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
		c.pollJobID = ""
	}
}

// pushSink forwards push callbacks into the loop.
type pushSink struct{ c *Coordinator }

func (s pushSink) PushConnected()             { s.c.send(msgPush{connected: true}) }
func (s pushSink) PushDisconnected(err error) { s.c.send(msgPush{connected: false, err: err}) }
func (s pushSink) PushEvent(ev push.Event)    { s.c.send(msgPushEvent{ev: ev}) }

func pushToEvent(ev push.Event) Event {
	switch ev.Type {
	case push.EventProgress:
		return JobProgressed{JobID: ev.JobID, Progress: ev.Progress, Stage: ev.Stage, Message: ev.Message, Source: SourcePush}
	case push.EventCompleted:
		return JobCompleted{JobID: ev.JobID, Result: ev.Result(), Source: SourcePush}
	case push.EventFailed:
		return JobFailed{JobID: ev.JobID, Reason: ev.Error, Source: SourcePush}
	}
	return nil
}

func failureReason(err error) string {
	if errors.Is(err, context.Canceled) {
		return "upload cancelled"
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

func eventName(ev Event) string {
	switch ev.(type) {
	case Started:
		return "started"
	case TransferProgressed:
		return "transfer_progress"
	case TransferSucceeded:
		return "transfer_succeeded"
	case TransferFailed:
		return "transfer_failed"
	case JobProgressed:
		return "job_progress"
	case JobCompleted:
		return "job_completed"
	case JobFailed:
		return "job_failed"
	case Cancelled:
		return "cancelled"
	case Reset:
		return "reset"
	}
	return "unknown"
}

func eventSource(ev Event) Source {
	switch e := ev.(type) {
	case JobProgressed:
		return e.Source
	case JobCompleted:
		return e.Source
	case JobFailed:
		return e.Source
	case Started, Cancelled, Reset:
		return SourceUser
	}
	return SourceTransfer
}

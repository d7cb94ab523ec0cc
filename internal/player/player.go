// Package player drives a media element through an adaptive streaming
// session and keeps the transport and UI state a video view renders from.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"vidclient/internal/blob"
	"vidclient/internal/hls"
	"vidclient/internal/media"
	"vidclient/internal/optimistic"
	"vidclient/internal/platform/metrics"
)

// AutoLevel selects quality automatically.
const AutoLevel = hls.AutoLevel

const (
	DefaultLazyLoadMargin    = 200
	DefaultControlsHideDelay = 3 * time.Second
	seekStep                 = 5
)

var (
	// ErrClosed is returned by commands after Close.
	ErrClosed = errors.New("player closed")
	// ErrInvalidLevel is returned for a quality index outside the level list.
	ErrInvalidLevel = hls.ErrInvalidLevel
	// ErrUnsupportedRate is returned for a rate outside media.AllowedRates.
	ErrUnsupportedRate = errors.New("unsupported playback rate")
	// ErrNoFullscreen is returned by ToggleFullscreen without a host.
	ErrNoFullscreen = errors.New("fullscreen not available")
)

// QualityLevel is one selectable rendition.
type QualityLevel struct {
	Index     int    `json:"index"`
	Height    int    `json:"height"`
	Bandwidth int64  `json:"bandwidth"`
	Label     string `json:"label"`
}

// PlaybackState is a snapshot of the player. ActiveLevel is -1 until the
// session buffered its first segment.
type PlaybackState struct {
	Playing         bool           `json:"playing"`
	Muted           bool           `json:"muted"`
	Volume          float64        `json:"volume"`
	PlaybackRate    float64        `json:"playbackRate"`
	CurrentTime     float64        `json:"currentTime"`
	Duration        float64        `json:"duration"`
	Fullscreen      bool           `json:"fullscreen"`
	Levels          []QualityLevel `json:"levels"`
	SelectedLevel   int            `json:"selectedLevel"`
	ActiveLevel     int            `json:"activeLevel"`
	Buffering       bool           `json:"buffering"`
	ControlsVisible bool           `json:"controlsVisible"`
}

// TelemetryKind names a playback notification.
type TelemetryKind string

const (
	TelemetryPlay          TelemetryKind = "play"
	TelemetryPause         TelemetryKind = "pause"
	TelemetryTimeUpdate    TelemetryKind = "timeupdate"
	TelemetryDuration      TelemetryKind = "durationchange"
	TelemetryBuffering     TelemetryKind = "buffering"
	TelemetryManifest      TelemetryKind = "manifest"
	TelemetryQualitySwitch TelemetryKind = "quality_switch"
	TelemetryError         TelemetryKind = "error"
)

// Telemetry is emitted for time, duration, buffering, quality and error
// changes.
type Telemetry struct {
	Kind        TelemetryKind
	CurrentTime float64
	Duration    float64
	Level       int
	Buffering   bool
	Err         error
}

// Fullscreen requests and exits fullscreen on the player container. The
// resulting state must be reported through Player.HandleFullscreenChange.
type Fullscreen interface {
	RequestFullscreen() error
	ExitFullscreen() error
}

// Options configures a Player. Callbacks run without player locks held.
type Options struct {
	// LazyLoadMargin grows the viewport when testing visibility. Zero means
	// DefaultLazyLoadMargin; a negative value disables the margin.
	LazyLoadMargin    float64
	ControlsHideDelay time.Duration
	Session           hls.Config

	OnNext      func()
	OnPrevious  func()
	OnPlay      func()
	OnError     func(error)
	OnTelemetry func(Telemetry)
}

// Deps are the collaborators a Player drives. Blobs and Fetcher default to a
// private registry and an HTTP loader over it.
type Deps struct {
	Element    Element
	Fullscreen Fullscreen
	Fetcher    hls.Fetcher
	Blobs      *blob.Registry
}

// resources are acquired together for one source and released together.
type resources struct {
	session *hls.Session
	blobURL string
	once    sync.Once
}

// Player owns one element and at most one streaming session.
type Player struct {
	el      Element
	fs      Fullscreen
	fetch   hls.Fetcher
	blobs   *blob.Registry
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	state       *optimistic.Cell[PlaybackState]
	unsubscribe func()

	// lifecycle serializes Load, SetVisible and Close. Session and element
	// callbacks never take it.
	lifecycle sync.Mutex

	mu            sync.Mutex
	visible       bool
	source        MediaSource
	res           *resources
	gen           uint64
	closed        bool
	controlsShown bool
	controlsSeq   uint64
	controlsTimer *time.Timer
}

// New returns a Player bound to d.Element. Nothing is loaded until a source
// is set and the player is visible.
func New(d Deps, opts Options, log *slog.Logger, m *metrics.Metrics) *Player {
	if opts.LazyLoadMargin == 0 {
		opts.LazyLoadMargin = DefaultLazyLoadMargin
	} else if opts.LazyLoadMargin < 0 {
		opts.LazyLoadMargin = 0
	}
	if opts.ControlsHideDelay <= 0 {
		opts.ControlsHideDelay = DefaultControlsHideDelay
	}
	if d.Blobs == nil {
		d.Blobs = blob.NewRegistry()
	}
	if d.Fetcher == nil {
		d.Fetcher = hls.NewLoader(d.Blobs, nil)
	}

	p := &Player{
		el:      d.Element,
		fs:      d.Fullscreen,
		fetch:   d.Fetcher,
		blobs:   d.Blobs,
		opts:    opts,
		log:     log,
		metrics: m,
		state: optimistic.NewCell(PlaybackState{
			Volume:        1,
			PlaybackRate:  1,
			SelectedLevel: AutoLevel,
			ActiveLevel:   -1,
		}),
		controlsShown: true,
	}
	p.unsubscribe = p.el.Subscribe(p.onElementEvent)
	return p
}

// Load replaces the source. Any previous session and object URL are
// released first. Until the player is visible the source is only recorded.
func (p *Player) Load(src MediaSource) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.source = src
	visible := p.visible
	p.mu.Unlock()

	p.teardown()
	p.resetState()
	if !visible {
		p.log.Debug("player hidden, deferring load")
		return nil
	}
	return p.apply(src)
}

// SetVisible latches visibility on; the pending source is loaded the first
// time v is true. Becoming invisible again keeps playback as is.
func (p *Player) SetVisible(v bool) error {
	if !v {
		return nil
	}
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if p.closed || p.visible {
		p.mu.Unlock()
		return nil
	}
	p.visible = true
	src := p.source
	p.mu.Unlock()

	if src.Empty() {
		return nil
	}
	return p.apply(src)
}

// ObserveIntersection reports whether target lies within the viewport grown
// by the lazy-load margin, and if so marks the player visible.
func (p *Player) ObserveIntersection(target, viewport Rect) (bool, error) {
	if !target.Intersects(viewport.Inflate(p.opts.LazyLoadMargin)) {
		return false, nil
	}
	return true, p.SetVisible(true)
}

// Close releases the session, object URL, timers and element listener.
func (p *Player) Close() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.controlsTimer != nil {
		p.controlsTimer.Stop()
		p.controlsTimer = nil
	}
	p.mu.Unlock()

	p.teardown()
	p.unsubscribe()
}

// teardown invalidates callbacks from the current session and releases it.
func (p *Player) teardown() {
	p.mu.Lock()
	old := p.res
	p.res = nil
	p.gen++
	p.mu.Unlock()

	if old != nil {
		p.release(old)
	}
}

func (p *Player) resetState() {
	p.state.Update(func(s PlaybackState) PlaybackState {
		s.Playing = false
		s.CurrentTime = 0
		s.Duration = 0
		s.Levels = nil
		s.SelectedLevel = AutoLevel
		s.ActiveLevel = -1
		s.Buffering = false
		return s
	})
}

// apply loads src into the element. Caller holds p.lifecycle.
func (p *Player) apply(src MediaSource) error {
	if src.Empty() {
		return p.el.SetSource("")
	}

	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	res, err := p.setup(src, gen)
	if err != nil {
		p.log.Error("failed to load source", slog.String("error", err.Error()))
		p.metrics.IncPlaybackErrors()
		return fmt.Errorf("load source: %w", err)
	}

	p.mu.Lock()
	p.res = res
	p.mu.Unlock()
	return nil
}

// setup acquires everything src needs. On error whatever was acquired is
// released before returning.
func (p *Player) setup(src MediaSource, gen uint64) (_ *resources, err error) {
	res := &resources{}
	defer func() {
		if err != nil {
			p.release(res)
		}
	}()

	if !src.Adaptive() {
		if err := p.el.SetSource(src.URL); err != nil {
			return nil, err
		}
		return res, nil
	}

	uri := src.URL
	if src.Manifest != "" {
		res.blobURL = p.blobs.Create(manifestMIME, []byte(src.Manifest))
		uri = res.blobURL
	}
	if err := p.el.SetSource(uri); err != nil {
		return nil, err
	}

	res.session = hls.NewSession(p.fetch, p.el, p.opts.Session, p.log, p.metrics, p.sessionHandler(gen))
	if err := res.session.Start(context.Background(), uri, src.BaseURL); err != nil {
		return nil, err
	}
	p.log.Debug("streaming session started", slog.String("uri", uri))
	return res, nil
}

// release is idempotent per resources value.
func (p *Player) release(res *resources) {
	res.once.Do(func() {
		if res.session != nil {
			res.session.Destroy()
		}
		if res.blobURL != "" {
			if err := p.blobs.Revoke(res.blobURL); err != nil {
				p.log.Warn("failed to revoke manifest url", slog.String("error", err.Error()))
			}
		}
	})
}

func (p *Player) session() *hls.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.res == nil {
		return nil
	}
	return p.res.session
}

func (p *Player) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

func (p *Player) sessionHandler(gen uint64) func(hls.Event) {
	return func(ev hls.Event) {
		p.mu.Lock()
		current := p.gen == gen && !p.closed
		p.mu.Unlock()
		if !current {
			return
		}

		switch e := ev.(type) {
		case hls.ManifestParsed:
			levels := make([]QualityLevel, len(e.Levels))
			for i, l := range e.Levels {
				levels[i] = QualityLevel{Index: l.Index, Height: l.Height, Bandwidth: l.Bandwidth, Label: l.Label}
			}
			p.state.Update(func(s PlaybackState) PlaybackState {
				s.Levels = levels
				return s
			})
			p.emit(Telemetry{Kind: TelemetryManifest})

		case hls.LevelSwitched:
			p.state.Update(func(s PlaybackState) PlaybackState {
				s.ActiveLevel = e.Level
				return s
			})
			p.emit(Telemetry{Kind: TelemetryQualitySwitch, Level: e.Level})

		case hls.ErrorEvent:
			p.log.Error("playback error", slog.String("error", e.Err.Error()))
			p.metrics.IncPlaybackErrors()
			p.emit(Telemetry{Kind: TelemetryError, Err: e.Err})
			if p.opts.OnError != nil {
				p.opts.OnError(e.Err)
			}
		}
	}
}

func (p *Player) onElementEvent(ev ElementEvent) {
	p.state.Update(func(s PlaybackState) PlaybackState {
		switch ev.Type {
		case ElementPlay:
			s.Playing = true
		case ElementPause, ElementEnded:
			s.Playing = false
		case ElementTimeUpdate:
			s.CurrentTime = math.Max(ev.CurrentTime, 0)
			if s.Duration > 0 && s.CurrentTime > s.Duration {
				s.CurrentTime = s.Duration
			}
		case ElementDurationChange:
			s.Duration = ev.Duration
			if s.Duration > 0 && s.CurrentTime > s.Duration {
				s.CurrentTime = s.Duration
			}
		case ElementWaiting:
			s.Buffering = true
		case ElementPlaying:
			s.Buffering = false
		case ElementVolumeChange:
			s.Muted = ev.Muted
			s.Volume = ev.Volume
		case ElementRateChange:
			s.PlaybackRate = ev.Rate
		case ElementEmptied:
			s.Playing = false
			s.CurrentTime = 0
			s.Duration = 0
			s.Buffering = false
		}
		return s
	})

	switch ev.Type {
	case ElementPlay:
		p.emit(Telemetry{Kind: TelemetryPlay, CurrentTime: ev.CurrentTime})
		if p.opts.OnPlay != nil {
			p.opts.OnPlay()
		}
	case ElementPause:
		p.emit(Telemetry{Kind: TelemetryPause, CurrentTime: ev.CurrentTime})
	case ElementTimeUpdate:
		p.emit(Telemetry{Kind: TelemetryTimeUpdate, CurrentTime: ev.CurrentTime, Duration: ev.Duration})
	case ElementDurationChange:
		p.emit(Telemetry{Kind: TelemetryDuration, Duration: ev.Duration})
	case ElementWaiting, ElementPlaying:
		p.emit(Telemetry{Kind: TelemetryBuffering, Buffering: ev.Type == ElementWaiting, CurrentTime: ev.CurrentTime})
	}
}

func (p *Player) emit(t Telemetry) {
	if p.opts.OnTelemetry != nil {
		p.opts.OnTelemetry(t)
	}
}

// Snapshot returns a copy of the current state.
func (p *Player) Snapshot() PlaybackState {
	s := p.state.Get()
	s.Levels = append([]QualityLevel(nil), s.Levels...)
	p.mu.Lock()
	shown := p.controlsShown
	p.mu.Unlock()
	s.ControlsVisible = shown || !s.Playing
	return s
}

// TogglePlayPause plays a paused element and pauses a playing one. The
// state follows the element's play and pause events.
func (p *Player) TogglePlayPause() error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if p.el.Paused() {
		return p.el.Play()
	}
	return p.el.Pause()
}

// ToggleMute flips the muted flag.
func (p *Player) ToggleMute() error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	muted := !p.state.Get().Muted
	return optimistic.Apply(p.state,
		func(s PlaybackState) PlaybackState {
			s.Muted = muted
			return s
		},
		func() error { return p.el.SetMuted(muted) })
}

// SetVolume stores v clamped to [0,1]. A positive volume unmutes.
func (p *Player) SetVolume(v float64) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	v = media.Clamp(v, 0, 1)
	var unmute bool
	return optimistic.Apply(p.state,
		func(s PlaybackState) PlaybackState {
			unmute = v > 0 && s.Muted
			s.Volume = v
			if v > 0 {
				s.Muted = false
			}
			return s
		},
		func() error {
			// Unmute before touching the volume so a failure leaves the
			// element exactly as the restored state describes it.
			if unmute {
				if err := p.el.SetMuted(false); err != nil {
					return err
				}
			}
			if err := p.el.SetVolume(v); err != nil {
				if unmute {
					_ = p.el.SetMuted(true)
				}
				return err
			}
			return nil
		})
}

// SetPlaybackRate sets one of media.AllowedRates.
func (p *Player) SetPlaybackRate(r float64) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if !media.IsAllowedRate(r) {
		return fmt.Errorf("%w: %g", ErrUnsupportedRate, r)
	}
	return optimistic.Apply(p.state,
		func(s PlaybackState) PlaybackState {
			s.PlaybackRate = r
			return s
		},
		func() error { return p.el.SetPlaybackRate(r) })
}

// Seek moves to t clamped to [0, duration]. Before the duration is known
// only the lower bound applies.
func (p *Player) Seek(t float64) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if math.IsNaN(t) {
		t = 0
	}
	if d := p.state.Get().Duration; d > 0 {
		t = media.Clamp(t, 0, d)
	} else if t < 0 {
		t = 0
	}
	if err := p.el.Seek(t); err != nil {
		return err
	}
	if s := p.session(); s != nil {
		s.Seek(t)
	}
	p.state.Update(func(s PlaybackState) PlaybackState {
		s.CurrentTime = t
		return s
	})
	return nil
}

// SelectQualityLevel pins level i, or returns to automatic selection for
// AutoLevel. The switch goes through the session; nothing is reloaded.
func (p *Player) SelectQualityLevel(i int) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if n := len(p.state.Get().Levels); i != AutoLevel && (i < 0 || i >= n) {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, i)
	}
	sess := p.session()
	return optimistic.Apply(p.state,
		func(s PlaybackState) PlaybackState {
			s.SelectedLevel = i
			return s
		},
		func() error {
			if sess == nil {
				if i == AutoLevel {
					return nil
				}
				return fmt.Errorf("%w: %d", ErrInvalidLevel, i)
			}
			return sess.SetLevel(i)
		})
}

// ToggleFullscreen asks the host to enter or leave fullscreen. State changes
// only when the host reports back through HandleFullscreenChange.
func (p *Player) ToggleFullscreen() error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if p.fs == nil {
		return ErrNoFullscreen
	}
	if p.state.Get().Fullscreen {
		return p.fs.ExitFullscreen()
	}
	return p.fs.RequestFullscreen()
}

// HandleFullscreenChange mirrors the host's fullscreen state.
func (p *Player) HandleFullscreenChange(active bool) {
	p.state.Update(func(s PlaybackState) PlaybackState {
		s.Fullscreen = active
		return s
	})
}

// Next asks the caller to advance to the next item.
func (p *Player) Next() {
	if p.opts.OnNext != nil {
		p.opts.OnNext()
	}
}

// Previous asks the caller to go back to the previous item.
func (p *Player) Previous() {
	if p.opts.OnPrevious != nil {
		p.opts.OnPrevious()
	}
}

// PointerActivity shows the controls and hides them after the configured
// delay unless more activity arrives.
func (p *Player) PointerActivity() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.controlsShown = true
	p.controlsSeq++
	seq := p.controlsSeq
	if p.controlsTimer != nil {
		p.controlsTimer.Stop()
	}
	p.controlsTimer = time.AfterFunc(p.opts.ControlsHideDelay, func() {
		p.mu.Lock()
		if p.controlsSeq == seq {
			p.controlsShown = false
		}
		p.mu.Unlock()
	})
}

// PointerLeave cancels a pending hide; the controls stay as they are.
func (p *Player) PointerLeave() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controlsSeq++
	if p.controlsTimer != nil {
		p.controlsTimer.Stop()
		p.controlsTimer = nil
	}
}

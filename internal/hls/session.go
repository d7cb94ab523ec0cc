// Package hls implements an adaptive streaming session: it parses HLS
// playlists, picks a rendition from bandwidth and buffer signals, and feeds
// segments to a media sink.
package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"vidclient/internal/blob"
	"vidclient/internal/media"
	"vidclient/internal/platform/metrics"
)

// ErrStarted is returned by Start on a session that was already started.
var ErrStarted = errors.New("hls session already started")

// Segment is one media segment handed to the sink.
type Segment struct {
	Level    int
	Seq      uint64
	Start    float64
	Duration float64
	Data     []byte
}

// Media is the sink a session feeds. It reports the playhead so the session
// can keep the buffer bounded.
type Media interface {
	CurrentTime() float64
	SetDuration(seconds float64)
	AppendSegment(seg Segment) error
}

// Event is emitted from the session goroutine.
type Event interface{ hlsEvent() }

type (
	// ManifestParsed lists the levels once the entry playlist is decoded.
	ManifestParsed struct{ Levels []Level }
	// LevelSwitched reports the level whose segments are now being buffered.
	LevelSwitched struct{ Level int }
	// ErrorEvent is a manifest or segment failure. The session stops fetching.
	ErrorEvent struct{ Err error }
)

func (ManifestParsed) hlsEvent() {}
func (LevelSwitched) hlsEvent()  {}
func (ErrorEvent) hlsEvent()     {}

// Config tunes buffering.
type Config struct {
	// MaxBufferLength is how far ahead of the playhead segments are fetched.
	MaxBufferLength time.Duration
	// LowBufferWater forces a step down when less than this is buffered.
	LowBufferWater time.Duration
	// IdleInterval is the recheck period while the buffer is full or a
	// finished stream has been fully fetched.
	IdleInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBufferLength <= 0 {
		c.MaxBufferLength = 30 * time.Second
	}
	if c.LowBufferWater <= 0 {
		c.LowBufferWater = 3 * time.Second
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 250 * time.Millisecond
	}
	return c
}

type cachedPlaylist struct {
	pl        *mediaPlaylist
	fetchedAt time.Time
}

// Session streams one source into a Media. Handlers passed to NewSession are
// called on the session goroutine and must not call Destroy.
type Session struct {
	fetch   Fetcher
	media   Media
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	emit    func(Event)
	bw      *BandwidthEstimator
	sf      singleflight.Group
	wake    chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	baseURL     string
	levels      []Level
	playlists   map[int]*cachedPlaylist
	manual      int
	current     int
	position    float64
	nextSeq     uint64
	haveSeq     bool
	seekGen     uint64
	durationSet bool
	destroyed   bool
}

// NewSession returns an idle session. emit may be nil; m may be nil.
func NewSession(f Fetcher, m Media, cfg Config, log *slog.Logger, mt *metrics.Metrics, emit func(Event)) *Session {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Session{
		fetch:     f,
		media:     m,
		cfg:       cfg.withDefaults(),
		log:       log,
		metrics:   mt,
		emit:      emit,
		bw:        NewBandwidthEstimator(),
		wake:      make(chan struct{}, 1),
		playlists: make(map[int]*cachedPlaylist),
		manual:    AutoLevel,
		current:   -1,
	}
}

// Start loads uri and begins fetching in a new goroutine. Relative URIs in
// the playlists resolve against baseURL when set, otherwise against uri.
func (s *Session) Start(ctx context.Context, uri, baseURL string) error {
	s.mu.Lock()
	if s.ctx != nil || s.destroyed {
		s.mu.Unlock()
		return ErrStarted
	}
	if baseURL == "" {
		baseURL = uri
	}
	s.baseURL = baseURL
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	ctx = s.ctx
	s.mu.Unlock()

	s.metrics.AddActiveSessions(1)
	go s.run(ctx, uri)
	return nil
}

// Destroy stops fetching and waits for the session goroutines. It is safe to
// call more than once and on a session that never started.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.wg.Wait()
}

// Levels returns the parsed levels, empty until the manifest is parsed.
func (s *Session) Levels() []Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Level(nil), s.levels...)
}

// CurrentLevel is the level of the last buffered segment, or -1.
func (s *Session) CurrentLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ManualLevel is the pinned level or AutoLevel.
func (s *Session) ManualLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manual
}

// BufferedEnd is the media time up to which segments have been appended.
func (s *Session) BufferedEnd() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// SetLevel pins level i, or returns to automatic selection for AutoLevel.
// Already buffered media is kept; new segments come from the chosen level.
func (s *Session) SetLevel(i int) error {
	s.mu.Lock()
	if i != AutoLevel && (i < 0 || i >= len(s.levels)) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidLevel, i)
	}
	s.manual = i
	ctx := s.ctx
	prefetch := i != AutoLevel && ctx != nil && !s.destroyed
	if prefetch {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if prefetch {
		go func() {
			defer s.wg.Done()
			if _, err := s.playlist(ctx, i); err != nil && ctx.Err() == nil {
				s.log.Debug("level playlist prefetch failed", slog.Int("level", i), slog.String("error", err.Error()))
			}
		}()
	}
	s.signal()
	return nil
}

// Seek moves the fetch position to t seconds. Segments fetched for the old
// position are discarded.
func (s *Session) Seek(t float64) {
	if t < 0 {
		t = 0
	}
	s.mu.Lock()
	s.position = t
	s.haveSeq = false
	s.seekGen++
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) run(ctx context.Context, uri string) {
	defer close(s.done)
	defer s.metrics.AddActiveSessions(-1)

	if err := s.loadManifest(ctx, uri); err != nil {
		s.fail(ctx, err)
		return
	}
	for {
		wait, err := s.step(ctx)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-s.wake:
				t.Stop()
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Session) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.log.Error("hls session stalled", slog.String("error", err.Error()))
	s.emit(ErrorEvent{Err: err})
}

func (s *Session) loadManifest(ctx context.Context, uri string) error {
	data, err := s.fetch.Fetch(ctx, uri)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	s.mu.Lock()
	base := s.baseURL
	s.mu.Unlock()

	levels, pl, err := decodePlaylist(data, base)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	s.mu.Lock()
	if pl != nil {
		// A bare media playlist is a single level.
		levels = []Level{{Index: 0, URI: uri, Label: media.QualityLabel(0, 0)}}
		s.playlists[0] = &cachedPlaylist{pl: pl, fetchedAt: time.Now()}
	}
	s.levels = levels
	s.mu.Unlock()

	s.log.Debug("manifest parsed", slog.String("uri", uri), slog.Int("levels", len(levels)))
	s.emit(ManifestParsed{Levels: append([]Level(nil), levels...)})
	return nil
}

// step fetches at most one segment and returns how long to wait before the
// next step.
func (s *Session) step(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	manual, current := s.manual, s.current
	position, gen := s.position, s.seekGen
	nextSeq, haveSeq := s.nextSeq, s.haveSeq
	levels := s.levels
	s.mu.Unlock()

	ahead := position - s.media.CurrentTime()
	if ahead >= s.cfg.MaxBufferLength.Seconds() {
		return s.cfg.IdleInterval, nil
	}

	idx := manual
	if idx == AutoLevel {
		idx = chooseLevel(levels, current, s.bw.Estimate(), ahead, s.cfg.LowBufferWater.Seconds())
	}
	pl, err := s.playlist(ctx, idx)
	if err != nil {
		return 0, err
	}
	s.setDuration(pl)

	var (
		seg segment
		ok  bool
	)
	if pl.live {
		if !haveSeq {
			nextSeq = pl.liveStartSeq()
		}
		seg, ok = pl.segmentSeq(nextSeq)
		if !ok {
			return reloadInterval(pl), nil
		}
	} else {
		seg, ok = pl.segmentAt(position)
		if !ok {
			return s.cfg.IdleInterval, nil
		}
	}

	began := time.Now()
	data, err := s.fetch.Fetch(ctx, seg.uri)
	if err != nil {
		return 0, fmt.Errorf("load segment %d of level %d: %w", seg.seq, idx, err)
	}
	s.bw.Sample(time.Since(began).Seconds(), len(data))
	s.metrics.AddSegmentBytes(len(data))

	start := seg.start
	if pl.live {
		start = position
	}

	s.mu.Lock()
	if s.seekGen != gen {
		s.mu.Unlock()
		return 0, nil
	}
	prev := s.current
	s.current = idx
	s.position = start + seg.duration
	s.nextSeq = seg.seq + 1
	s.haveSeq = true
	s.mu.Unlock()

	if err := s.media.AppendSegment(Segment{
		Level:    idx,
		Seq:      seg.seq,
		Start:    start,
		Duration: seg.duration,
		Data:     data,
	}); err != nil {
		return 0, fmt.Errorf("append segment %d: %w", seg.seq, err)
	}

	if idx != prev {
		if prev >= 0 {
			s.metrics.IncQualitySwitches()
			s.log.Info("quality level switched", slog.Int("from", prev), slog.Int("to", idx))
		}
		s.emit(LevelSwitched{Level: idx})
	}
	return 0, nil
}

func (s *Session) setDuration(pl *mediaPlaylist) {
	if pl.live {
		return
	}
	s.mu.Lock()
	if s.durationSet {
		s.mu.Unlock()
		return
	}
	s.durationSet = true
	s.mu.Unlock()
	s.media.SetDuration(pl.totalDuration())
}

// playlist returns level idx's media playlist, loading it when missing or,
// for live levels, older than one target duration. Concurrent loads of the
// same level share a single request.
func (s *Session) playlist(ctx context.Context, idx int) (*mediaPlaylist, error) {
	s.mu.Lock()
	if idx < 0 || idx >= len(s.levels) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, idx)
	}
	cached := s.playlists[idx]
	lvl := s.levels[idx]
	base := lvl.URI
	if blob.IsObjectURL(base) {
		base = s.baseURL
	}
	s.mu.Unlock()

	if cached != nil && (!cached.pl.live || time.Since(cached.fetchedAt) < reloadInterval(cached.pl)) {
		return cached.pl, nil
	}

	v, err, _ := s.sf.Do(lvl.URI, func() (any, error) {
		s.mu.Lock()
		c := s.playlists[idx]
		s.mu.Unlock()
		if c != nil && c != cached && (!c.pl.live || time.Since(c.fetchedAt) < reloadInterval(c.pl)) {
			return c.pl, nil
		}
		data, err := s.fetch.Fetch(ctx, lvl.URI)
		if err != nil {
			return nil, err
		}
		_, pl, err := decodePlaylist(data, base)
		if err != nil {
			return nil, err
		}
		if pl == nil {
			return nil, fmt.Errorf("level %d: expected a media playlist", idx)
		}
		s.mu.Lock()
		s.playlists[idx] = &cachedPlaylist{pl: pl, fetchedAt: time.Now()}
		s.mu.Unlock()
		return pl, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load level %d playlist: %w", idx, err)
	}
	return v.(*mediaPlaylist), nil
}

func reloadInterval(pl *mediaPlaylist) time.Duration {
	if pl.targetDuration <= 0 {
		return time.Second
	}
	return time.Duration(pl.targetDuration * float64(time.Second))
}

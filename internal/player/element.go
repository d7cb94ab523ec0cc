package player

import (
	"sync"

	"vidclient/internal/hls"
)

// ElementEventType names a media element notification.
type ElementEventType string

const (
	ElementPlay           ElementEventType = "play"
	ElementPause          ElementEventType = "pause"
	ElementTimeUpdate     ElementEventType = "timeupdate"
	ElementDurationChange ElementEventType = "durationchange"
	ElementWaiting        ElementEventType = "waiting"
	ElementPlaying        ElementEventType = "playing"
	ElementVolumeChange   ElementEventType = "volumechange"
	ElementRateChange     ElementEventType = "ratechange"
	ElementEnded          ElementEventType = "ended"
	ElementEmptied        ElementEventType = "emptied"
)

// ElementEvent is delivered to listeners after the element changed.
type ElementEvent struct {
	Type        ElementEventType
	CurrentTime float64
	Duration    float64
	Paused      bool
	Muted       bool
	Volume      float64
	Rate        float64
}

// Element is the media element the player drives. Listeners are called
// synchronously from the goroutine that caused the change, without any
// element lock held.
type Element interface {
	hls.Media

	SetSource(uri string) error
	Play() error
	Pause() error
	Paused() bool
	SetMuted(muted bool) error
	SetVolume(v float64) error
	SetPlaybackRate(r float64) error
	Seek(t float64) error
	Duration() float64
	Subscribe(fn func(ElementEvent)) (unsubscribe func())
}

// HeadlessElement is an in-memory Element. Time only moves when Advance is
// called; for streamed sources it cannot move past the buffered end.
type HeadlessElement struct {
	mu          sync.Mutex
	src         string
	paused      bool
	muted       bool
	volume      float64
	rate        float64
	current     float64
	duration    float64
	bufferedEnd float64
	streamed    bool
	waiting     bool
	segments    int
	bytes       int
	listeners   map[int]func(ElementEvent)
	nextID      int
	failures    map[string]error
}

// NewHeadlessElement returns a paused element with volume 1 and rate 1.
func NewHeadlessElement() *HeadlessElement {
	return &HeadlessElement{
		paused:    true,
		volume:    1,
		rate:      1,
		listeners: make(map[int]func(ElementEvent)),
		failures:  make(map[string]error),
	}
}

// FailNext makes the next call to op ("play", "volume", "rate", "muted",
// "seek", "source", "append") return err.
func (e *HeadlessElement) FailNext(op string, err error) {
	e.mu.Lock()
	e.failures[op] = err
	e.mu.Unlock()
}

func (e *HeadlessElement) takeFailure(op string) error {
	err := e.failures[op]
	delete(e.failures, op)
	return err
}

// Subscribe implements Element.
func (e *HeadlessElement) Subscribe(fn func(ElementEvent)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Listeners returns the number of subscribed listeners.
func (e *HeadlessElement) Listeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// snapshotLocked builds an event and collects the listeners to notify.
func (e *HeadlessElement) snapshotLocked(t ElementEventType) (ElementEvent, []func(ElementEvent)) {
	ev := ElementEvent{
		Type:        t,
		CurrentTime: e.current,
		Duration:    e.duration,
		Paused:      e.paused,
		Muted:       e.muted,
		Volume:      e.volume,
		Rate:        e.rate,
	}
	fns := make([]func(ElementEvent), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	return ev, fns
}

type pending struct {
	ev  ElementEvent
	fns []func(ElementEvent)
}

func (e *HeadlessElement) queueLocked(q []pending, t ElementEventType) []pending {
	ev, fns := e.snapshotLocked(t)
	return append(q, pending{ev: ev, fns: fns})
}

func dispatch(q []pending) {
	for _, p := range q {
		for _, fn := range p.fns {
			fn(p.ev)
		}
	}
}

// Source returns the current source URI.
func (e *HeadlessElement) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.src
}

// SetSource implements Element. It resets time, duration and buffer.
func (e *HeadlessElement) SetSource(uri string) error {
	e.mu.Lock()
	if err := e.takeFailure("source"); err != nil {
		e.mu.Unlock()
		return err
	}
	var q []pending
	wasPlaying := !e.paused
	e.src = uri
	e.paused = true
	e.current = 0
	e.duration = 0
	e.bufferedEnd = 0
	e.streamed = false
	e.waiting = false
	e.segments = 0
	e.bytes = 0
	if wasPlaying {
		q = e.queueLocked(q, ElementPause)
	}
	q = e.queueLocked(q, ElementEmptied)
	e.mu.Unlock()
	dispatch(q)
	return nil
}

// Play implements Element.
func (e *HeadlessElement) Play() error {
	e.mu.Lock()
	if err := e.takeFailure("play"); err != nil {
		e.mu.Unlock()
		return err
	}
	if !e.paused {
		e.mu.Unlock()
		return nil
	}
	e.paused = false
	if e.duration > 0 && e.current >= e.duration {
		e.current = 0
	}
	q := e.queueLocked(nil, ElementPlay)
	e.mu.Unlock()
	dispatch(q)
	return nil
}

// Pause implements Element.
func (e *HeadlessElement) Pause() error {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return nil
	}
	e.paused = true
	q := e.queueLocked(nil, ElementPause)
	e.mu.Unlock()
	dispatch(q)
	return nil
}

// Paused implements Element.
func (e *HeadlessElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Muted reports the element's mute flag.
func (e *HeadlessElement) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// Volume reports the element's volume.
func (e *HeadlessElement) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// SetMuted implements Element.
func (e *HeadlessElement) SetMuted(muted bool) error {
	e.mu.Lock()
	if err := e.takeFailure("muted"); err != nil {
		e.mu.Unlock()
		return err
	}
	e.muted = muted
	q := e.queueLocked(nil, ElementVolumeChange)
	e.mu.Unlock()
	dispatch(q)
	return nil
}

// SetVolume implements Element.
func (e *HeadlessElement) SetVolume(v float64) error {
	e.mu.Lock()
	if err := e.takeFailure("volume"); err != nil {
		e.mu.Unlock()
		return err
	}
	e.volume = v
	q := e.queueLocked(nil, ElementVolumeChange)
	e.mu.Unlock()
	dispatch(q)
	return nil
}

// SetPlaybackRate implements Element.
func (e *HeadlessElement) SetPlaybackRate(r float64) error {
	e.mu.Lock()
	if err := e.takeFailure("rate"); err != nil {
		e.mu.Unlock()
		return err
	}
	e.rate = r
	q := e.queueLocked(nil, ElementRateChange)
	e.mu.Unlock()
	dispatch(q)
	return nil
}

// Seek implements Element.
func (e *HeadlessElement) Seek(t float64) error {
	e.mu.Lock()
	if err := e.takeFailure("seek"); err != nil {
		e.mu.Unlock()
		return err
	}
	if t < 0 {
		t = 0
	}
	if e.duration > 0 && t > e.duration {
		t = e.duration
	}
	e.current = t
	if e.streamed {
		e.bufferedEnd = t
	}
	q := e.queueLocked(nil, ElementTimeUpdate)
	e.mu.Unlock()
	dispatch(q)
	return nil
}

// CurrentTime implements hls.Media.
func (e *HeadlessElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Duration implements Element.
func (e *HeadlessElement) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

// SetDuration implements hls.Media.
func (e *HeadlessElement) SetDuration(d float64) {
	e.mu.Lock()
	if d == e.duration {
		e.mu.Unlock()
		return
	}
	e.duration = d
	q := e.queueLocked(nil, ElementDurationChange)
	e.mu.Unlock()
	dispatch(q)
}

// AppendSegment implements hls.Media.
func (e *HeadlessElement) AppendSegment(seg hls.Segment) error {
	e.mu.Lock()
	if err := e.takeFailure("append"); err != nil {
		e.mu.Unlock()
		return err
	}
	e.streamed = true
	e.segments++
	e.bytes += len(seg.Data)
	if end := seg.Start + seg.Duration; end > e.bufferedEnd {
		e.bufferedEnd = end
	}
	var q []pending
	if e.waiting && e.bufferedEnd > e.current {
		e.waiting = false
		q = e.queueLocked(q, ElementPlaying)
	}
	e.mu.Unlock()
	dispatch(q)
	return nil
}

// Buffered returns the buffered end, appended segment count and bytes.
func (e *HeadlessElement) Buffered() (end float64, segments, bytes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufferedEnd, e.segments, e.bytes
}

// Advance plays dt seconds of wall time at the current rate.
func (e *HeadlessElement) Advance(dt float64) {
	e.mu.Lock()
	if e.paused || dt <= 0 {
		e.mu.Unlock()
		return
	}
	var q []pending
	next := e.current + dt*e.rate
	if e.streamed && next >= e.bufferedEnd && (e.duration == 0 || e.bufferedEnd < e.duration) {
		next = e.bufferedEnd
		if !e.waiting {
			e.waiting = true
			q = e.queueLocked(q, ElementWaiting)
		}
	}
	ended := false
	if e.duration > 0 && next >= e.duration {
		next = e.duration
		ended = true
	}
	e.current = next
	q = e.queueLocked(q, ElementTimeUpdate)
	if ended {
		e.paused = true
		q = e.queueLocked(q, ElementPause)
		q = e.queueLocked(q, ElementEnded)
	}
	e.mu.Unlock()
	dispatch(q)
}

package hls

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidclient/internal/blob"
	"vidclient/internal/hls/hlstest"
	"vidclient/internal/platform/logger"
)

type fakeMedia struct {
	mu       sync.Mutex
	now      float64
	duration float64
	segs     []Segment
	appended chan Segment
	failNext error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{appended: make(chan Segment, 256)}
}

func (m *fakeMedia) CurrentTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *fakeMedia) SetDuration(d float64) {
	m.mu.Lock()
	m.duration = d
	m.mu.Unlock()
}

func (m *fakeMedia) AppendSegment(seg Segment) error {
	m.mu.Lock()
	err := m.failNext
	if err == nil {
		m.segs = append(m.segs, seg)
	}
	m.mu.Unlock()
	if err == nil {
		m.appended <- seg
	}
	return err
}

func (m *fakeMedia) setNow(t float64) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

func (m *fakeMedia) dur() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

func (m *fakeMedia) next(t *testing.T) Segment {
	t.Helper()
	select {
	case s := <-m.appended:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a segment")
	}
	return Segment{}
}

type recorder struct {
	ch chan Event
	fn func(Event)
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 256)}
}

func (r *recorder) emit(ev Event) {
	if r.fn != nil {
		r.fn(ev)
	}
	r.ch <- ev
}

func waitEvent[T Event](t *testing.T, r *recorder) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// vodOrigin serves two renditions of ten 4s segments, listed high first.
func vodOrigin(t *testing.T) *hlstest.Origin {
	t.Helper()
	o := hlstest.NewOrigin()
	t.Cleanup(o.Close)
	o.AddRendition("720p", 2_800_000, "1280x720")
	o.AddRendition("360p", 800_000, "640x360")
	require.NoError(t, o.AddSegments(10, 4))
	o.End()
	return o
}

func fastConfig() Config {
	return Config{MaxBufferLength: 12 * time.Second, IdleInterval: 5 * time.Millisecond}
}

func newTestSession(t *testing.T, o *hlstest.Origin, reg *blob.Registry, m Media, cfg Config, r *recorder) *Session {
	t.Helper()
	s := NewSession(NewLoader(reg, o.Client()), m, cfg, logger.Discard(), nil, r.emit)
	t.Cleanup(s.Destroy)
	return s
}

func TestSession_manifest_levels_sorted(t *testing.T) {
	o := vodOrigin(t)
	r := newRecorder()
	m := newFakeMedia()
	s := newTestSession(t, o, nil, m, fastConfig(), r)

	require.NoError(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""))
	parsed := waitEvent[ManifestParsed](t, r)

	require.Len(t, parsed.Levels, 2)
	assert.Equal(t, Level{Index: 0, Height: 360, Bandwidth: 800_000, Label: "360p", URI: o.URL("/360p/index.m3u8")}, parsed.Levels[0])
	assert.Equal(t, Level{Index: 1, Height: 720, Bandwidth: 2_800_000, Label: "720p", URI: o.URL("/720p/index.m3u8")}, parsed.Levels[1])
	assert.Equal(t, parsed.Levels, s.Levels())

	m.next(t)
	assert.Equal(t, 40.0, m.dur())
}

func TestSession_buffer_is_bounded(t *testing.T) {
	o := vodOrigin(t)
	r := newRecorder()
	m := newFakeMedia()
	s := newTestSession(t, o, nil, m, fastConfig(), r)

	require.NoError(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""))
	for i := 0; i < 3; i++ {
		seg := m.next(t)
		assert.Equal(t, uint64(i), seg.Seq)
		assert.Equal(t, float64(4*i), seg.Start)
	}
	// 12s buffered at playhead 0: nothing more is fetched.
	select {
	case seg := <-m.appended:
		t.Fatalf("unexpected segment %d beyond the buffer limit", seg.Seq)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 12.0, s.BufferedEnd())

	m.setNow(6)
	assert.Equal(t, uint64(3), m.next(t).Seq)
}

func TestSession_pinned_level(t *testing.T) {
	o := vodOrigin(t)
	r := newRecorder()
	m := newFakeMedia()
	var s *Session
	r.fn = func(ev Event) {
		if _, ok := ev.(ManifestParsed); ok {
			assert.NoError(t, s.SetLevel(1))
		}
	}
	s = newTestSession(t, o, nil, m, fastConfig(), r)

	require.NoError(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""))
	switched := waitEvent[LevelSwitched](t, r)
	assert.Equal(t, 1, switched.Level)

	for i := 0; i < 3; i++ {
		seg := m.next(t)
		assert.Equal(t, 1, seg.Level)
		assert.Equal(t, fmt.Sprintf("720p:%d", i), hlstest.SegmentTag(seg.Data))
	}
	assert.Equal(t, 1, s.ManualLevel())
	assert.Equal(t, 1, s.CurrentLevel())
	// The level playlist is loaded once even though prefetch and the fetch loop both asked.
	assert.Equal(t, 1, o.Hits("/720p/index.m3u8"))
	assert.Zero(t, o.HitsWithPrefix("/360p/"))
}

func TestSession_SetLevel_validates(t *testing.T) {
	o := vodOrigin(t)
	r := newRecorder()
	s := newTestSession(t, o, nil, newFakeMedia(), fastConfig(), r)

	assert.ErrorIs(t, s.SetLevel(0), ErrInvalidLevel, "no levels before the manifest is parsed")

	require.NoError(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""))
	waitEvent[ManifestParsed](t, r)

	assert.ErrorIs(t, s.SetLevel(2), ErrInvalidLevel)
	assert.ErrorIs(t, s.SetLevel(-2), ErrInvalidLevel)
	assert.NoError(t, s.SetLevel(AutoLevel))
	assert.Equal(t, AutoLevel, s.ManualLevel())
}

func TestSession_seek_restarts_at_position(t *testing.T) {
	o := vodOrigin(t)
	r := newRecorder()
	m := newFakeMedia()
	cfg := fastConfig()
	cfg.MaxBufferLength = 8 * time.Second
	s := newTestSession(t, o, nil, m, cfg, r)

	require.NoError(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""))
	m.next(t)
	m.next(t)

	m.setNow(21)
	s.Seek(21)

	// Drain anything fetched for the old position before the seek landed.
	for {
		seg := m.next(t)
		if seg.Start >= 20 {
			assert.Equal(t, uint64(5), seg.Seq)
			assert.Equal(t, 20.0, seg.Start)
			break
		}
	}
}

func TestSession_inline_manifest_from_blob(t *testing.T) {
	o := vodOrigin(t)
	reg := blob.NewRegistry()

	text := hlstest.BuildMasterPlaylist([]hlstest.Variant{
		{Bandwidth: 800_000, Resolution: "640x360", URI: "360p/index.m3u8"},
	})
	url := reg.Create("application/vnd.apple.mpegurl", []byte(text))

	r := newRecorder()
	m := newFakeMedia()
	s := newTestSession(t, o, reg, m, fastConfig(), r)

	require.NoError(t, s.Start(context.Background(), url, o.URL("/master.m3u8")))
	parsed := waitEvent[ManifestParsed](t, r)
	require.Len(t, parsed.Levels, 1)
	assert.Equal(t, o.URL("/360p/index.m3u8"), parsed.Levels[0].URI)

	seg := m.next(t)
	assert.Equal(t, "360p:0", hlstest.SegmentTag(seg.Data))
}

func TestSession_bare_media_playlist(t *testing.T) {
	o := vodOrigin(t)
	r := newRecorder()
	m := newFakeMedia()
	s := newTestSession(t, o, nil, m, fastConfig(), r)

	require.NoError(t, s.Start(context.Background(), o.URL("/360p/index.m3u8"), ""))
	parsed := waitEvent[ManifestParsed](t, r)
	require.Len(t, parsed.Levels, 1)
	assert.Equal(t, 0, waitEvent[LevelSwitched](t, r).Level)
	assert.Equal(t, "360p:0", hlstest.SegmentTag(m.next(t).Data))
	assert.Equal(t, 1, o.Hits("/360p/index.m3u8"))
}

func TestSession_manifest_error(t *testing.T) {
	o := vodOrigin(t)
	o.Fail("/master.m3u8", http.StatusServiceUnavailable)
	r := newRecorder()
	s := newTestSession(t, o, nil, newFakeMedia(), fastConfig(), r)

	require.NoError(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""))
	ev := waitEvent[ErrorEvent](t, r)

	var httpErr *HTTPError
	require.True(t, errors.As(ev.Err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Empty(t, s.Levels())
}

func TestSession_segment_error_stalls(t *testing.T) {
	o := vodOrigin(t)
	o.Fail("/360p/1.ts", http.StatusNotFound)
	r := newRecorder()
	m := newFakeMedia()
	var s *Session
	r.fn = func(ev Event) {
		if _, ok := ev.(ManifestParsed); ok {
			_ = s.SetLevel(0)
		}
	}
	s = newTestSession(t, o, nil, m, fastConfig(), r)

	require.NoError(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""))
	assert.Equal(t, uint64(0), m.next(t).Seq)
	ev := waitEvent[ErrorEvent](t, r)
	assert.Contains(t, ev.Err.Error(), "load segment 1")

	select {
	case seg := <-m.appended:
		t.Fatalf("session kept fetching after an error: segment %d", seg.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_live_reload(t *testing.T) {
	o := hlstest.NewOrigin()
	t.Cleanup(o.Close)
	o.AddRendition("360p", 800_000, "640x360")
	o.SetWindow(3)
	require.NoError(t, o.AddSegments(5, 1))

	r := newRecorder()
	m := newFakeMedia()
	cfg := fastConfig()
	cfg.MaxBufferLength = time.Minute
	s := newTestSession(t, o, nil, m, cfg, r)

	require.NoError(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""))
	// Joins three segments from the live edge of the 2..4 window.
	assert.Equal(t, uint64(2), m.next(t).Seq)
	assert.Equal(t, uint64(3), m.next(t).Seq)
	assert.Equal(t, uint64(4), m.next(t).Seq)

	require.NoError(t, o.AddSegments(1, 1))
	seg := m.next(t)
	assert.Equal(t, uint64(5), seg.Seq)
	assert.Equal(t, 3.0, seg.Start)
	assert.Zero(t, m.dur(), "live streams have no duration")
	assert.GreaterOrEqual(t, o.Hits("/360p/index.m3u8"), 2)
}

func TestSession_append_error(t *testing.T) {
	o := vodOrigin(t)
	r := newRecorder()
	m := newFakeMedia()
	m.failNext = errors.New("decoder rejected segment")
	s := newTestSession(t, o, nil, m, fastConfig(), r)

	require.NoError(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""))
	ev := waitEvent[ErrorEvent](t, r)
	assert.Contains(t, ev.Err.Error(), "decoder rejected segment")
}

func TestSession_start_and_destroy(t *testing.T) {
	o := vodOrigin(t)
	r := newRecorder()
	s := NewSession(NewLoader(nil, o.Client()), newFakeMedia(), fastConfig(), logger.Discard(), nil, r.emit)

	require.NoError(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""))
	assert.ErrorIs(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""), ErrStarted)

	s.Destroy()
	s.Destroy()
	assert.ErrorIs(t, s.Start(context.Background(), o.URL("/master.m3u8"), ""), ErrStarted)

	idle := NewSession(NewLoader(nil, nil), newFakeMedia(), Config{}, logger.Discard(), nil, nil)
	idle.Destroy()
}

func TestLoader_blob_revoked(t *testing.T) {
	reg := blob.NewRegistry()
	url := reg.Create("text/plain", []byte("x"))
	l := NewLoader(reg, nil)

	data, err := l.Fetch(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	require.NoError(t, reg.Revoke(url))
	_, err = l.Fetch(context.Background(), url)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	_, err = NewLoader(nil, nil).Fetch(context.Background(), url)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestResolveURI(t *testing.T) {
	assert.Equal(t, "https://cdn.example/v/360p/index.m3u8", resolveURI("https://cdn.example/v/master.m3u8", "360p/index.m3u8"))
	assert.Equal(t, "https://other/x.ts", resolveURI("https://cdn.example/v/master.m3u8", "https://other/x.ts"))
	assert.Equal(t, "360p/index.m3u8", resolveURI("blob:1234", "360p/index.m3u8"))
	assert.Equal(t, 720, heightFromResolution("1280x720"))
	assert.Equal(t, 0, heightFromResolution("bogus"))
}

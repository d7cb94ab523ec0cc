// Package hlstest provides an in-process HLS origin for tests: renditions,
// segments and a live sliding window served over httptest.
package hlstest

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// ErrEnded is returned when adding segments after End.
var ErrEnded = errors.New("stream has ended")

type rendition struct {
	name       string
	bandwidth  int64
	resolution string
	segments   map[int64]Segment
}

// Origin serves:
//
//	GET /master.m3u8
//	GET /{rendition}/index.m3u8
//	GET /{rendition}/{seq}.ts
type Origin struct {
	srv *httptest.Server

	mu           sync.RWMutex
	renditions   map[string]*rendition
	order        []string
	ended        bool
	window       int
	segmentBytes int
	segmentDelay time.Duration
	failures     map[string]int
	hits         map[string]int
}

// NewOrigin starts an origin. Call Close when done.
func NewOrigin() *Origin {
	o := &Origin{
		renditions:   make(map[string]*rendition),
		failures:     make(map[string]int),
		hits:         make(map[string]int),
		segmentBytes: 1024,
	}
	r := chi.NewRouter()
	r.Use(o.count)
	r.Get("/master.m3u8", o.getMaster)
	r.Get("/{rendition}/index.m3u8", o.getMediaPlaylist)
	r.Get("/{rendition}/{segment}", o.getSegment)
	o.srv = httptest.NewServer(r)
	return o
}

// URL returns the absolute URL for path.
func (o *Origin) URL(path string) string {
	return o.srv.URL + path
}

// Client returns an HTTP client for the origin.
func (o *Origin) Client() *http.Client {
	return o.srv.Client()
}

// Close shuts the server down.
func (o *Origin) Close() {
	o.srv.Close()
}

// AddRendition declares a rendition listed in the master playlist.
func (o *Origin) AddRendition(name string, bandwidth int64, resolution string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.renditions[name]; ok {
		return
	}
	o.renditions[name] = &rendition{
		name:       name,
		bandwidth:  bandwidth,
		resolution: resolution,
		segments:   make(map[int64]Segment),
	}
	o.order = append(o.order, name)
}

// AddSegments appends n contiguous segments of duration seconds to every
// rendition.
func (o *Origin) AddSegments(n int, duration float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return ErrEnded
	}
	for _, r := range o.renditions {
		next := int64(0)
		for seq := range r.segments {
			if seq >= next {
				next = seq + 1
			}
		}
		for i := 0; i < n; i++ {
			seq := next + int64(i)
			r.segments[seq] = Segment{Sequence: seq, Duration: duration, Path: fmt.Sprintf("%d.ts", seq)}
		}
	}
	return nil
}

// RegisterSegment records one segment for a rendition. Duplicate sequence
// numbers are ignored.
func (o *Origin) RegisterSegment(name string, seg Segment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return ErrEnded
	}
	r, ok := o.renditions[name]
	if !ok {
		return fmt.Errorf("unknown rendition %q", name)
	}
	if _, exists := r.segments[seg.Sequence]; exists {
		return nil
	}
	if seg.Path == "" {
		seg.Path = fmt.Sprintf("%d.ts", seg.Sequence)
	}
	r.segments[seg.Sequence] = seg
	return nil
}

// End closes every rendition playlist with #EXT-X-ENDLIST.
func (o *Origin) End() {
	o.mu.Lock()
	o.ended = true
	o.mu.Unlock()
}

// SetWindow limits media playlists to the last n segments. 0 serves all.
func (o *Origin) SetWindow(n int) {
	o.mu.Lock()
	o.window = n
	o.mu.Unlock()
}

// SetSegmentBytes sets the size of every served segment.
func (o *Origin) SetSegmentBytes(n int) {
	o.mu.Lock()
	o.segmentBytes = n
	o.mu.Unlock()
}

// SetSegmentDelay delays every segment response.
func (o *Origin) SetSegmentDelay(d time.Duration) {
	o.mu.Lock()
	o.segmentDelay = d
	o.mu.Unlock()
}

// Fail makes requests for path answer with status.
func (o *Origin) Fail(path string, status int) {
	o.mu.Lock()
	o.failures[path] = status
	o.mu.Unlock()
}

// Hits returns how many requests path received.
func (o *Origin) Hits(path string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.hits[path]
}

// HitsWithPrefix sums requests for paths starting with prefix.
func (o *Origin) HitsWithPrefix(prefix string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for p, c := range o.hits {
		if strings.HasPrefix(p, prefix) {
			n += c
		}
	}
	return n
}

// MediaPlaylist renders the current playlist for a rendition.
func (o *Origin) MediaPlaylist(name string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.renditions[name]
	if !ok {
		return "", false
	}
	return BuildMediaPlaylist(visibleWindow(sortedSegments(r), o.window), o.ended), true
}

func (o *Origin) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		status := o.failures[r.URL.Path]
		o.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (o *Origin) getMaster(w http.ResponseWriter, _ *http.Request) {
	o.mu.RLock()
	variants := make([]Variant, 0, len(o.order))
	for _, name := range o.order {
		r := o.renditions[name]
		variants = append(variants, Variant{
			Bandwidth:  r.bandwidth,
			Resolution: r.resolution,
			URI:        name + "/index.m3u8",
		})
	}
	o.mu.RUnlock()

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(BuildMasterPlaylist(variants)))
}

func (o *Origin) getMediaPlaylist(w http.ResponseWriter, r *http.Request) {
	pl, ok := o.MediaPlaylist(chi.URLParam(r, "rendition"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(pl))
}

func (o *Origin) getSegment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "rendition")
	seq, err := strconv.ParseInt(strings.TrimSuffix(chi.URLParam(r, "segment"), ".ts"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	o.mu.RLock()
	rend, ok := o.renditions[name]
	if ok {
		_, ok = rend.segments[seq]
	}
	size, delay := o.segmentBytes, o.segmentDelay
	o.mu.RUnlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.WriteHeader(http.StatusOK)
	w.Write(segmentBody(name, seq, size))
}

// segmentBody starts with "rendition:seq" so tests can tell segments apart.
func segmentBody(name string, seq int64, size int) []byte {
	tag := fmt.Sprintf("%s:%d", name, seq)
	if size < len(tag) {
		size = len(tag)
	}
	body := bytes.Repeat([]byte{0}, size)
	copy(body, tag)
	return body
}

// SegmentTag extracts the "rendition:seq" tag written by the origin.
func SegmentTag(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}

func sortedSegments(r *rendition) []Segment {
	segs := make([]Segment, 0, len(r.segments))
	for _, s := range r.segments {
		segs = append(segs, s)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Sequence < segs[j].Sequence })
	return segs
}

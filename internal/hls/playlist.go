package hls

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"

	"vidclient/internal/media"
)

// AutoLevel selects levels automatically from bandwidth and buffer signals.
const AutoLevel = -1

var (
	// ErrInvalidLevel is returned by SetLevel for an index outside the level list.
	ErrInvalidLevel = errors.New("invalid quality level")
	// ErrNoLevels is reported when a master playlist lists no variants.
	ErrNoLevels = errors.New("manifest has no playable levels")
)

// Level is one rendition of the stream. Levels are ordered by ascending
// bandwidth and Index is the position in that order.
type Level struct {
	Index     int    `json:"index"`
	Height    int    `json:"height"`
	Bandwidth int64  `json:"bandwidth"`
	Label     string `json:"label"`
	URI       string `json:"-"`
}

type segment struct {
	seq      uint64
	uri      string
	start    float64
	duration float64
}

// mediaPlaylist is a decoded level playlist with absolute segment URIs and a
// cumulative timeline.
type mediaPlaylist struct {
	segments       []segment
	targetDuration float64
	live           bool
}

func (p *mediaPlaylist) totalDuration() float64 {
	if len(p.segments) == 0 {
		return 0
	}
	last := p.segments[len(p.segments)-1]
	return last.start + last.duration
}

// segmentAt returns the segment covering t, or the first one starting after t.
func (p *mediaPlaylist) segmentAt(t float64) (segment, bool) {
	i := sort.Search(len(p.segments), func(i int) bool {
		s := p.segments[i]
		return s.start+s.duration > t
	})
	if i == len(p.segments) {
		return segment{}, false
	}
	return p.segments[i], true
}

// segmentSeq returns the segment with sequence number seq, or the first later
// one when seq already slid out of the window.
func (p *mediaPlaylist) segmentSeq(seq uint64) (segment, bool) {
	for _, s := range p.segments {
		if s.seq >= seq {
			return s, true
		}
	}
	return segment{}, false
}

// liveStartSeq is where playback joins a live window: three segments from the
// edge, or the first segment of a short window.
func (p *mediaPlaylist) liveStartSeq() uint64 {
	if len(p.segments) == 0 {
		return 0
	}
	i := len(p.segments) - 3
	if i < 0 {
		i = 0
	}
	return p.segments[i].seq
}

// decodePlaylist parses data fetched from uri. Exactly one of the results is
// non-nil on success.
func decodePlaylist(data []byte, uri string) ([]Level, *mediaPlaylist, error) {
	pl, typ, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, nil, fmt.Errorf("decode playlist: %w", err)
	}
	switch typ {
	case m3u8.MASTER:
		master, ok := pl.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, nil, fmt.Errorf("decode playlist: unexpected %T", pl)
		}
		levels, err := levelsFromMaster(master, uri)
		return levels, nil, err
	case m3u8.MEDIA:
		mp, ok := pl.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, nil, fmt.Errorf("decode playlist: unexpected %T", pl)
		}
		return nil, mediaFromPlaylist(mp, uri), nil
	}
	return nil, nil, errors.New("decode playlist: unknown playlist type")
}

func levelsFromMaster(master *m3u8.MasterPlaylist, base string) ([]Level, error) {
	levels := make([]Level, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil || v.URI == "" || v.Iframe {
			continue
		}
		levels = append(levels, Level{
			Height:    heightFromResolution(v.Resolution),
			Bandwidth: int64(v.Bandwidth),
			URI:       resolveURI(base, v.URI),
		})
	}
	if len(levels) == 0 {
		return nil, ErrNoLevels
	}
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Bandwidth < levels[j].Bandwidth
	})
	for i := range levels {
		levels[i].Index = i
		levels[i].Label = media.QualityLabel(levels[i].Height, levels[i].Bandwidth)
	}
	return levels, nil
}

func mediaFromPlaylist(mp *m3u8.MediaPlaylist, base string) *mediaPlaylist {
	out := &mediaPlaylist{
		targetDuration: float64(mp.TargetDuration),
		live:           !mp.Closed,
	}
	start := 0.0
	n := uint64(0)
	for _, s := range mp.Segments {
		if s == nil {
			continue
		}
		out.segments = append(out.segments, segment{
			seq:      mp.SeqNo + n,
			uri:      resolveURI(base, s.URI),
			start:    start,
			duration: s.Duration,
		})
		start += s.Duration
		n++
	}
	return out
}

// heightFromResolution parses the height out of "1280x720".
func heightFromResolution(res string) int {
	_, h, ok := strings.Cut(strings.ToLower(res), "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0
	}
	return n
}

// resolveURI resolves ref against base. Opaque bases such as blob: URLs
// cannot anchor a relative reference, so ref is returned unchanged.
func resolveURI(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || b.Opaque != "" || b.Scheme == "" {
		return ref
	}
	return b.ResolveReference(r).String()
}

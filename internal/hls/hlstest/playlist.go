package hlstest

import (
	"fmt"
	"math"
	"strings"
)

// Segment is one media segment served by an Origin.
type Segment struct {
	Sequence int64
	Duration float64
	Path     string
}

// Variant is one entry of a master playlist.
type Variant struct {
	Bandwidth  int64
	Resolution string
	URI        string
}

// BuildMediaPlaylist renders segments (ordered by sequence ascending) as an
// HLS media playlist. If ended is true, #EXT-X-ENDLIST is appended.
// An empty segments slice produces a minimal valid playlist with media sequence 0.
func BuildMediaPlaylist(segments []Segment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(segments))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", segments[0].Sequence)
	if ended {
		b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	}
	b.WriteString("\n")

	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.Path)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// BuildMasterPlaylist renders a master playlist listing variants in order.
func BuildMasterPlaylist(variants []Variant) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, v := range variants {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d", v.Bandwidth)
		if v.Resolution != "" {
			fmt.Fprintf(&b, ",RESOLUTION=%s", v.Resolution)
		}
		b.WriteString("\n")
		b.WriteString(v.URI)
		b.WriteString("\n")
	}
	return b.String()
}

// targetDuration is the ceiling of the longest segment, in whole seconds.
func targetDuration(segments []Segment) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}

// visibleWindow keeps the last windowSize segments, then drops everything
// after the first sequence gap so a player never sees 42 followed by 44.
// segs must be sorted by Sequence ascending. windowSize <= 0 keeps all.
func visibleWindow(segs []Segment, windowSize int) []Segment {
	if len(segs) == 0 {
		return nil
	}
	start := 0
	if windowSize > 0 && len(segs) > windowSize {
		start = len(segs) - windowSize
	}
	windowed := segs[start:]

	visible := make([]Segment, 0, len(windowed))
	for i := range windowed {
		if i > 0 && windowed[i].Sequence != windowed[i-1].Sequence+1 {
			break
		}
		visible = append(visible, windowed[i])
	}
	return visible
}

package player

import (
	"strings"

	"vidclient/internal/api"
	"vidclient/internal/media"
)

// manifestMIME is the content type of materialized inline manifests.
const manifestMIME = "application/vnd.apple.mpegurl"

// MediaSource is what the player loads: a direct media URL or inline
// manifest text. The zero value clears playback.
type MediaSource struct {
	URL string `json:"url,omitempty"`
	// Manifest is inline playlist text, loaded through an object URL.
	Manifest string `json:"manifest,omitempty"`
	// BaseURL resolves relative URIs inside Manifest.
	BaseURL string `json:"baseUrl,omitempty"`
}

// Empty reports whether s names nothing to play.
func (s MediaSource) Empty() bool {
	return strings.TrimSpace(s.URL) == "" && strings.TrimSpace(s.Manifest) == ""
}

// Adaptive reports whether s needs a streaming session.
func (s MediaSource) Adaptive() bool {
	return s.Manifest != "" || media.IsManifestURL(s.URL)
}

// SourceFromVideo builds a MediaSource for a processed video.
func SourceFromVideo(v api.VideoResource) MediaSource {
	return MediaSource{URL: v.StreamURL()}
}

// Rect is an axis-aligned box in viewport pixels.
type Rect struct {
	X, Y, W, H float64
}

// Inflate grows r by m on every side.
func (r Rect) Inflate(m float64) Rect {
	return Rect{X: r.X - m, Y: r.Y - m, W: r.W + 2*m, H: r.H + 2*m}
}

// Intersects reports whether r and o overlap. Touching edges count, as does
// a zero-size target lying inside o.
func (r Rect) Intersects(o Rect) bool {
	return r.X <= o.X+o.W && o.X <= r.X+r.W &&
		r.Y <= o.Y+o.H && o.Y <= r.Y+r.H
}

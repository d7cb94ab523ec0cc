package media

import (
	"fmt"
	"math"
	"net/url"
	"strings"
)

// AllowedRates lists the playback rates the player accepts, slowest first.
var AllowedRates = []float64{0.5, 1, 1.5, 2}

const manifestExt = ".m3u8"

// Clamp returns v bounded to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FormatTime renders seconds as m:ss. Negative, NaN and infinite inputs render as 0:00.
func FormatTime(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// IsAllowedRate reports whether r is one of AllowedRates.
func IsAllowedRate(r float64) bool {
	for _, a := range AllowedRates {
		if a == r {
			return true
		}
	}
	return false
}

// IsManifestURL reports whether u points at an HLS manifest. Query strings and
// fragments are ignored.
func IsManifestURL(u string) bool {
	if u == "" {
		return false
	}
	path := u
	if parsed, err := url.Parse(u); err == nil && parsed.Path != "" {
		path = parsed.Path
	}
	return strings.HasSuffix(strings.ToLower(path), manifestExt)
}

// QualityLabel returns the menu label for a level with the given vertical
// resolution, e.g. "720p". Unknown heights fall back to the bitrate.
func QualityLabel(height int, bandwidth int64) string {
	if height > 0 {
		return fmt.Sprintf("%dp", height)
	}
	if bandwidth > 0 {
		return fmt.Sprintf("%d kbps", bandwidth/1000)
	}
	return "unknown"
}

// RateLabel returns the speed menu label for r.
func RateLabel(r float64) string {
	if r == 1 {
		return "Normal"
	}
	return fmt.Sprintf("%gx", r)
}

// SecureURL upgrades plain-http Cloudinary delivery URLs to https and asks the
// CDN for automatic format and quality. Other URLs are returned unchanged.
func SecureURL(u string) string {
	if !strings.HasPrefix(u, "http://res.cloudinary.com") {
		return u
	}
	u = strings.Replace(u, "http://", "https://", 1)
	return strings.Replace(u, "/upload/", "/upload/f_auto,q_auto/", 1)
}

// FormatBitrate renders bits per second as "2.8 Mbps" or "800 kbps".
func FormatBitrate(bps int64) string {
	if bps >= 1_000_000 {
		return fmt.Sprintf("%.1f Mbps", float64(bps)/1e6)
	}
	return fmt.Sprintf("%d kbps", bps/1000)
}

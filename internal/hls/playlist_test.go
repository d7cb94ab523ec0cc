package hls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePlaylist_master_labels(t *testing.T) {
	master := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720\n720p/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=400000\naudio/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\n360p/index.m3u8\n"

	levels, mp, err := decodePlaylist([]byte(master), "https://cdn.example/v/master.m3u8")
	require.NoError(t, err)
	assert.Nil(t, mp)
	require.Len(t, levels, 3)

	labels := make([]string, len(levels))
	for i, l := range levels {
		assert.Equal(t, i, l.Index)
		labels[i] = l.Label
	}
	assert.Equal(t, []string{"400 kbps", "360p", "720p"}, labels)
	assert.Equal(t, 720, levels[2].Height)
	assert.Equal(t, "https://cdn.example/v/720p/index.m3u8", levels[2].URI)
}

package playlist

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMasterOrdersByBitrate(t *testing.T) {
	raw := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=320000,RESOLUTION=1920x1080
320000.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=64000
64000.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS="mp4a.40.2"
128000.m3u8
`
	ast, err := ParseMaster(strings.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, ast.Variants, 3)
	assert.Equal(t, 64000, ast.Variants[0].Bitrate)
	assert.Equal(t, 128000, ast.Variants[1].Bitrate)
	assert.Equal(t, 320000, ast.Variants[2].Bitrate)
	assert.Equal(t, "mp4a.40.2", ast.Variants[1].Codecs)
}

func TestParseMasterMissingBandwidthFails(t *testing.T) {
	raw := "#EXTM3U\n#EXT-X-STREAM-INF:RESOLUTION=1920x1080\nv.m3u8\n"
	_, err := ParseMaster(strings.NewReader(raw))
	require.Error(t, err)
}

func TestParseMasterRejectsURIWithoutTag(t *testing.T) {
	raw := "#EXTM3U\nv.m3u8\n"
	_, err := ParseMaster(strings.NewReader(raw))
	require.Error(t, err)
}

func TestParseMediaRequiresEndlist(t *testing.T) {
	raw := "#EXTM3U\n#EXTINF:2.0,\nseg1.ts\n"
	_, err := ParseMedia(strings.NewReader(raw))
	require.Error(t, err)
}

func TestParseMediaHappyPath(t *testing.T) {
	raw := `#EXTM3U
#EXT-X-MAP:URI="init.mp4"
#EXTINF:2.000,
seg0.m4s
#EXTINF:2.000,
seg1.m4s
#EXT-X-ENDLIST
`
	mp, err := ParseMedia(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "init.mp4", mp.MapURI)
	require.Len(t, mp.Segments, 2)
	assert.Equal(t, "seg0.m4s", mp.Segments[0].URI)
	assert.InDelta(t, 2.0, mp.Segments[1].Duration, 0.001)
}

func TestParseMediaRejectsMixedIndicators(t *testing.T) {
	raw := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n#EXTINF:1.0,\nseg0.ts\n#EXT-X-ENDLIST\n"
	_, err := ParseMedia(strings.NewReader(raw))
	require.Error(t, err)
}

func TestWriteMasterRoundTrips(t *testing.T) {
	ast := &MasterPlaylistAST{Variants: []Variant{
		{Bitrate: 64000, URI: "64000.m3u8"},
		{Bitrate: 128000, URI: "128000.m3u8", Codecs: "mp4a.40.2"},
	}}
	var buf strings.Builder
	require.NoError(t, WriteMaster(&buf, ast))

	reparsed, err := ParseMaster(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Len(t, reparsed.Variants, 2)
	assert.Equal(t, 64000, reparsed.Variants[0].Bitrate)
}

package ingest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/oinkognito/wavy/internal/kvstore"
	"github.com/oinkognito/wavy/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildArchive packs a minimal, valid tar.gz asset: a master playlist with
// one variant, a media playlist with one segment, one 188-byte transport
// stream packet, and a metadata.toml sidecar. Members are stored
// uncompressed (no .zst suffix) since Unpack treats that as optional.
func buildArchive(t *testing.T) []byte {
	t.Helper()

	segment := make([]byte, 188)
	segment[0] = 0x47

	files := map[string]string{
		"master.m3u8": "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=128000\nvariant0/media.m3u8\n",
		"variant0/media.m3u8": "#EXTM3U\n#EXTINF:2.0,\nseg0.ts\n#EXT-X-ENDLIST\n",
		"metadata.toml": "title = \"Test Track\"\nartist = \"Test Artist\"\nduration_seconds = 2.0\n",
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0640, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	hdr := &tar.Header{Name: "variant0/seg0.ts", Mode: 0640, Size: int64(len(segment))}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write(segment)
	require.NoError(t, err)

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	root := t.TempDir()

	store, err := objectstore.Open(root)
	require.NoError(t, err)

	index, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	return New(store, index, Limits{MaxMemberBytes: 1 << 20, MaxArchiveBytes: 1 << 20})
}

func TestUploadSucceedsAndIsIdempotent(t *testing.T) {
	p := newTestPipeline(t)
	data := buildArchive(t)

	result, err := p.Upload("owner1", data)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.NotEmpty(t, result.AssetID)

	again, err := p.Upload("owner1", data)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, result.AssetID, again.AssetID)

	meta, err := p.index.GetAsset("owner1", result.AssetID)
	require.NoError(t, err)
	assert.Equal(t, "Test Track", meta.Title)
	assert.Equal(t, "Test Artist", meta.Artist)
	require.Len(t, meta.Variants, 1)
	assert.Equal(t, 128000, meta.Variants[0].Bitrate)
	assert.Equal(t, 1, meta.Variants[0].SegmentCount)
}

func TestUploadRejectsInvalidOwnerID(t *testing.T) {
	p := newTestPipeline(t)
	_, err := p.Upload("bad/owner", buildArchive(t))
	require.Error(t, err)
}

func TestUploadRejectsMissingMaster(t *testing.T) {
	p := newTestPipeline(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: "metadata.toml", Mode: 0640, Size: 5}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write([]byte("x = 1"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	_, err = p.Upload("owner1", buf.Bytes())
	require.Error(t, err)
}

func TestDeleteRemovesAssetAndIndexEntry(t *testing.T) {
	p := newTestPipeline(t)
	data := buildArchive(t)

	result, err := p.Upload("owner1", data)
	require.NoError(t, err)

	require.NoError(t, p.Delete("owner1", result.AssetID))

	_, err = p.index.GetAsset("owner1", result.AssetID)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	err = p.Delete("owner1", result.AssetID)
	assert.Error(t, err)
}

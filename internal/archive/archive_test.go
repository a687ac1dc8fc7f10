package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildArchive packs the given name->content map into a gzip(tar(zstd(member)))
// blob matching the ingestion archive format.
func buildArchive(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	for name, content := range members {
		compressed := enc.EncodeAll([]byte(content), nil)
		hdr := &tar.Header{
			Name: name + ".zst",
			Mode: 0640,
			Size: int64(len(compressed)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write(compressed)
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestUnpackRoundTrip(t *testing.T) {
	blob := buildArchive(t, map[string]string{
		"master.m3u8":   "#EXTM3U\n",
		"metadata.toml": "title = \"x\"\n",
	})

	dest := t.TempDir()
	require.NoError(t, Unpack(bytes.NewReader(blob), dest, Limits{MaxMemberBytes: 1 << 20, MaxArchiveBytes: 1 << 20}))

	data, err := os.ReadFile(filepath.Join(dest, "master.m3u8"))
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", string(data))
}

func TestUnpackRejectsTraversal(t *testing.T) {
	blob := buildArchive(t, map[string]string{
		"../evil.m3u8": "#EXTM3U\n",
	})

	dest := t.TempDir()
	err := Unpack(bytes.NewReader(blob), dest, Limits{MaxMemberBytes: 1 << 20, MaxArchiveBytes: 1 << 20})
	require.Error(t, err)
}

func TestUnpackRejectsOversizedMember(t *testing.T) {
	blob := buildArchive(t, map[string]string{
		"big.ts": string(bytes.Repeat([]byte{0x47}, 1000)),
	})

	dest := t.TempDir()
	err := Unpack(bytes.NewReader(blob), dest, Limits{MaxMemberBytes: 10, MaxArchiveBytes: 1 << 20})
	require.Error(t, err)
}

func TestFingerprintIsDeterministicAndOrderIndependent(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dirA, "a.m3u8"), []byte("1"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "b.m3u8"), []byte("2"), 0640))

	require.NoError(t, os.WriteFile(filepath.Join(dirB, "b.m3u8"), []byte("2"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "a.m3u8"), []byte("1"), 0640))

	fpA, err := Fingerprint(dirA)
	require.NoError(t, err)
	fpB, err := Fingerprint(dirB)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
}

func TestAssetIDChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.m3u8"), []byte("1"), 0640))
	id1, err := AssetID(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.m3u8"), []byte("2"), 0640))
	id2, err := AssetID(dir)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

package startup

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oinkognito/wavy/internal/kvstore"
	"github.com/oinkognito/wavy/internal/objectstore"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCleanupOrphanedStagingDirsRemovesOldOnly(t *testing.T) {
	base := t.TempDir()

	old := filepath.Join(base, StagingDirPrefix+"old")
	require.NoError(t, os.MkdirAll(old, 0750))
	oldTime := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, oldTime, oldTime))

	fresh := filepath.Join(base, StagingDirPrefix+"fresh")
	require.NoError(t, os.MkdirAll(fresh, 0750))

	other := filepath.Join(base, "not-staging")
	require.NoError(t, os.MkdirAll(other, 0750))

	removed, err := CleanupOrphanedStagingDirs(testLogger(), base, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = os.Stat(old)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
	_, err = os.Stat(other)
	require.NoError(t, err)
}

func TestCleanupOrphanedStagingDirsMissingBaseIsNoop(t *testing.T) {
	removed, err := CleanupOrphanedStagingDirs(testLogger(), filepath.Join(t.TempDir(), "nope"), time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}

func TestScrubOrphanedAssetsRemovesUnindexedDirectory(t *testing.T) {
	root := t.TempDir()
	store, err := objectstore.Open(root)
	require.NoError(t, err)
	index, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	defer index.Close()

	relStaging, absStaging, err := store.NewStaging("owner1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(absStaging, "f.txt"), []byte("x"), 0640))
	require.NoError(t, store.CommitAsset("owner1", "orphan-asset", relStaging))

	removed, missing, err := ScrubOrphanedAssets(testLogger(), store, index)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Empty(t, missing)

	exists, err := store.AssetExists("owner1", "orphan-asset")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestScrubOrphanedAssetsLeavesIndexedDirectoryAlone(t *testing.T) {
	root := t.TempDir()
	store, err := objectstore.Open(root)
	require.NoError(t, err)
	index, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	defer index.Close()

	relStaging, absStaging, err := store.NewStaging("owner1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(absStaging, "f.txt"), []byte("x"), 0640))
	require.NoError(t, store.CommitAsset("owner1", "kept-asset", relStaging))
	require.NoError(t, index.CommitAsset(kvstore.AssetMetadata{
		OwnerID: "owner1",
		AssetID: "kept-asset",
	}))

	removed, missing, err := ScrubOrphanedAssets(testLogger(), store, index)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
	require.Empty(t, missing)

	exists, err := store.AssetExists("owner1", "kept-asset")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestScrubOrphanedAssetsReportsMissingDirectory(t *testing.T) {
	root := t.TempDir()
	store, err := objectstore.Open(root)
	require.NoError(t, err)
	index, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	defer index.Close()

	require.NoError(t, index.CommitAsset(kvstore.AssetMetadata{
		OwnerID: "owner1",
		AssetID: "ghost-asset",
	}))

	removed, missing, err := ScrubOrphanedAssets(testLogger(), store, index)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
	require.Equal(t, []string{"owner1/ghost-asset"}, missing)
}

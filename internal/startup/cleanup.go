// Package startup provides the application startup scrub (C17): removal of
// stale staging directories left behind by a crashed ingestion, plus
// reconciliation between the object store's on-disk asset directories and
// the KV index's recorded entries.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oinkognito/wavy/internal/kvstore"
	"github.com/oinkognito/wavy/internal/objectstore"
)

// StagingDirPrefix is the prefix ingestion gives every staging directory
// (see objectstore.Store.NewStaging's stagingName).
const StagingDirPrefix = ".staging-"

// DefaultCleanupAge is the default maximum age for orphaned staging
// directories before they are considered abandoned.
const DefaultCleanupAge = 1 * time.Hour

// CleanupOrphanedStagingDirs walks baseDir (an owner's directory under the
// object store root) removing any ".staging-*" directory older than maxAge.
// A staging directory survives an ingestion only if the process crashed
// before CommitAsset renamed it away, so anything left behind is garbage.
func CleanupOrphanedStagingDirs(logger *slog.Logger, baseDir string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("base directory does not exist, skipping cleanup", "path", baseDir)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		logger.Error("failed to read directory for cleanup", "path", baseDir, "error", err)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), StagingDirPrefix) {
			continue
		}

		dirPath := filepath.Join(baseDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get directory info", "path", dirPath, "error", err)
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent staging directory",
				"path", dirPath,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned staging directory", "path", dirPath, "error", err)
			continue
		}

		logger.Info("removed orphaned staging directory",
			"path", dirPath,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}

// CleanupAllOwnerStagingDirs runs CleanupOrphanedStagingDirs across every
// owner directory under the object store root, using DefaultCleanupAge.
func CleanupAllOwnerStagingDirs(logger *slog.Logger, store *objectstore.Store) (int, error) {
	ownersRoot := filepath.Join(store.RootDir(), "owners")
	entries, err := os.ReadDir(ownersRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var total int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := CleanupOrphanedStagingDirs(logger, filepath.Join(ownersRoot, entry.Name()), DefaultCleanupAge)
		if err != nil {
			logger.Warn("skipping owner during staging cleanup", "owner", entry.Name(), "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

// ScrubOrphanedAssets reconciles the object store's committed asset
// directories against the KV index: any on-disk asset directory with no
// matching index entry is the result of a crash between CommitAsset (disk
// rename) and the KV transaction recording it, so it is removed. This never
// touches an index entry lacking a directory — that case is surfaced as an
// error instead, since it means the disk lost data the index still expects.
func ScrubOrphanedAssets(logger *slog.Logger, store *objectstore.Store, index *kvstore.Store) (removed int, missing []string, err error) {
	indexed, err := index.AllAssetOwnerPairs()
	if err != nil {
		return 0, nil, err
	}

	ownersRoot := filepath.Join(store.RootDir(), "owners")
	ownerEntries, err := os.ReadDir(ownersRoot)
	if os.IsNotExist(err) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}

	for _, ownerEntry := range ownerEntries {
		if !ownerEntry.IsDir() {
			continue
		}
		ownerID := ownerEntry.Name()

		assetEntries, err := os.ReadDir(filepath.Join(ownersRoot, ownerID))
		if err != nil {
			logger.Warn("skipping owner during asset scrub", "owner", ownerID, "error", err)
			continue
		}

		for _, assetEntry := range assetEntries {
			name := assetEntry.Name()
			if !assetEntry.IsDir() || strings.HasPrefix(name, StagingDirPrefix) {
				continue
			}

			if indexed[ownerID][name] {
				continue
			}

			dirPath := filepath.Join(ownersRoot, ownerID, name)
			if rmErr := os.RemoveAll(dirPath); rmErr != nil {
				logger.Warn("failed to remove orphaned asset directory", "path", dirPath, "error", rmErr)
				continue
			}
			logger.Info("removed orphaned asset directory with no index entry",
				"owner", ownerID, "asset", name,
			)
			removed++
		}
	}

	for ownerID, assets := range indexed {
		for assetID := range assets {
			if exists, _ := store.AssetExists(ownerID, assetID); !exists {
				missing = append(missing, ownerID+"/"+assetID)
			}
		}
	}
	if len(missing) > 0 {
		logger.Error("kv index references asset directories missing from disk", "count", len(missing))
	}

	return removed, missing, nil
}

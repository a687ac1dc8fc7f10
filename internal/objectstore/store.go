package objectstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the on-disk layout described in the object store design:
//
//	<root>/owners/<owner_id>/<asset_id>/...
//	<root>/keys/<asset_id>.key
//	<root>/db/                -- KV index data, owned by the kvstore package
//
// Store wraps two sandboxes (owners, keys) so that every path a caller
// supplies is resolved relative to a safe root before it ever reaches the
// filesystem.
type Store struct {
	owners *Sandbox
	keys   *Sandbox
	root   string
}

// Open creates (if needed) and returns a Store rooted at rootDir.
func Open(rootDir string) (*Store, error) {
	owners, err := NewSandbox(filepath.Join(rootDir, "owners"))
	if err != nil {
		return nil, fmt.Errorf("opening owners sandbox: %w", err)
	}
	keys, err := NewSandbox(filepath.Join(rootDir, "keys"))
	if err != nil {
		return nil, fmt.Errorf("opening keys sandbox: %w", err)
	}
	return &Store{owners: owners, keys: keys, root: rootDir}, nil
}

// RootDir returns the storage root directory.
func (s *Store) RootDir() string {
	return s.root
}

// stagingName generates a unique ".staging-<random>" directory name.
func stagingName() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf(".staging-%d", os.Getpid())
	}
	return ".staging-" + hex.EncodeToString(b)
}

// NewStaging creates a fresh staging directory under owners/<owner_id>/ and
// returns its path relative to the owners sandbox and its absolute path.
func (s *Store) NewStaging(ownerID string) (relPath, absPath string, err error) {
	relPath = filepath.Join(ownerID, stagingName())
	if err := s.owners.MkdirAll(relPath); err != nil {
		return "", "", fmt.Errorf("creating staging directory: %w", err)
	}
	absPath, err = s.owners.ResolvePath(relPath)
	if err != nil {
		return "", "", err
	}
	return relPath, absPath, nil
}

// DiscardStaging removes a staging directory, e.g. after a failed ingestion.
func (s *Store) DiscardStaging(stagingRelPath string) error {
	return s.owners.RemoveAll(stagingRelPath)
}

// CommitAsset atomically publishes a staging directory as the asset's final
// directory via rename. This is the only step that makes the asset visible
// on disk; the KV transaction recording the asset happens strictly after
// this call returns successfully (see the ingestion pipeline).
func (s *Store) CommitAsset(ownerID, assetID, stagingRelPath string) error {
	finalRel := s.AssetDir(ownerID, assetID)
	if err := s.owners.Rename(stagingRelPath, finalRel); err != nil {
		return fmt.Errorf("committing asset directory: %w", err)
	}
	return nil
}

// AssetDir returns the asset's directory path relative to the owners sandbox.
func (s *Store) AssetDir(ownerID, assetID string) string {
	return filepath.Join(ownerID, assetID)
}

// AssetExists reports whether the committed asset directory is present.
func (s *Store) AssetExists(ownerID, assetID string) (bool, error) {
	return s.owners.Exists(s.AssetDir(ownerID, assetID))
}

// DeleteAsset removes the asset's entire directory tree. The caller is
// responsible for removing the corresponding KV index entry in the same
// logical transaction; if the process crashes between these two steps, the
// startup scrub detects and repairs the inconsistency.
func (s *Store) DeleteAsset(ownerID, assetID string) error {
	return s.owners.RemoveAll(s.AssetDir(ownerID, assetID))
}

// ResolveAssetFile resolves a path within a committed asset directory,
// confining it to that directory. subPath must not escape the asset root;
// ResolvePath's traversal checks enforce this.
func (s *Store) ResolveAssetFile(ownerID, assetID, subPath string) (string, error) {
	if strings.Contains(subPath, "\x00") {
		return "", fmt.Errorf("path contains NUL byte")
	}
	rel := filepath.Join(s.AssetDir(ownerID, assetID), subPath)
	return s.owners.ResolvePath(rel)
}

// WriteAssetFile writes a file within the staging directory (used while
// unpacking an archive into the staging tree before commit).
func (s *Store) WriteAssetFile(stagingRelPath, subPath string, data []byte) error {
	return s.owners.WriteFile(filepath.Join(stagingRelPath, subPath), data)
}

// WriteKeyFile writes the redundant keys/<asset_id>.key file containing the
// canonical SHA-256 hex digest, via temp-file-then-rename for atomicity.
// The digest is supplied by the caller (the ingestion pipeline passes the
// asset id, the SHA-256 of the archive fingerprint) and is published
// without ever leaving a partially-written key file visible.
func (s *Store) WriteKeyFile(assetID, sha256Hex string) error {
	return s.keys.AtomicWrite(assetID+".key", []byte(sha256Hex))
}

// ReadKeyFile reads back a previously written key file, used by verification
// tooling and tests.
func (s *Store) ReadKeyFile(assetID string) (string, error) {
	data, err := s.keys.ReadFile(assetID + ".key")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DeleteKeyFile removes the redundant key file for an asset.
func (s *Store) DeleteKeyFile(assetID string) error {
	return s.keys.Remove(assetID + ".key")
}

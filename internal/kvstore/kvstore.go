// Package kvstore provides the transactional key-value index (C5) backing
// wavy's owner/asset metadata. It wraps go.etcd.io/bbolt, a memory-mapped
// B+tree store with serializable transactions and multi-reader concurrency:
// exactly the contract the index design calls for.
//
// Keys are grouped into four buckets mirroring the lexicographic prefixes
// of the original design (O|, A|, M|, G|). bbolt gives prefix iteration for
// free via Cursor.Seek within a bucket, so each prefix becomes its own
// bucket rather than a shared flat keyspace.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names, one per key prefix in the design.
var (
	bucketOwners       = []byte("owners")
	bucketAssets       = []byte("assets")
	bucketOwnerMetrics = []byte("owner_metrics")
	bucketGlobal       = []byte("global")
)

// globalMetricsKey is the sole key within bucketGlobal.
var globalMetricsKey = []byte("metrics")

// ErrNotFound is returned when a requested owner, asset, or metrics record
// does not exist.
var ErrNotFound = errors.New("kvstore: not found")

// Store wraps a bbolt database handle.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database file at
// <dbDir>/wavy.db and ensures all buckets exist.
func Open(dbDir string) (*Store, error) {
	path := filepath.Join(dbDir, "wavy.db")
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening kv store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketOwners, bucketAssets, bucketOwnerMetrics, bucketGlobal} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// OwnerRecord is stored under the owners bucket, keyed by owner id.
type OwnerRecord struct {
	CreatedUnix int64 `json:"created_unix"`
	AssetCount  int   `json:"asset_count"`
}

// OwnerMetrics is stored under the owner_metrics bucket, keyed by owner id.
type OwnerMetrics struct {
	Uploads      int64 `json:"uploads"`
	Downloads    int64 `json:"downloads"`
	Deletes      int64 `json:"deletes"`
	SongsCount   int64 `json:"songs_count"`
	StorageBytes int64 `json:"storage_bytes"`
}

// AssetVariant describes one bitrate rendition of an asset.
type AssetVariant struct {
	Bitrate            int      `json:"bitrate"`
	Codec              string   `json:"codec"`
	MediaPlaylistPath  string   `json:"media_playlist_path"`
	SegmentCount       int      `json:"segment_count"`
	TotalBytes         int64    `json:"total_bytes"`
	SegmentHashes      []string `json:"segment_hashes,omitempty"`
}

// AssetMetadata is stored under the assets bucket, keyed by "<owner>|<asset>".
type AssetMetadata struct {
	OwnerID         string         `json:"owner_id"`
	AssetID         string         `json:"asset_id"`
	Title           string         `json:"title"`
	Artist          string         `json:"artist"`
	DurationSeconds float64        `json:"duration_seconds"`
	Variants        []AssetVariant `json:"variants"`
	CreatedUnix     int64          `json:"created_unix"`
	ByteSizeTotal   int64          `json:"byte_size_total"`
	SHA256          string         `json:"sha256"`
}

// assetKey builds the composite "<owner>|<asset>" key used in the assets bucket.
func assetKey(ownerID, assetID string) []byte {
	return []byte(ownerID + "|" + assetID)
}

// GetOwner returns the owner record, or ErrNotFound.
func (s *Store) GetOwner(ownerID string) (OwnerRecord, error) {
	var rec OwnerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOwners).Get([]byte(ownerID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// ListOwners returns all owner ids in lexicographic order.
func (s *Store) ListOwners() ([]string, error) {
	var owners []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOwners).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			owners = append(owners, string(k))
		}
		return nil
	})
	return owners, err
}

// ListAssetsForOwner returns all asset ids belonging to ownerID, via a
// bucket-prefix range scan over the assets bucket.
func (s *Store) ListAssetsForOwner(ownerID string) ([]string, error) {
	prefix := []byte(ownerID + "|")
	var assets []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAssets).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			assets = append(assets, string(k[len(prefix):]))
		}
		return nil
	})
	return assets, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// GetAsset returns the asset's metadata, or ErrNotFound.
func (s *Store) GetAsset(ownerID, assetID string) (AssetMetadata, error) {
	var meta AssetMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAssets).Get(assetKey(ownerID, assetID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &meta)
	})
	return meta, err
}

// GetOwnerMetrics returns an owner's per-owner counters. Absence is not an
// error; a zero-value OwnerMetrics is returned for owners with no activity.
func (s *Store) GetOwnerMetrics(ownerID string) (OwnerMetrics, error) {
	var m OwnerMetrics
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOwnerMetrics).Get([]byte(ownerID))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &m)
	})
	return m, err
}

// GlobalMetrics is the JSON shape of the server-wide counters for the
// `global` bucket. Open creates that bucket, but nothing in this package
// writes or reads a GlobalMetrics value there; the live counters in the
// metrics registry are not persisted and start from zero on each run.
type GlobalMetrics struct {
	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`
	BytesIn            int64 `json:"bytes_in"`
	BytesOut           int64 `json:"bytes_out"`
}

// CommitAsset records a newly-ingested, already-committed-to-disk asset in
// a single bbolt write transaction: puts the asset metadata, upserts the
// owner record (creating it and incrementing asset_count), and upserts
// owner metrics (storage_bytes, songs_count, uploads). This is step 7 of
// the ingestion pipeline and must run strictly after the on-disk rename.
func (s *Store) CommitAsset(meta AssetMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		assets := tx.Bucket(bucketAssets)
		key := assetKey(meta.OwnerID, meta.AssetID)
		if assets.Get(key) != nil {
			return fmt.Errorf("kvstore: asset already committed")
		}

		encoded, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := assets.Put(key, encoded); err != nil {
			return err
		}

		owners := tx.Bucket(bucketOwners)
		var owner OwnerRecord
		if v := owners.Get([]byte(meta.OwnerID)); v != nil {
			if err := json.Unmarshal(v, &owner); err != nil {
				return err
			}
		} else {
			owner.CreatedUnix = meta.CreatedUnix
		}
		owner.AssetCount++
		ownerEncoded, err := json.Marshal(owner)
		if err != nil {
			return err
		}
		if err := owners.Put([]byte(meta.OwnerID), ownerEncoded); err != nil {
			return err
		}

		metrics := tx.Bucket(bucketOwnerMetrics)
		var om OwnerMetrics
		if v := metrics.Get([]byte(meta.OwnerID)); v != nil {
			if err := json.Unmarshal(v, &om); err != nil {
				return err
			}
		}
		om.Uploads++
		om.SongsCount++
		om.StorageBytes += meta.ByteSizeTotal
		omEncoded, err := json.Marshal(om)
		if err != nil {
			return err
		}
		return metrics.Put([]byte(meta.OwnerID), omEncoded)
	})
}

// DeleteAsset removes an asset's metadata entry and decrements the owning
// owner's counters in a single transaction. The caller must have already
// removed the on-disk directory (or be prepared for the scrub to do so on
// the next startup if a crash occurs between the two removals).
func (s *Store) DeleteAsset(ownerID, assetID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		assets := tx.Bucket(bucketAssets)
		key := assetKey(ownerID, assetID)
		v := assets.Get(key)
		if v == nil {
			return ErrNotFound
		}
		var meta AssetMetadata
		if err := json.Unmarshal(v, &meta); err != nil {
			return err
		}
		if err := assets.Delete(key); err != nil {
			return err
		}

		owners := tx.Bucket(bucketOwners)
		if ov := owners.Get([]byte(ownerID)); ov != nil {
			var owner OwnerRecord
			if err := json.Unmarshal(ov, &owner); err == nil {
				if owner.AssetCount > 0 {
					owner.AssetCount--
				}
				if encoded, err := json.Marshal(owner); err == nil {
					_ = owners.Put([]byte(ownerID), encoded)
				}
			}
		}

		metrics := tx.Bucket(bucketOwnerMetrics)
		if mv := metrics.Get([]byte(ownerID)); mv != nil {
			var om OwnerMetrics
			if err := json.Unmarshal(mv, &om); err == nil {
				om.Deletes++
				if om.SongsCount > 0 {
					om.SongsCount--
				}
				om.StorageBytes -= meta.ByteSizeTotal
				if om.StorageBytes < 0 {
					om.StorageBytes = 0
				}
				if encoded, err := json.Marshal(om); err == nil {
					_ = metrics.Put([]byte(ownerID), encoded)
				}
			}
		}

		return nil
	})
}

// IncrementDownloads records a download against an owner's metrics.
func (s *Store) IncrementDownloads(ownerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		metrics := tx.Bucket(bucketOwnerMetrics)
		var om OwnerMetrics
		if v := metrics.Get([]byte(ownerID)); v != nil {
			if err := json.Unmarshal(v, &om); err != nil {
				return err
			}
		}
		om.Downloads++
		encoded, err := json.Marshal(om)
		if err != nil {
			return err
		}
		return metrics.Put([]byte(ownerID), encoded)
	})
}

// AllAssetOwnerPairs returns every (owner_id, asset_id) pair currently
// indexed, used by the startup scrub to detect on-disk orphans and by
// consistency checks in tests.
func (s *Store) AllAssetOwnerPairs() (map[string]map[string]bool, error) {
	result := make(map[string]map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAssets).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			parts := splitOnce(string(k), '|')
			if parts == nil {
				continue
			}
			owner, asset := parts[0], parts[1]
			if result[owner] == nil {
				result[owner] = make(map[string]bool)
			}
			result[owner][asset] = true
		}
		return nil
	})
	return result, err
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return nil
}

// Package ingest orchestrates the upload pipeline (C7): unpack, validate,
// parse, hash, commit-to-disk, commit-to-index, write the redundant key
// file. Steps run strictly sequentially — ingestion order is load-bearing,
// so this is a plain ordered function, not a concurrent stage graph.
package ingest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oinkognito/wavy/internal/archive"
	"github.com/oinkognito/wavy/internal/kvstore"
	"github.com/oinkognito/wavy/internal/objectstore"
	"github.com/oinkognito/wavy/internal/playlist"
	"github.com/oinkognito/wavy/internal/validator"
	"github.com/oinkognito/wavy/internal/wavyerr"
)

// Limits bounds archive unpacking, passed through to the archive codec.
type Limits = archive.Limits

// Pipeline wires the object store and KV index together to service uploads.
type Pipeline struct {
	store   *objectstore.Store
	index   *kvstore.Store
	limits  Limits
}

// New constructs a Pipeline.
func New(store *objectstore.Store, index *kvstore.Store, limits Limits) *Pipeline {
	return &Pipeline{store: store, index: index, limits: limits}
}

// Result is the outcome of a successful (including idempotent-duplicate) upload.
type Result struct {
	OwnerID   string
	AssetID   string
	Duplicate bool
}

// Upload implements the full upload(owner_id, archive_bytes) procedure.
func (p *Pipeline) Upload(ownerID string, archiveData []byte) (Result, error) {
	if err := ValidateOwnerID(ownerID); err != nil {
		return Result{}, err
	}

	stagingRel, stagingAbs, err := p.store.NewStaging(ownerID)
	if err != nil {
		return Result{}, wavyerr.Wrap(wavyerr.CodeIoError, "creating staging directory", err)
	}
	// Best-effort cleanup; on success this becomes a no-op since the
	// directory has already been renamed away.
	defer p.store.DiscardStaging(stagingRel)

	if err := archive.Unpack(bytes.NewReader(archiveData), stagingAbs, p.limits); err != nil {
		return Result{}, err
	}

	masterPath, err := findMaster(stagingAbs)
	if err != nil {
		return Result{}, err
	}

	var members []string
	err = walkFiles(stagingAbs, func(rel string) { members = append(members, rel) })
	if err != nil {
		return Result{}, wavyerr.Wrap(wavyerr.CodeIoError, "walking unpacked archive", err)
	}

	var meta *validator.Metadata
	for _, rel := range members {
		m, verr := validator.ValidateFile(filepath.Join(stagingAbs, rel))
		if verr != nil {
			return Result{}, verr
		}
		if m != nil {
			meta = m
		}
	}
	if meta == nil {
		return Result{}, wavyerr.New(wavyerr.CodeMalformedToml, "archive missing metadata.toml")
	}

	masterFile, err := os.Open(masterPath)
	if err != nil {
		return Result{}, wavyerr.Wrap(wavyerr.CodeIoError, "opening master playlist", err)
	}
	ast, err := playlist.ParseMaster(masterFile)
	masterFile.Close()
	if err != nil {
		return Result{}, err
	}

	variants, totalBytes, err := resolveVariants(stagingAbs, ast)
	if err != nil {
		return Result{}, err
	}

	assetID, err := archive.AssetID(stagingAbs)
	if err != nil {
		return Result{}, err
	}

	if exists, err := p.store.AssetExists(ownerID, assetID); err != nil {
		return Result{}, wavyerr.Wrap(wavyerr.CodeIoError, "checking existing asset", err)
	} else if exists {
		return Result{OwnerID: ownerID, AssetID: assetID, Duplicate: true}, nil
	}
	if _, err := p.index.GetAsset(ownerID, assetID); err == nil {
		return Result{OwnerID: ownerID, AssetID: assetID, Duplicate: true}, nil
	}

	if err := p.store.CommitAsset(ownerID, assetID, stagingRel); err != nil {
		return Result{}, wavyerr.Wrap(wavyerr.CodeIoError, "committing asset directory", err)
	}

	meta2 := kvstore.AssetMetadata{
		OwnerID:         ownerID,
		AssetID:         assetID,
		Title:           meta.Title,
		Artist:          meta.Artist,
		DurationSeconds: meta.DurationSeconds,
		Variants:        variants,
		CreatedUnix:     time.Now().Unix(),
		ByteSizeTotal:   totalBytes,
		SHA256:          assetID,
	}

	if err := p.index.CommitAsset(meta2); err != nil {
		// The directory is already committed to disk; a crash or failure
		// here leaves an orphan for the startup scrub to clean up.
		return Result{}, wavyerr.Wrap(wavyerr.CodeDbError, "committing asset index entry", err)
	}

	if err := p.store.WriteKeyFile(assetID, assetID); err != nil {
		return Result{}, wavyerr.Wrap(wavyerr.CodeIoError, "writing key file", err)
	}

	return Result{OwnerID: ownerID, AssetID: assetID}, nil
}

// Delete removes an asset's directory then its index entry, per the object
// store's atomic-delete contract.
func (p *Pipeline) Delete(ownerID, assetID string) error {
	if _, err := p.index.GetAsset(ownerID, assetID); err != nil {
		return wavyerr.Wrap(wavyerr.CodeNotFound, "asset not found", err)
	}
	if err := p.store.DeleteAsset(ownerID, assetID); err != nil {
		return wavyerr.Wrap(wavyerr.CodeIoError, "deleting asset directory", err)
	}
	if err := p.index.DeleteAsset(ownerID, assetID); err != nil {
		return wavyerr.Wrap(wavyerr.CodeDbError, "deleting asset index entry", err)
	}
	_ = p.store.DeleteKeyFile(assetID)
	return nil
}

// ValidateOwnerID enforces the owner id shape: 1-64 bytes, no '/' or NUL.
func ValidateOwnerID(ownerID string) error {
	if len(ownerID) == 0 || len(ownerID) > 64 {
		return wavyerr.New(wavyerr.CodeOwnerIDInvalid, "owner id must be 1-64 bytes")
	}
	if strings.ContainsAny(ownerID, "/\x00") {
		return wavyerr.New(wavyerr.CodeOwnerIDInvalid, "owner id must not contain '/' or NUL")
	}
	return nil
}

func findMaster(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", wavyerr.Wrap(wavyerr.CodeIoError, "reading staging directory", err)
	}
	for _, e := range entries {
		if e.Name() == "master.m3u8" {
			return filepath.Join(dir, "master.m3u8"), nil
		}
	}
	return "", wavyerr.New(wavyerr.CodeInvalidArchive, "archive missing top-level master.m3u8")
}

func walkFiles(root string, fn func(rel string)) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fn(rel)
		return nil
	})
}

// resolveVariants cross-checks every variant URI in ast against the
// unpacked tree, ensuring the referenced media playlist and its segments
// exist, are confined to the asset root, and that segment counts match.
func resolveVariants(dir string, ast *playlist.MasterPlaylistAST) ([]kvstore.AssetVariant, int64, error) {
	var variants []kvstore.AssetVariant
	var totalBytes int64

	for _, v := range ast.Variants {
		if strings.Contains(v.URI, "..") || filepath.IsAbs(v.URI) {
			return nil, 0, wavyerr.New(wavyerr.CodePathInvalid, "variant media playlist path escapes asset root")
		}
		mediaPath := filepath.Join(dir, v.URI)
		mf, err := os.Open(mediaPath)
		if err != nil {
			return nil, 0, wavyerr.Wrap(wavyerr.CodeInvalidArchive, "opening referenced media playlist", err)
		}
		mp, err := playlist.ParseMedia(mf)
		mf.Close()
		if err != nil {
			return nil, 0, err
		}

		var variantBytes int64
		for _, seg := range mp.Segments {
			if strings.Contains(seg.URI, "..") || filepath.IsAbs(seg.URI) {
				return nil, 0, wavyerr.New(wavyerr.CodePathInvalid, "segment path escapes asset root")
			}
			segPath := filepath.Join(filepath.Dir(mediaPath), seg.URI)
			info, err := os.Stat(segPath)
			if err != nil {
				return nil, 0, wavyerr.Wrap(wavyerr.CodeInvalidArchive, "referenced segment missing: "+seg.URI, err)
			}
			variantBytes += info.Size()
		}

		variants = append(variants, kvstore.AssetVariant{
			Bitrate:           v.Bitrate,
			Codec:             v.Codecs,
			MediaPlaylistPath: v.URI,
			SegmentCount:      len(mp.Segments),
			TotalBytes:        variantBytes,
		})
		totalBytes += variantBytes
	}

	if len(variants) == 0 {
		return nil, 0, wavyerr.New(wavyerr.CodeInvalidArchive, "master playlist has no resolvable variants")
	}

	return variants, totalBytes, nil
}

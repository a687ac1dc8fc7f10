// Package archive implements the ingestion archive codec (C1): a
// gzip-compressed tar whose members are themselves zstd-compressed
// playlists and segments. The outer container uses the standard library
// (archive/tar + compress/gzip); per-member decompression uses
// github.com/klauspost/compress/zstd, the zstd implementation the example
// pack reaches for everywhere content is zstd-framed.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/oinkognito/wavy/internal/wavyerr"
)

// Limits bounds how much an unpack call is willing to write, guarding
// against decompression-bomb archives.
type Limits struct {
	MaxMemberBytes  int64
	MaxArchiveBytes int64
}

// zstdSuffix is stripped from member names to recover their original name.
const zstdSuffix = ".zst"

// Unpack streams a gzip-compressed tar from r into destDir, zstd-decompressing
// each member (stripping the ".zst" suffix from its name). It rejects any
// member whose decompressed size exceeds limits.MaxMemberBytes, any archive
// whose cumulative decompressed size exceeds limits.MaxArchiveBytes, and any
// member path that escapes destDir (leading ".." component or absolute path).
func Unpack(r io.Reader, destDir string, limits Limits) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return wavyerr.Wrap(wavyerr.CodeInvalidArchive, "opening gzip stream", err)
	}
	defer gz.Close()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return wavyerr.Wrap(wavyerr.CodeInvalidArchive, "initializing zstd decoder", err)
	}
	defer dec.Close()

	tr := tar.NewReader(gz)
	var totalWritten int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return wavyerr.Wrap(wavyerr.CodeInvalidArchive, "reading tar header", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name, err := sanitizeMemberName(hdr.Name)
		if err != nil {
			return err
		}

		originalName := strings.TrimSuffix(name, zstdSuffix)
		targetPath := filepath.Join(destDir, originalName)
		if err := ensureWithin(destDir, targetPath); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0750); err != nil {
			return wavyerr.Wrap(wavyerr.CodeIoError, "creating member directory", err)
		}

		out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
		if err != nil {
			return wavyerr.Wrap(wavyerr.CodeIoError, "creating member file", err)
		}

		var written int64
		if strings.HasSuffix(name, zstdSuffix) {
			dec.Reset(tr)
			written, err = copyWithLimit(out, dec, limits.MaxMemberBytes)
		} else {
			written, err = copyWithLimit(out, tr, limits.MaxMemberBytes)
		}
		closeErr := out.Close()
		if err != nil {
			os.Remove(targetPath)
			return err
		}
		if closeErr != nil {
			os.Remove(targetPath)
			return wavyerr.Wrap(wavyerr.CodeIoError, "closing member file", closeErr)
		}

		totalWritten += written
		if limits.MaxArchiveBytes > 0 && totalWritten > limits.MaxArchiveBytes {
			return wavyerr.New(wavyerr.CodeInvalidArchive, "archive exceeds total size limit")
		}
	}

	return nil
}

// copyWithLimit copies from src to dst, failing with InvalidArchive if more
// than limit bytes would be written (0 means unlimited).
func copyWithLimit(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	if limit <= 0 {
		n, err := io.Copy(dst, src)
		if err != nil {
			return n, wavyerr.Wrap(wavyerr.CodeInvalidArchive, "decompressing member", err)
		}
		return n, nil
	}

	limited := io.LimitReader(src, limit+1)
	n, err := io.Copy(dst, limited)
	if err != nil {
		return n, wavyerr.Wrap(wavyerr.CodeInvalidArchive, "decompressing member", err)
	}
	if n > limit {
		return n, wavyerr.New(wavyerr.CodeInvalidArchive, "archive member exceeds size limit")
	}
	return n, nil
}

// sanitizeMemberName rejects absolute paths and paths containing a ".."
// component, per the archive traversal safety design note.
func sanitizeMemberName(name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) {
		return "", wavyerr.New(wavyerr.CodeInvalidArchive, "member path is absolute: "+name)
	}
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return "", wavyerr.New(wavyerr.CodeInvalidArchive, "member path escapes archive root: "+name)
		}
	}
	return clean, nil
}

// ensureWithin double-checks that targetPath, once resolved, is still a
// descendant of destDir. sanitizeMemberName already rejects ".." segments,
// this is a belt-and-suspenders check on the joined, cleaned path.
func ensureWithin(destDir, targetPath string) error {
	destAbs, err := filepath.Abs(destDir)
	if err != nil {
		return wavyerr.Wrap(wavyerr.CodeIoError, "resolving destination", err)
	}
	targetAbs, err := filepath.Abs(targetPath)
	if err != nil {
		return wavyerr.Wrap(wavyerr.CodeIoError, "resolving member path", err)
	}
	if targetAbs != destAbs && !strings.HasPrefix(targetAbs, destAbs+string(filepath.Separator)) {
		return wavyerr.New(wavyerr.CodeInvalidArchive, "member path escapes archive root")
	}
	return nil
}

// Fingerprint computes the canonical SHA-256 digest of a directory tree:
// members are visited in sorted path order, each contributing
// len(name) || name || len(content) || content to the running hash. This is
// the archive_fingerprint the content hasher (C4) uses to derive AssetId.
func Fingerprint(dir string) ([]byte, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, wavyerr.Wrap(wavyerr.CodeIoError, "walking unpacked archive", err)
	}
	sort.Strings(paths)

	h := sha256.New()
	var lenBuf [8]byte
	for _, rel := range paths {
		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, wavyerr.Wrap(wavyerr.CodeIoError, "reading member for fingerprint", err)
		}

		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(rel)))
		h.Write(lenBuf[:])
		h.Write([]byte(rel))

		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(content)))
		h.Write(lenBuf[:])
		h.Write(content)
	}

	return h.Sum(nil), nil
}

// AssetID returns the hex-encoded SHA-256 digest over archive_fingerprint(dir),
// i.e. the content hasher (C4)'s output.
func AssetID(dir string) (string, error) {
	fp, err := Fingerprint(dir)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(fp)
	return fmt.Sprintf("%x", sum), nil
}

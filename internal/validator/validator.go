// Package validator implements the per-file syntactic checks (C3) applied
// to every member of an unpacked ingestion archive. TOML sidecar parsing
// uses github.com/pelletier/go-toml/v2 — already pulled in indirectly via
// viper's own config-file support, promoted here to a direct dependency for
// the dispatcher's metadata.toml contract.
package validator

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oinkognito/wavy/internal/playlist"
	"github.com/oinkognito/wavy/internal/wavyerr"
	"github.com/pelletier/go-toml/v2"
)

// tsPacketSize is the fixed MPEG transport-stream packet size.
const tsPacketSize = 188

// tsSyncByte is the required first byte of every transport-stream packet.
const tsSyncByte = 0x47

// fmp4BoxTypes are the ISO-BMFF box types accepted as the first box of an
// .m4s fragment.
var fmp4BoxTypes = map[string]bool{
	"styp": true, "sidx": true, "moof": true, "mdat": true, "moov": true,
}

// Metadata is the parsed form of the dispatcher's metadata.toml sidecar.
type Metadata struct {
	Title           string  `toml:"title"`
	Artist          string  `toml:"artist"`
	DurationSeconds float64 `toml:"duration_seconds"`
}

// ValidateFile validates one unpacked archive member by its extension. It
// returns the parsed TOML metadata when path is the metadata.toml sidecar,
// and nil otherwise.
func ValidateFile(path string) (*Metadata, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".m3u8":
		return nil, validateM3U8(path)
	case ".ts":
		return nil, validateTS(path)
	case ".m4s":
		return nil, validateM4S(path)
	case ".toml":
		return validateTOML(path)
	case ".mp3", ".flac":
		return nil, nil
	default:
		return nil, wavyerr.New(wavyerr.CodeInvalidArchive, "unexpected file extension: "+ext)
	}
}

func validateM3U8(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return wavyerr.Wrap(wavyerr.CodeIoError, "reading playlist", err)
	}
	firstLine, _, _ := bytes.Cut(data, []byte("\n"))
	if strings.TrimSpace(string(firstLine)) != "#EXTM3U" {
		return wavyerr.New(wavyerr.CodeMalformedPlaylist, "playlist missing #EXTM3U header: "+path)
	}

	// Dispatch to the correct grammar: a master playlist carries
	// EXT-X-STREAM-INF, a media playlist carries EXT-X-ENDLIST.
	if bytes.Contains(data, []byte("#EXT-X-STREAM-INF:")) {
		_, err = playlist.ParseMaster(bytes.NewReader(data))
	} else {
		_, err = playlist.ParseMedia(bytes.NewReader(data))
	}
	return err
}

func validateTS(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return wavyerr.Wrap(wavyerr.CodeIoError, "reading segment", err)
	}
	if len(data) == 0 {
		return wavyerr.New(wavyerr.CodeMalformedSegment, "empty .ts segment: "+path)
	}
	if len(data)%tsPacketSize != 0 {
		return wavyerr.New(wavyerr.CodeMalformedSegment, "ts segment length not a multiple of 188: "+path)
	}
	for i := 0; i < len(data); i += tsPacketSize {
		if data[i] != tsSyncByte {
			return wavyerr.New(wavyerr.CodeMalformedSegment, "ts packet missing sync byte: "+path)
		}
	}
	return nil
}

func validateM4S(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return wavyerr.Wrap(wavyerr.CodeIoError, "reading segment", err)
	}
	if len(data) == 0 {
		return wavyerr.New(wavyerr.CodeMalformedSegment, "empty .m4s segment: "+path)
	}
	if len(data) < 8 {
		return wavyerr.New(wavyerr.CodeMalformedSegment, "m4s segment too short for a box header: "+path)
	}
	size := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	boxType := string(data[4:8])
	if size < 8 {
		return wavyerr.New(wavyerr.CodeMalformedSegment, "m4s box size < 8: "+path)
	}
	if !fmp4BoxTypes[boxType] {
		return wavyerr.New(wavyerr.CodeMalformedSegment, fmt.Sprintf("m4s unknown box type %q: %s", boxType, path))
	}
	return nil
}

func validateTOML(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wavyerr.Wrap(wavyerr.CodeIoError, "reading metadata.toml", err)
	}
	var meta Metadata
	if err := toml.Unmarshal(data, &meta); err != nil {
		return nil, wavyerr.Wrap(wavyerr.CodeMalformedToml, "parsing metadata.toml", err)
	}
	if meta.Title == "" || meta.Artist == "" {
		return nil, wavyerr.New(wavyerr.CodeMalformedToml, "metadata.toml missing title or artist")
	}
	return &meta, nil
}

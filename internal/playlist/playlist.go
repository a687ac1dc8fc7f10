// Package playlist parses HLSv3 VOD playlists into an in-memory AST (C2).
// The scanner/regex approach mirrors the teacher's line-oriented M3U
// parser (bufio.Scanner plus regex attribute extraction), generalized from
// IPTV channel lists to HLS master/media playlist tags, and cross-checked
// for tag semantics against a complete HLS reader/writer library in the
// wider example pack.
package playlist

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/oinkognito/wavy/internal/wavyerr"
)

// Variant is one bitrate rendition listed in a master playlist.
type Variant struct {
	Bitrate    int
	URI        string
	Resolution string
	Codecs     string
}

// Segment is one media-playlist entry.
type Segment struct {
	Duration float64
	URI      string
}

// MediaPlaylist is one variant's segment list.
type MediaPlaylist struct {
	MapURI   string
	Segments []Segment
}

// MasterPlaylistAST is the parsed form of a master playlist plus whichever
// of its referenced media playlists have also been parsed.
type MasterPlaylistAST struct {
	Variants       []Variant
	MediaPlaylists map[int]*MediaPlaylist // keyed by bitrate
}

var attrPattern = regexp.MustCompile(`([A-Z0-9-]+)=("([^"]*)"|[^,]*)`)

// parseAttrs extracts KEY=VALUE / KEY="VALUE" pairs from a tag's attribute list.
func parseAttrs(s string) map[string]string {
	out := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(s, -1) {
		key := m[1]
		val := m[3]
		if val == "" && m[2] != "" && !strings.HasPrefix(m[2], `"`) {
			val = m[2]
		}
		out[key] = val
	}
	return out
}

// ParseMaster parses a master playlist: a sequence of
// #EXT-X-STREAM-INF followed by a URI line, repeated per variant.
func ParseMaster(r io.Reader) (*MasterPlaylistAST, error) {
	scanner := bufio.NewScanner(r)
	ast := &MasterPlaylistAST{MediaPlaylists: make(map[int]*MediaPlaylist)}

	var pendingBandwidth int
	var pendingResolution, pendingCodecs string
	havePending := false
	sawExtM3U := false
	sawMediaOnlyTag := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "#EXTM3U":
			sawExtM3U = true

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			bwStr, ok := attrs["BANDWIDTH"]
			if !ok {
				bwStr, ok = attrs["AVERAGE-BANDWIDTH"]
			}
			if !ok {
				return nil, wavyerr.New(wavyerr.CodeMalformedPlaylist, "EXT-X-STREAM-INF missing BANDWIDTH")
			}
			bw, err := strconv.Atoi(bwStr)
			if err != nil {
				return nil, wavyerr.Wrap(wavyerr.CodeMalformedPlaylist, "invalid BANDWIDTH value", err)
			}
			pendingBandwidth = bw
			pendingResolution = attrs["RESOLUTION"]
			pendingCodecs = attrs["CODECS"]
			havePending = true

		case strings.HasPrefix(line, "#EXTINF:"), strings.HasPrefix(line, "#EXT-X-MAP:"), line == "#EXT-X-ENDLIST":
			sawMediaOnlyTag = true

		case strings.HasPrefix(line, "#"):
			// unknown tag, ignored per spec

		default:
			// URI line
			if !havePending {
				return nil, wavyerr.New(wavyerr.CodeMalformedPlaylist, "URI line without preceding EXT-X-STREAM-INF")
			}
			ast.Variants = append(ast.Variants, Variant{
				Bitrate:    pendingBandwidth,
				URI:        line,
				Resolution: pendingResolution,
				Codecs:     pendingCodecs,
			})
			havePending = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, wavyerr.Wrap(wavyerr.CodeMalformedPlaylist, "scanning master playlist", err)
	}
	if !sawExtM3U {
		return nil, wavyerr.New(wavyerr.CodeMalformedPlaylist, "missing #EXTM3U header")
	}
	if sawMediaOnlyTag {
		return nil, wavyerr.New(wavyerr.CodeMalformedPlaylist, "mixed media and master indicators")
	}
	if len(ast.Variants) == 0 {
		return nil, wavyerr.New(wavyerr.CodeMalformedPlaylist, "master playlist has no variants")
	}

	sort.SliceStable(ast.Variants, func(i, j int) bool {
		return ast.Variants[i].Bitrate < ast.Variants[j].Bitrate
	})

	return ast, nil
}

// ParseMedia parses a media playlist: optional #EXT-X-MAP, then a sequence
// of #EXTINF + URI pairs, terminated by #EXT-X-ENDLIST (required, since only
// VOD media playlists are in scope).
func ParseMedia(r io.Reader) (*MediaPlaylist, error) {
	scanner := bufio.NewScanner(r)
	mp := &MediaPlaylist{}

	var pendingDuration float64
	havePending := false
	sawExtM3U := false
	sawEndlist := false
	sawMasterOnlyTag := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "#EXTM3U":
			sawExtM3U = true

		case line == "#EXT-X-ENDLIST":
			sawEndlist = true

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-MAP:"))
			mp.MapURI = attrs["URI"]

		case strings.HasPrefix(line, "#EXTINF:"):
			rest := strings.TrimPrefix(line, "#EXTINF:")
			rest = strings.TrimSuffix(rest, ",")
			if idx := strings.Index(rest, ","); idx >= 0 {
				rest = rest[:idx]
			}
			d, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
			if err != nil {
				return nil, wavyerr.Wrap(wavyerr.CodeMalformedPlaylist, "invalid EXTINF duration", err)
			}
			pendingDuration = d
			havePending = true

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			sawMasterOnlyTag = true

		case strings.HasPrefix(line, "#"):
			// unknown tag, ignored

		default:
			if !havePending {
				return nil, wavyerr.New(wavyerr.CodeMalformedPlaylist, "URI line without preceding EXTINF")
			}
			mp.Segments = append(mp.Segments, Segment{Duration: pendingDuration, URI: line})
			havePending = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, wavyerr.Wrap(wavyerr.CodeMalformedPlaylist, "scanning media playlist", err)
	}
	if !sawExtM3U {
		return nil, wavyerr.New(wavyerr.CodeMalformedPlaylist, "missing #EXTM3U header")
	}
	if sawMasterOnlyTag {
		return nil, wavyerr.New(wavyerr.CodeMalformedPlaylist, "mixed media and master indicators")
	}
	if !sawEndlist {
		return nil, wavyerr.New(wavyerr.CodeMalformedPlaylist, "media playlist missing #EXT-X-ENDLIST")
	}

	return mp, nil
}

// WriteMaster serializes a MasterPlaylistAST back to HLS text, used by this
// package's round-trip test.
func WriteMaster(w io.Writer, ast *MasterPlaylistAST) error {
	if _, err := fmt.Fprintln(w, "#EXTM3U"); err != nil {
		return err
	}
	for _, v := range ast.Variants {
		attrs := fmt.Sprintf("BANDWIDTH=%d", v.Bitrate)
		if v.Resolution != "" {
			attrs += ",RESOLUTION=" + v.Resolution
		}
		if v.Codecs != "" {
			attrs += fmt.Sprintf(`,CODECS="%s"`, v.Codecs)
		}
		if _, err := fmt.Fprintf(w, "#EXT-X-STREAM-INF:%s\n%s\n", attrs, v.URI); err != nil {
			return err
		}
	}
	return nil
}

// Package fetcher implements the client-side segment fetcher (C12): given
// an owner/asset/bitrate selection it retrieves the media playlist and its
// segments from a wavy-server instance, either batching them into one
// buffer or pipelining them through a bounded queue for a decoder to
// consume. Retries reuse the teacher's resilient httpclient package
// (circuit breaker + exponential backoff) instead of hand-rolling a second
// retry loop.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync/atomic"

	"github.com/oinkognito/wavy/internal/httpclient"
	"github.com/oinkognito/wavy/internal/playlist"
	"github.com/oinkognito/wavy/internal/wavyerr"
)

// Segment is one fetched media segment, delivered to the decoder in
// playlist order.
type Segment struct {
	Index int
	URI   string
	Data  []byte
}

// Fetcher retrieves HLS media playlists and segments for one asset from a
// wavy-server instance. Bitrate is switchable mid-stream by the ABR loop;
// the fetcher only observes the switch at a segment boundary.
type Fetcher struct {
	client  *httpclient.Client
	baseURL string
	logger  *slog.Logger
	bitrate atomic.Int64

	// variants maps bitrate to the media playlist's path as declared in the
	// master playlist (relative to the asset root, forward-slash separated,
	// per HLS URI conventions) — not assumed to be "<bitrate>.m3u8".
	variants map[int]string
	// variantDir holds the directory of the most recently fetched media
	// playlist, since segment URIs within it are relative to that
	// directory rather than the asset root.
	variantDir atomic.Value
}

// New constructs a Fetcher against baseURL (e.g. "https://host:8080") using
// client for segment and playlist GETs, starting at the given bitrate.
// variants is the master playlist's variant list, which supplies the
// per-bitrate media playlist path.
func New(baseURL string, client *httpclient.Client, logger *slog.Logger, variants []playlist.Variant, bitrate int) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	vm := make(map[int]string, len(variants))
	for _, v := range variants {
		vm[v.Bitrate] = v.URI
	}
	f := &Fetcher{client: client, baseURL: baseURL, logger: logger, variants: vm}
	f.bitrate.Store(int64(bitrate))
	f.variantDir.Store("")
	return f
}

// SwitchBitrate updates the bitrate the fetcher targets. Per spec §4.12,
// an in-flight segment is drained before a chunked fetch observes the
// switch; FetchChunked checks CurrentBitrate between segments only.
func (f *Fetcher) SwitchBitrate(bitrate int) {
	f.bitrate.Store(int64(bitrate))
}

// CurrentBitrate returns the bitrate the fetcher is currently targeting.
func (f *Fetcher) CurrentBitrate() int {
	return int(f.bitrate.Load())
}

func (f *Fetcher) mediaPlaylistURL(owner, asset string, bitrate int, streaming bool) (string, error) {
	rel, ok := f.variants[bitrate]
	if !ok {
		return "", wavyerr.New(wavyerr.CodeSegmentUnavailable, fmt.Sprintf("no variant at bitrate %d", bitrate))
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", f.baseURL, routeName(streaming), owner, asset, rel), nil
}

// segmentURL resolves uri against the directory of the last-fetched media
// playlist, mirroring how the server's ingestion pipeline resolves segment
// paths relative to their media playlist rather than the asset root.
func (f *Fetcher) segmentURL(owner, asset, uri string, streaming bool) string {
	dir, _ := f.variantDir.Load().(string)
	full := uri
	if dir != "" && dir != "." {
		full = dir + "/" + uri
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", f.baseURL, routeName(streaming), owner, asset, full)
}

func routeName(streaming bool) string {
	if streaming {
		return "stream"
	}
	return "download"
}

// FetchMediaPlaylist downloads and parses the media playlist for the
// fetcher's current bitrate.
func (f *Fetcher) FetchMediaPlaylist(ctx context.Context, owner, asset string) (*playlist.MediaPlaylist, error) {
	bitrate := f.CurrentBitrate()
	url, err := f.mediaPlaylistURL(owner, asset, bitrate, false)
	if err != nil {
		return nil, err
	}
	data, err := f.getWithRetry(ctx, url)
	if err != nil {
		return nil, wavyerr.Wrap(wavyerr.CodeSegmentUnavailable, "fetching media playlist", err)
	}
	mp, err := playlist.ParseMedia(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	f.variantDir.Store(path.Dir(f.variants[bitrate]))
	return mp, nil
}

// FetchBatch downloads every segment of mp sequentially and concatenates
// them into one in-memory buffer. Used when the asset's declared total size
// is below the configured batch/chunked threshold.
func (f *Fetcher) FetchBatch(ctx context.Context, owner, asset string, mp *playlist.MediaPlaylist) ([]byte, error) {
	var buf bytes.Buffer
	for i, seg := range mp.Segments {
		data, err := f.getWithRetry(ctx, f.segmentURL(owner, asset, seg.URI, false))
		if err != nil {
			return nil, wavyerr.Wrap(wavyerr.CodeSegmentUnavailable, fmt.Sprintf("segment %d unavailable", i), err)
		}
		buf.Write(data)
	}
	if err := verifySegmentCount(len(mp.Segments), len(mp.Segments)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FetchChunked pipelines mp's segments through a bounded channel of depth
// queueDepth, blocking (backpressuring the fetcher) whenever the consumer
// falls behind. Between segments it re-reads CurrentBitrate(); a change
// triggers a re-fetch of the media playlist at the new bitrate and the
// remaining segments continue from the same index, per the spec's "drains
// the current in-flight segment then switches" policy. The returned error
// channel receives at most one value: nil on a clean end-of-stream (after
// verifying the received count matches the playlist's segment count), or
// the failure that aborted the fetch.
func (f *Fetcher) FetchChunked(ctx context.Context, owner, asset string, mp *playlist.MediaPlaylist, queueDepth int) (<-chan Segment, <-chan error) {
	out := make(chan Segment, queueDepth)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		current := mp
		activeBitrate := f.CurrentBitrate()
		received := 0

		for i := 0; i < len(current.Segments); i++ {
			if bitrate := f.CurrentBitrate(); bitrate != activeBitrate {
				f.logger.Info("fetcher switching bitrate mid-stream",
					slog.Int("from", activeBitrate), slog.Int("to", bitrate))
				refetched, err := f.FetchMediaPlaylist(ctx, owner, asset)
				if err != nil {
					errCh <- err
					return
				}
				current = refetched
				activeBitrate = bitrate
				if i >= len(current.Segments) {
					break
				}
			}

			seg := current.Segments[i]
			data, err := f.getWithRetry(ctx, f.segmentURL(owner, asset, seg.URI, true))
			if err != nil {
				errCh <- wavyerr.Wrap(wavyerr.CodeSegmentUnavailable, fmt.Sprintf("segment %d unavailable", i), err)
				return
			}

			select {
			case out <- Segment{Index: i, URI: seg.URI, Data: data}:
				received++
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if err := verifySegmentCount(received, len(current.Segments)); err != nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	return out, errCh
}

// verifySegmentCount enforces the integrity check in spec §4.12: "the
// fetcher verifies that the cumulative segment count matches the media
// playlist's #EXTINF count before signalling end-of-stream."
func verifySegmentCount(received, declared int) error {
	if received != declared {
		return wavyerr.New(wavyerr.CodeSegmentUnavailable,
			fmt.Sprintf("received %d segments, playlist declares %d", received, declared))
	}
	return nil
}

func (f *Fetcher) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.client.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return data, nil
}

// ShouldBatch reports whether totalBytes falls under threshold, the policy
// spec §4.12 uses to pick batch mode over chunked mode.
func ShouldBatch(totalBytes, threshold int64) bool {
	return totalBytes < threshold
}

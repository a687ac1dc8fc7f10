package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oinkognito/wavy/internal/httpclient"
	"github.com/oinkognito/wavy/internal/playlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMediaPlaylist = `#EXTM3U
#EXTINF:2.0,
seg0.ts
#EXTINF:2.0,
seg1.ts
#EXT-X-ENDLIST
`

var testVariants = []playlist.Variant{{Bitrate: 128000, URI: "128000.m3u8"}}

func newTestClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 3
	cfg.RetryDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return httpclient.New(cfg)
}

func TestFetchBatchConcatenatesSegmentsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "128000.m3u8"):
			fmt.Fprint(w, testMediaPlaylist)
		case strings.HasSuffix(r.URL.Path, "seg0.ts"):
			w.Write([]byte("AAA"))
		case strings.HasSuffix(r.URL.Path, "seg1.ts"):
			w.Write([]byte("BBB"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := New(srv.URL, newTestClient(), nil, testVariants, 128000)
	mp, err := f.FetchMediaPlaylist(context.Background(), "alice", "asset1")
	require.NoError(t, err)
	require.Len(t, mp.Segments, 2)

	data, err := f.FetchBatch(context.Background(), "alice", "asset1", mp)
	require.NoError(t, err)
	assert.Equal(t, "AAABBB", string(data))
}

func TestFetchChunkedDeliversSegmentsInOrderAndSignalsEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "seg0.ts"):
			w.Write([]byte("AAA"))
		case strings.HasSuffix(r.URL.Path, "seg1.ts"):
			w.Write([]byte("BBB"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	mp, err := playlist.ParseMedia(strings.NewReader(testMediaPlaylist))
	require.NoError(t, err)

	f := New(srv.URL, newTestClient(), nil, testVariants, 128000)
	out, errCh := f.FetchChunked(context.Background(), "alice", "asset1", mp, 1)

	var got []Segment
	for seg := range out {
		got = append(got, seg)
	}
	require.NoError(t, <-errCh)
	require.Len(t, got, 2)
	assert.Equal(t, "AAA", string(got[0].Data))
	assert.Equal(t, "BBB", string(got[1].Data))
}

func TestFetchChunkedRetriesFailedSegmentThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "seg0.ts") {
			n := attempts.Add(1)
			if n <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("AAA"))
			return
		}
		w.Write([]byte("BBB"))
	}))
	defer srv.Close()

	mp, err := playlist.ParseMedia(strings.NewReader(testMediaPlaylist))
	require.NoError(t, err)

	f := New(srv.URL, newTestClient(), nil, testVariants, 128000)
	out, errCh := f.FetchChunked(context.Background(), "alice", "asset1", mp, 4)

	var got []Segment
	for seg := range out {
		got = append(got, seg)
	}
	require.NoError(t, <-errCh)
	require.Len(t, got, 2)
	assert.Equal(t, "AAA", string(got[0].Data))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetchChunkedAbortsAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mp, err := playlist.ParseMedia(strings.NewReader(testMediaPlaylist))
	require.NoError(t, err)

	f := New(srv.URL, newTestClient(), nil, testVariants, 128000)
	out, errCh := f.FetchChunked(context.Background(), "alice", "asset1", mp, 4)

	for range out {
	}
	err = <-errCh
	require.Error(t, err)
}

func TestShouldBatch(t *testing.T) {
	assert.True(t, ShouldBatch(10, 100))
	assert.False(t, ShouldBatch(100, 100))
	assert.False(t, ShouldBatch(200, 100))
}

package cmd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/oinkognito/wavy/internal/abr"
	"github.com/oinkognito/wavy/internal/config"
	"github.com/oinkognito/wavy/internal/fetcher"
	"github.com/oinkognito/wavy/internal/httpclient"
	"github.com/oinkognito/wavy/internal/kvstore"
	"github.com/oinkognito/wavy/internal/netdiag"
	"github.com/oinkognito/wavy/internal/playback"
	"github.com/oinkognito/wavy/internal/playlist"
	"github.com/oinkognito/wavy/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// defaultSampleRate and defaultChannels stand in for the decoded PCM format
// the out-of-scope decoder (spec §1) would normally report; wavy-client
// has no decoder of its own, so a backend fed through --backend receives
// these nominal values alongside whatever bytes the fetcher delivered.
const (
	defaultSampleRate = 44100
	defaultChannels   = 2
)

var (
	backendPath string
	bitrateFlag int
	chunkedFlag bool
)

func registerClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&backendPath, "backend", "", "path to an audio backend plugin (.so)")
	cmd.Flags().IntVar(&bitrateFlag, "bitrate", 0, "force a specific bitrate in bps, skipping ABR selection")
	cmd.Flags().BoolVar(&chunkedFlag, "chunked", false, "use chunked streaming fetch mode instead of batch mode")
}

func runClient(cmd *cobra.Command, args []string) error {
	serverHost, owner, assetIndexStr := args[0], args[1], args[2]

	assetIndex, err := strconv.Atoi(assetIndexStr)
	if err != nil || assetIndex < 0 {
		return fmt.Errorf("invalid asset-index %q: must be a non-negative integer", assetIndexStr)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal, abandoning in-flight fetch", slog.String("signal", sig.String()))
		cancel()
	}()

	host, port, err := splitHostPort(serverHost, cfg.Server.Port)
	if err != nil {
		return err
	}
	baseURL := fmt.Sprintf("https://%s", net.JoinHostPort(host, strconv.Itoa(port)))

	client := newClient(cfg, logger)

	assetID, err := resolveAsset(ctx, client, baseURL, owner, assetIndex)
	if err != nil {
		return err
	}

	meta, err := fetchAssetMetadata(ctx, client, baseURL, owner, assetID)
	if err != nil {
		return err
	}
	logger.Info("resolved asset",
		slog.String("title", meta.Title), slog.String("artist", meta.Artist),
		slog.Int("variant_count", len(meta.Variants)))

	master, err := fetchMasterPlaylist(ctx, client, baseURL, owner, assetID)
	if err != nil {
		return err
	}

	stats := netdiag.ProbeN(host, port, cfg.NetDiag.ProbeCount, cfg.NetDiag.ProbeTimeout)
	logger.Info("network diagnosis",
		slog.Float64("latency_ms", stats.LatencyMs),
		slog.Float64("jitter_ms", stats.JitterMs),
		slog.Float64("loss_percent", stats.LossPercent))

	startBitrate := bitrateFlag
	if startBitrate == 0 {
		startBitrate = abr.Select(stats, master.Variants).Bitrate
	}
	logger.Info("selected starting bitrate", slog.Int("bitrate_bps", startBitrate))

	f := fetcher.New(baseURL, client, logger, master.Variants, startBitrate)

	// The ABR reselection loop runs alongside the fetch on its own
	// cancellable context, joined via errgroup so a panic or early return
	// from the loop surfaces rather than leaking a goroutine; abrCancel
	// stops it once the fetch below completes, which must happen before
	// the group is awaited (see the defer order).
	g, gctx := errgroup.WithContext(ctx)
	abrCtx, abrCancel := context.WithCancel(gctx)
	defer g.Wait() //nolint:errcheck
	defer abrCancel()

	if bitrateFlag == 0 {
		probe := func() netdiag.Result {
			return netdiag.ProbeN(host, port, cfg.NetDiag.ProbeCount, cfg.NetDiag.ProbeTimeout)
		}
		g.Go(func() error {
			abr.Loop(abrCtx, logger, cfg.ABR.Cadence, probe, master.Variants, func(v playlist.Variant) {
				f.SwitchBitrate(v.Bitrate)
			})
			return nil
		})
	}

	mp, err := f.FetchMediaPlaylist(ctx, owner, assetID)
	if err != nil {
		return err
	}

	var backend *playback.Adapter
	if backendPath != "" {
		backend, err = playback.Load(backendPath, logger)
		if err != nil {
			return err
		}
		defer backend.Close()
	}

	useBatch := !chunkedFlag && fetcher.ShouldBatch(totalBytesForBitrate(meta, startBitrate), cfg.Fetcher.BatchThreshold.Bytes())
	if useBatch {
		return runBatch(ctx, f, backend, meta, owner, assetID, mp, startBitrate, logger)
	}
	return runChunked(ctx, f, backend, meta, owner, assetID, mp, cfg.Fetcher.ChunkQueueDepth, logger)
}

func runBatch(ctx context.Context, f *fetcher.Fetcher, backend *playback.Adapter, meta kvstore.AssetMetadata, owner, assetID string, mp *playlist.MediaPlaylist, bitrate int, logger *slog.Logger) error {
	data, err := f.FetchBatch(ctx, owner, assetID, mp)
	if err != nil {
		return err
	}
	logger.Info("batch fetch complete", slog.Int("bytes", len(data)))

	if backend == nil {
		return nil
	}
	return backend.Play(data, isFLACVariant(meta, bitrate), defaultSampleRate, defaultChannels)
}

func runChunked(ctx context.Context, f *fetcher.Fetcher, backend *playback.Adapter, meta kvstore.AssetMetadata, owner, assetID string, mp *playlist.MediaPlaylist, queueDepth int, logger *slog.Logger) error {
	out, errCh := f.FetchChunked(ctx, owner, assetID, mp, queueDepth)

	received := 0
	for seg := range out {
		received++
		logger.Debug("received segment", slog.Int("index", seg.Index), slog.Int("bytes", len(seg.Data)))
		if backend != nil {
			if err := backend.Play(seg.Data, isFLACVariant(meta, f.CurrentBitrate()), defaultSampleRate, defaultChannels); err != nil {
				return err
			}
		}
	}

	if err := <-errCh; err != nil {
		return err
	}
	logger.Info("end of stream", slog.Int("segments", received))
	return nil
}

func newClient(cfg *config.Config, logger *slog.Logger) *httpclient.Client {
	httpCfg := httpclient.DefaultConfig()
	httpCfg.RetryAttempts = cfg.Fetcher.RetryAttempts
	httpCfg.RetryDelay = cfg.Fetcher.RetryBaseDelay
	httpCfg.RetryMaxDelay = cfg.Fetcher.RetryMaxDelay
	httpCfg.Logger = logger
	httpCfg.UserAgent = version.UserAgent()
	httpCfg.BaseClient = &http.Client{
		Transport: &http.Transport{
			// The server loads an operator-provided cert (spec §6); on a
			// local network with no distributed CA, wavy-client trusts it
			// out of band rather than verifying a chain.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
	}
	return httpclient.New(httpCfg)
}

func splitHostPort(serverHost string, defaultPort int) (host string, port int, err error) {
	h, p, splitErr := net.SplitHostPort(serverHost)
	if splitErr != nil {
		return serverHost, defaultPort, nil
	}
	portNum, convErr := strconv.Atoi(p)
	if convErr != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", serverHost, convErr)
	}
	return h, portNum, nil
}

func resolveAsset(ctx context.Context, client *httpclient.Client, baseURL, owner string, index int) (string, error) {
	var body struct {
		Assets []string `json:"assets"`
	}
	if err := getJSON(ctx, client, fmt.Sprintf("%s/owners/%s", baseURL, owner), &body); err != nil {
		return "", fmt.Errorf("listing assets for owner %q: %w", owner, err)
	}
	if index >= len(body.Assets) {
		return "", fmt.Errorf("asset index %d out of range, owner %q has %d assets", index, owner, len(body.Assets))
	}
	return body.Assets[index], nil
}

func fetchAssetMetadata(ctx context.Context, client *httpclient.Client, baseURL, owner, assetID string) (kvstore.AssetMetadata, error) {
	var meta kvstore.AssetMetadata
	err := getJSON(ctx, client, fmt.Sprintf("%s/audio/info/%s/%s", baseURL, owner, assetID), &meta)
	return meta, err
}

func fetchMasterPlaylist(ctx context.Context, client *httpclient.Client, baseURL, owner, assetID string) (*playlist.MasterPlaylistAST, error) {
	resp, err := client.Get(ctx, fmt.Sprintf("%s/download/%s/%s/master.m3u8", baseURL, owner, assetID))
	if err != nil {
		return nil, fmt.Errorf("fetching master playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching master playlist", resp.StatusCode)
	}
	return playlist.ParseMaster(resp.Body)
}

func getJSON(ctx context.Context, client *httpclient.Client, url string, out any) error {
	resp, err := client.Get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func totalBytesForBitrate(meta kvstore.AssetMetadata, bitrate int) int64 {
	for _, v := range meta.Variants {
		if v.Bitrate == bitrate {
			return v.TotalBytes
		}
	}
	var sum int64
	for _, v := range meta.Variants {
		sum += v.TotalBytes
	}
	return sum
}

func isFLACVariant(meta kvstore.AssetMetadata, bitrate int) bool {
	for _, v := range meta.Variants {
		if v.Bitrate == bitrate {
			return strings.Contains(strings.ToLower(v.Codec), "flac")
		}
	}
	return false
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oinkognito/wavy/internal/config"
	internalhttp "github.com/oinkognito/wavy/internal/http"
	"github.com/oinkognito/wavy/internal/ingest"
	"github.com/oinkognito/wavy/internal/kvstore"
	"github.com/oinkognito/wavy/internal/metrics"
	"github.com/oinkognito/wavy/internal/objectstore"
	"github.com/oinkognito/wavy/internal/startup"
	"github.com/oinkognito/wavy/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the wavy-server process",
	Long: `Start wavy's HTTPS request router and every backing component: the
object store, the KV index, the ingestion pipeline, and the metrics
registry.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("root", "", "wavy storage root (env WAVY_ROOT)")
	serveCmd.Flags().Int("port", 0, "port to listen on (env WAVY_PORT)")
	serveCmd.Flags().String("cert", "", "TLS certificate path (env WAVY_CERT)")
	serveCmd.Flags().String("key", "", "TLS key path (env WAVY_KEY)")
	serveCmd.Flags().Int("workers", 0, "worker pool size, 0 = CPU count (env WAVY_WORKERS)")

	mustBindPFlag("storage.root_dir", serveCmd.Flags().Lookup("root"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("server.cert_path", serveCmd.Flags().Lookup("cert"))
	mustBindPFlag("server.key_path", serveCmd.Flags().Lookup("key"))
	mustBindPFlag("server.workers", serveCmd.Flags().Lookup("workers"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := objectstore.Open(cfg.Storage.RootDir)
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.DBDir(), 0750); err != nil {
		return fmt.Errorf("creating db directory: %w", err)
	}
	index, err := kvstore.Open(cfg.Storage.DBDir())
	if err != nil {
		return fmt.Errorf("opening kv index: %w", err)
	}
	defer index.Close()

	if removed, err := startup.CleanupAllOwnerStagingDirs(logger, store); err != nil {
		logger.Warn("failed to clean orphaned staging directories", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned orphaned staging directories on startup", slog.Int("removed_count", removed))
	}

	if removed, missing, err := startup.ScrubOrphanedAssets(logger, store, index); err != nil {
		logger.Warn("failed to scrub orphaned assets", slog.String("error", err.Error()))
	} else {
		if removed > 0 {
			logger.Info("removed orphaned asset directories on startup", slog.Int("removed_count", removed))
		}
		if len(missing) > 0 {
			logger.Error("kv index references assets missing from disk", slog.Any("assets", missing))
		}
	}

	pipeline := ingest.New(store, index, ingest.Limits{
		MaxMemberBytes:  cfg.Ingestion.MaxMemberSize.Bytes(),
		MaxArchiveBytes: cfg.Ingestion.MaxArchiveSize.Bytes(),
	})
	registry := metrics.New()

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	internalhttp.RegisterRoutes(server, pipeline, index, store, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting wavy-server",
		slog.String("address", cfg.Server.Address()),
		slog.Bool("tls", cfg.Server.TLSEnabled()),
		slog.Int("workers", cfg.Server.Workers),
		slog.String("version", version.Version),
	)

	_ = viper.GetViper()
	return server.ListenAndServe(ctx)
}

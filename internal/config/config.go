// Package config provides configuration management for wavy using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultPort              = 8080
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultShutdownGrace     = 5 * time.Second
	defaultMaxMemberBytes    = 256 * 1024 * 1024      // 256 MiB
	defaultMaxArchiveBytes   = 2 * 1024 * 1024 * 1024  // 2 GiB
	defaultABRCadence        = 2 * time.Second
	defaultBatchThreshold    = 64 * 1024 * 1024        // 64 MiB
	defaultChunkQueueDepth   = 4
	defaultFetchRetries      = 3
	defaultFetchBaseDelay    = 100 * time.Millisecond
	defaultFetchMaxDelay     = 2 * time.Second
	defaultNetProbeCount     = 5
	defaultNetProbeTimeout   = 2 * time.Second
	defaultScrubAge          = 1 * time.Hour
)

// Config holds all configuration for the wavy-server process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	ABR       ABRConfig       `mapstructure:"abr"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	NetDiag   NetDiagConfig   `mapstructure:"netdiag"`
}

// ServerConfig holds HTTPS server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	CertPath        string        `mapstructure:"cert_path"`
	KeyPath         string        `mapstructure:"key_path"`
	Workers         int           `mapstructure:"workers"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// StorageConfig holds the object store and KV index root configuration.
type StorageConfig struct {
	// RootDir is the wavy storage root (contains owners/, keys/, db/).
	RootDir string `mapstructure:"root_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// IngestionConfig holds archive validation limits for the ingestion pipeline (C7).
type IngestionConfig struct {
	// MaxMemberSize is the maximum decompressed size of a single archive member.
	MaxMemberSize ByteSize `mapstructure:"max_member_size"`
	// MaxArchiveSize is the maximum total decompressed size of an archive.
	MaxArchiveSize ByteSize `mapstructure:"max_archive_size"`
	// ScrubAge is loaded from configuration but not read by the startup
	// scrub (C17): staging directories are aged against
	// startup.DefaultCleanupAge, and orphaned asset directories are removed
	// regardless of age.
	ScrubAge time.Duration `mapstructure:"scrub_age"`
}

// ABRConfig holds client-side adaptive bitrate selector configuration (C11).
type ABRConfig struct {
	// Cadence is how often the selector re-evaluates network stats.
	Cadence time.Duration `mapstructure:"cadence"`
}

// FetcherConfig holds client-side segment fetcher configuration (C12).
type FetcherConfig struct {
	// BatchThreshold is the declared-size cutoff below which the fetcher uses
	// batch mode instead of chunked streaming mode.
	BatchThreshold ByteSize `mapstructure:"batch_threshold"`
	// ChunkQueueDepth is the bounded channel depth used in chunked mode.
	ChunkQueueDepth int `mapstructure:"chunk_queue_depth"`
	// RetryAttempts is the number of retries per segment GET.
	RetryAttempts int `mapstructure:"retry_attempts"`
	// RetryBaseDelay is the initial backoff delay.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

// NetDiagConfig holds network diagnoser configuration (C10).
type NetDiagConfig struct {
	ProbeCount   int           `mapstructure:"probe_count"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with WAVY_ and use underscores for nesting.
// Example: WAVY_SERVER_PORT=8080, or the flattened aliases WAVY_ROOT/WAVY_PORT/
// WAVY_CERT/WAVY_KEY/WAVY_WORKERS per the server's documented CLI surface.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/wavy")
		v.AddConfigPath("$HOME/.wavy")
	}

	v.SetEnvPrefix("WAVY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Flattened top-level aliases documented in the CLI surface: WAVY_ROOT,
	// WAVY_PORT, WAVY_CERT, WAVY_KEY, WAVY_WORKERS override the nested keys
	// when set, since operators expect these exact names from spec.
	bindFlatAlias(v, "WAVY_ROOT", "storage.root_dir")
	bindFlatAlias(v, "WAVY_PORT", "server.port")
	bindFlatAlias(v, "WAVY_CERT", "server.cert_path")
	bindFlatAlias(v, "WAVY_KEY", "server.key_path")
	bindFlatAlias(v, "WAVY_WORKERS", "server.workers")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Server.Workers <= 0 {
		cfg.Server.Workers = runtime.NumCPU()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// bindFlatAlias copies an env var's raw value onto a nested viper key if the
// env var is set. AutomaticEnv alone won't map WAVY_ROOT onto storage.root_dir
// since the key shapes differ, so we resolve the alias explicitly.
func bindFlatAlias(v *viper.Viper, envName, key string) {
	if err := v.BindEnv(key, envName); err != nil {
		panic(fmt.Sprintf("binding %s: %v", envName, err))
	}
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultPort)
	v.SetDefault("server.cert_path", "")
	v.SetDefault("server.key_path", "")
	v.SetDefault("server.workers", 0) // 0 = resolved to runtime.NumCPU() after load
	v.SetDefault("server.read_timeout", defaultReadTimeout)
	v.SetDefault("server.write_timeout", defaultWriteTimeout)
	v.SetDefault("server.idle_timeout", defaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownGrace)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("storage.root_dir", "/var/lib/wavy")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("ingestion.max_member_size", defaultMaxMemberBytes)
	v.SetDefault("ingestion.max_archive_size", defaultMaxArchiveBytes)
	v.SetDefault("ingestion.scrub_age", defaultScrubAge)

	v.SetDefault("abr.cadence", defaultABRCadence)

	v.SetDefault("fetcher.batch_threshold", defaultBatchThreshold)
	v.SetDefault("fetcher.chunk_queue_depth", defaultChunkQueueDepth)
	v.SetDefault("fetcher.retry_attempts", defaultFetchRetries)
	v.SetDefault("fetcher.retry_base_delay", defaultFetchBaseDelay)
	v.SetDefault("fetcher.retry_max_delay", defaultFetchMaxDelay)

	v.SetDefault("netdiag.probe_count", defaultNetProbeCount)
	v.SetDefault("netdiag.probe_timeout", defaultNetProbeTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Storage.RootDir == "" {
		return fmt.Errorf("storage.root_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Ingestion.MaxMemberSize.Bytes() <= 0 {
		return fmt.Errorf("ingestion.max_member_size must be positive")
	}
	if c.Ingestion.MaxArchiveSize.Bytes() <= 0 {
		return fmt.Errorf("ingestion.max_archive_size must be positive")
	}

	if c.Fetcher.ChunkQueueDepth < 1 {
		return fmt.Errorf("fetcher.chunk_queue_depth must be at least 1")
	}
	if c.Fetcher.RetryAttempts < 1 {
		return fmt.Errorf("fetcher.retry_attempts must be at least 1")
	}

	if c.NetDiag.ProbeCount < 1 {
		return fmt.Errorf("netdiag.probe_count must be at least 1")
	}

	// TLS is optional only in the sense that both paths must be set together.
	if (c.Server.CertPath == "") != (c.Server.KeyPath == "") {
		return fmt.Errorf("server.cert_path and server.key_path must both be set or both be empty")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether the server should terminate TLS.
func (c *ServerConfig) TLSEnabled() bool {
	return c.CertPath != "" && c.KeyPath != ""
}

// OwnersDir returns the path to the owners directory within the storage root.
func (c *StorageConfig) OwnersDir() string {
	return fmt.Sprintf("%s/owners", c.RootDir)
}

// KeysDir returns the path to the redundant key-verification directory.
func (c *StorageConfig) KeysDir() string {
	return fmt.Sprintf("%s/keys", c.RootDir)
}

// DBDir returns the path to the KV index directory.
func (c *StorageConfig) DBDir() string {
	return fmt.Sprintf("%s/db", c.RootDir)
}

// Package config loads engine configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration. It is built once at startup and
// passed into constructors; nothing reads it ambiently.
type Config struct {
	Transfer TransferConfig `yaml:"transfer"`
	Manifest ManifestConfig `yaml:"manifest"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// TransferConfig tunes the executor and unit execution.
type TransferConfig struct {
	Parallelism           int  `yaml:"parallelism"`              // worker pool size
	MaxRetries            int  `yaml:"max_retries"`              // retries per unit beyond the first attempt
	RetryInitialBackoffMS int  `yaml:"retry_initial_backoff_ms"` // first retry delay; grows exponentially
	ChunkSizeKB           int  `yaml:"chunk_size_kb"`            // streaming chunk size
	SplitThresholdMB      int  `yaml:"split_threshold_mb"`       // objects at or above this are range-split; 0 disables
	PartSizeMB            int  `yaml:"part_size_mb"`             // range size when splitting
	ProgressIntervalMS    int  `yaml:"progress_interval_ms"`     // progress reporter tick
	VerifyChecksums       bool `yaml:"verify_checksums"`         // compare MD5 digests after transfer
	SkipExisting          bool `yaml:"skip_existing"`            // skip units whose destination already matches
	GzipUpload            bool `yaml:"gzip_upload"`              // gzip whole-object local-to-remote uploads
	Resume                bool `yaml:"resume"`                   // skip pairs already completed in the manifest
}

// ManifestConfig locates the durable transfer log.
type ManifestConfig struct {
	Path        string `yaml:"path"`         // CSV manifest path; empty disables the manifest
	SummaryPath string `yaml:"summary_path"` // JSON batch summary; empty disables
}

// LoggingConfig mirrors logging.Config for YAML loading.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

// MetricsConfig mirrors metrics.Config for YAML loading.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Transfer: TransferConfig{
			Parallelism:           8,
			MaxRetries:            3,
			RetryInitialBackoffMS: 500,
			ChunkSizeKB:           1024,
			SplitThresholdMB:      0,
			PartSizeMB:            64,
			ProgressIntervalMS:    1000,
			VerifyChecksums:       true,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads configuration from the given YAML file (if non-empty), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays CLOUDHAUL_* environment variables onto the config.
func (c *Config) applyEnv() {
	setInt(&c.Transfer.Parallelism, "CLOUDHAUL_PARALLELISM")
	setInt(&c.Transfer.MaxRetries, "CLOUDHAUL_MAX_RETRIES")
	setInt(&c.Transfer.RetryInitialBackoffMS, "CLOUDHAUL_RETRY_BACKOFF_MS")
	setInt(&c.Transfer.ChunkSizeKB, "CLOUDHAUL_CHUNK_SIZE_KB")
	setInt(&c.Transfer.SplitThresholdMB, "CLOUDHAUL_SPLIT_THRESHOLD_MB")
	setInt(&c.Transfer.PartSizeMB, "CLOUDHAUL_PART_SIZE_MB")
	setInt(&c.Transfer.ProgressIntervalMS, "CLOUDHAUL_PROGRESS_INTERVAL_MS")
	setBool(&c.Transfer.VerifyChecksums, "CLOUDHAUL_VERIFY_CHECKSUMS")
	setBool(&c.Transfer.SkipExisting, "CLOUDHAUL_SKIP_EXISTING")
	setBool(&c.Transfer.GzipUpload, "CLOUDHAUL_GZIP_UPLOAD")
	setBool(&c.Transfer.Resume, "CLOUDHAUL_RESUME")
	setString(&c.Manifest.Path, "CLOUDHAUL_MANIFEST")
	setString(&c.Manifest.SummaryPath, "CLOUDHAUL_SUMMARY")
	setString(&c.Logging.Format, "CLOUDHAUL_LOG_FORMAT")
	setString(&c.Logging.Level, "CLOUDHAUL_LOG_LEVEL")
	setBool(&c.Metrics.Enabled, "CLOUDHAUL_METRICS_ENABLED")
	setString(&c.Metrics.Address, "CLOUDHAUL_METRICS_ADDRESS")
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.Transfer.Parallelism < 1 {
		return fmt.Errorf("transfer.parallelism must be positive, got %d", c.Transfer.Parallelism)
	}
	if c.Transfer.MaxRetries < 0 {
		return fmt.Errorf("transfer.max_retries must be non-negative, got %d", c.Transfer.MaxRetries)
	}
	if c.Transfer.ChunkSizeKB < 1 {
		return fmt.Errorf("transfer.chunk_size_kb must be positive, got %d", c.Transfer.ChunkSizeKB)
	}
	if c.Transfer.SplitThresholdMB > 0 && c.Transfer.PartSizeMB < 1 {
		return fmt.Errorf("transfer.part_size_mb must be positive when splitting is enabled, got %d", c.Transfer.PartSizeMB)
	}
	if c.Transfer.Resume && c.Manifest.Path == "" {
		return fmt.Errorf("transfer.resume requires manifest.path")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

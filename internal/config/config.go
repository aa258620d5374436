// Package config provides configuration for the spool daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration.
type Config struct {
	// DataDir is the base directory for all local state
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// CacheDir holds cached file bytes and upload records; defaults to <data_dir>/cache
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// CloudID names the remote account; each account gets its own upload directory
	CloudID string `json:"cloud_id" yaml:"cloud_id"`

	Upload  UploadConfig  `json:"upload" yaml:"upload"`
	HTTP    HTTPConfig    `json:"http" yaml:"http"`
	GRPC    GRPCConfig    `json:"grpc" yaml:"grpc"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// UploadConfig tunes the upload engine.
type UploadConfig struct {
	// Concurrency is the number of uploads allowed in flight at once
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// RetryDelay is the wait before a failed upload is queued again
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`

	// RetryMultiplier grows the delay per attempt; 1 keeps it fixed
	RetryMultiplier float64 `json:"retry_multiplier" yaml:"retry_multiplier"`

	// RetryMaxDelay caps the grown delay; 0 means no cap
	RetryMaxDelay time.Duration `json:"retry_max_delay" yaml:"retry_max_delay"`

	// MaxAttempts gives up on a record after this many attempts; 0 retries forever
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// DrainOnShutdown waits for queued uploads before stopping
	DrainOnShutdown bool `json:"drain_on_shutdown" yaml:"drain_on_shutdown"`

	// DrainTimeout bounds the shutdown drain
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// StorageConfig selects and configures the remote backend.
type StorageConfig struct {
	// Type is the backend type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the root of the local backend (for local type)
	Path string `json:"path" yaml:"path"`

	// Compress stores local blobs snappy-compressed
	Compress bool `json:"compress" yaml:"compress"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 backend configuration.
type S3Config struct {
	Bucket string `json:"bucket" yaml:"bucket"`
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Prefix is prepended to every key
	Prefix string `json:"prefix" yaml:"prefix"`

	// PartSizeMB is the multipart threshold and part size
	PartSizeMB int `json:"part_size_mb" yaml:"part_size_mb"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/spool",
		CloudID: "default",
		Upload: UploadConfig{
			Concurrency:     4,
			RetryDelay:      5 * time.Second,
			RetryMultiplier: 1,
			DrainTimeout:    30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Resolve fills derived paths from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/spool"
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "remote")
	}
}

// UploadDir returns the directory holding upload records and cached bytes
// for this account: <cache_dir>/Upload/<cloud_id>.
func (c *Config) UploadDir() string {
	return filepath.Join(c.CacheDir, "Upload", c.CloudID)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.CloudID == "" || strings.ContainsAny(c.CloudID, `/\`) {
		return fmt.Errorf("cloud_id must be a non-empty name without path separators, got %q", c.CloudID)
	}
	if c.Upload.Concurrency < 1 {
		return fmt.Errorf("upload.concurrency must be at least 1, got %d", c.Upload.Concurrency)
	}
	if c.Upload.RetryDelay < 0 {
		return fmt.Errorf("upload.retry_delay must not be negative")
	}
	if c.Upload.RetryMultiplier != 0 && c.Upload.RetryMultiplier < 1 {
		return fmt.Errorf("upload.retry_multiplier must be >= 1, got %g", c.Upload.RetryMultiplier)
	}
	if c.Upload.MaxAttempts < 0 {
		return fmt.Errorf("upload.max_attempts must not be negative")
	}

	switch c.Storage.Type {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when storage type is s3")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Log.Format)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overlays SPOOL_ prefixed environment variables onto cfg.
// Unparseable numeric or duration values are ignored.
func LoadFromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("SPOOL_DATA_DIR", &cfg.DataDir)
	str("SPOOL_CACHE_DIR", &cfg.CacheDir)
	str("SPOOL_CLOUD_ID", &cfg.CloudID)

	num("SPOOL_UPLOAD_CONCURRENCY", &cfg.Upload.Concurrency)
	dur("SPOOL_UPLOAD_RETRY_DELAY", &cfg.Upload.RetryDelay)
	dur("SPOOL_UPLOAD_RETRY_MAX_DELAY", &cfg.Upload.RetryMaxDelay)
	num("SPOOL_UPLOAD_MAX_ATTEMPTS", &cfg.Upload.MaxAttempts)
	flag("SPOOL_UPLOAD_DRAIN_ON_SHUTDOWN", &cfg.Upload.DrainOnShutdown)
	if v := os.Getenv("SPOOL_UPLOAD_RETRY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Upload.RetryMultiplier = f
		}
	}

	str("SPOOL_HTTP_ADDR", &cfg.HTTP.Addr)
	str("SPOOL_GRPC_ADDR", &cfg.GRPC.Addr)
	flag("SPOOL_GRPC_ENABLED", &cfg.GRPC.Enabled)

	str("SPOOL_STORAGE_TYPE", &cfg.Storage.Type)
	str("SPOOL_STORAGE_PATH", &cfg.Storage.Path)
	flag("SPOOL_STORAGE_COMPRESS", &cfg.Storage.Compress)
	str("SPOOL_S3_BUCKET", &cfg.Storage.S3.Bucket)
	str("SPOOL_S3_REGION", &cfg.Storage.S3.Region)
	str("SPOOL_S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	str("SPOOL_S3_PREFIX", &cfg.Storage.S3.Prefix)

	str("SPOOL_LOG_LEVEL", &cfg.Log.Level)
	str("SPOOL_LOG_FORMAT", &cfg.Log.Format)
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.CacheDir, c.UploadDir()}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Command spoold runs the upload daemon: it recovers persisted uploads,
// drains them to the configured backend and serves the control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/arkilian/spool/internal/app"
	"github.com/arkilian/spool/internal/config"
	"github.com/arkilian/spool/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	configFile  string
	dataDir     string
	cloudID     string
	httpAddr    string
	grpcAddr    string
	storageType string
	concurrency int
	logLevel    string
	drain       bool
}

func main() {
	var (
		f           flags
		showVersion bool
	)
	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.dataDir, "data-dir", "", "Base directory for cached files and upload records")
	flag.StringVar(&f.cloudID, "cloud-id", "", "Remote account name; selects the upload directory")
	flag.StringVar(&f.httpAddr, "http-addr", "", "HTTP control API address")
	flag.StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC control API address")
	flag.StringVar(&f.storageType, "storage", "", "Backend type: local, s3")
	flag.IntVar(&f.concurrency, "concurrency", 0, "Maximum simultaneous uploads")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&f.drain, "drain-on-shutdown", false, "Wait for pending uploads before exiting")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "spoold - durable upload daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: spoold [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  SPOOL_DATA_DIR             Base data directory\n")
		fmt.Fprintf(os.Stderr, "  SPOOL_UPLOAD_CONCURRENCY   Maximum simultaneous uploads\n")
		fmt.Fprintf(os.Stderr, "  SPOOL_STORAGE_TYPE         Backend type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  SPOOL_S3_BUCKET            Bucket for the s3 backend\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("spoold version %s (commit: %s)\n", version, commit)
		return
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, os.Stderr)
	logger.Info().
		Str("version", version).
		Str("data_dir", cfg.DataDir).
		Str("cloud_id", cfg.CloudID).
		Str("storage", cfg.Storage.Type).
		Int("concurrency", cfg.Upload.Concurrency).
		Msg("starting spoold")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("spoold exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	application, err := app.New(cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		return err
	}
	return application.WaitForShutdown(ctx)
}

// loadConfig layers defaults or the config file, then environment, then flags.
func loadConfig(f flags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configFile); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)

	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.cloudID != "" {
		cfg.CloudID = f.cloudID
	}
	if f.httpAddr != "" {
		cfg.HTTP.Addr = f.httpAddr
	}
	if f.grpcAddr != "" {
		cfg.GRPC.Addr = f.grpcAddr
	}
	if f.storageType != "" {
		cfg.Storage.Type = f.storageType
	}
	if f.concurrency > 0 {
		cfg.Upload.Concurrency = f.concurrency
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.drain {
		cfg.Upload.DrainOnShutdown = true
	}
	return cfg, nil
}

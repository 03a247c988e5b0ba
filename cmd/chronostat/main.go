// Package main implements the chronostat server binary. It runs the statistics
// API, the daily materialization and the event stream consumer, or a subset
// of them selected by --mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/chronostat/chronostat/internal/app"
	"github.com/chronostat/chronostat/internal/config"
	"github.com/chronostat/chronostat/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

// flags holds command line overrides. Empty values leave the configuration untouched.
type flags struct {
	configFile  string
	dataDir     string
	mode        string
	httpAddr    string
	grpcAddr    string
	storeDriver string
	logLevel    string
}

func main() {
	var (
		f           flags
		showVersion bool
	)

	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&f.mode, "mode", "", "Service mode: all, api, worker")
	flag.StringVar(&f.httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC listen address (enables gRPC)")
	flag.StringVar(&f.storeDriver, "store-driver", "", "Event store driver: sqlite, postgres")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "chronostat - resource statistics over time\n\n")
		fmt.Fprintf(os.Stderr, "Usage: chronostat [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  chronostat --data-dir /var/lib/chronostat\n")
		fmt.Fprintf(os.Stderr, "  chronostat --mode api --store-driver postgres\n")
		fmt.Fprintf(os.Stderr, "  chronostat --config /etc/chronostat/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  CHRONOSTAT_MODE             Service mode (all, api, worker)\n")
		fmt.Fprintf(os.Stderr, "  CHRONOSTAT_DATA_DIR         Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  CHRONOSTAT_HTTP_ADDR        HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  CHRONOSTAT_STORE_DRIVER     Event store driver (sqlite, postgres)\n")
		fmt.Fprintf(os.Stderr, "  CHRONOSTAT_STORE_DSN        PostgreSQL connection string\n")
		fmt.Fprintf(os.Stderr, "  CHRONOSTAT_REDIS_ADDR       Redis address for the shared cache and event stream\n")
		fmt.Fprintf(os.Stderr, "  CHRONOSTAT_ADMIN_TOKEN      Bearer token for admin endpoints\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("chronostat version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "chronostat")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting chronostat",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("mode", string(cfg.Mode)),
		zap.String("data_dir", cfg.DataDir),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.Bool("grpc", cfg.GRPC.Enabled),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
		zap.Bool("ingest", cfg.Ingest.Enabled))

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		logger.Fatal("failed to start application", zap.Error(err))
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(f flags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if f.configFile != "" {
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	// Flags have the highest priority
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.mode != "" {
		cfg.Mode = config.Mode(f.mode)
	}
	if f.httpAddr != "" {
		cfg.HTTP.Addr = f.httpAddr
	}
	if f.grpcAddr != "" {
		cfg.GRPC.Addr = f.grpcAddr
		cfg.GRPC.Enabled = true
	}
	if f.storeDriver != "" {
		cfg.Store.Driver = f.storeDriver
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	return cfg, nil
}

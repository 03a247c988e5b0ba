// Package main implements chronostat-materialize, a one-shot backfill that
// snapshots every date of [start, end) and exits non-zero unless all of them
// committed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/chronostat/chronostat/internal/app"
	"github.com/chronostat/chronostat/internal/archive"
	"github.com/chronostat/chronostat/internal/cache"
	"github.com/chronostat/chronostat/internal/config"
	"github.com/chronostat/chronostat/internal/logging"
	"github.com/chronostat/chronostat/internal/materializer"
	"github.com/chronostat/chronostat/internal/storage"
	"github.com/chronostat/chronostat/internal/store"
	"github.com/chronostat/chronostat/pkg/types"
)

const (
	exitOK = iota
	exitFailed
	exitUsage
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile    string
		start         string
		end           string
		verifyArchive bool
	)

	today := types.Today(time.Now)
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&start, "start", today.AddDays(-1).String(), "First date to materialize (yyyy-MM-dd)")
	flag.StringVar(&end, "end", today.String(), "Date after the last one to materialize (yyyy-MM-dd)")
	flag.BoolVar(&verifyArchive, "verify-archive", false, "Compare archived snapshots of committed dates with the store")
	flag.Parse()

	req, err := parseRange(start, end)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	cfg := config.DefaultConfig()
	if configFile != "" {
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			return exitUsage
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitUsage
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitUsage
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create directories: %v\n", err)
		return exitFailed
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "chronostat-materialize")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return exitFailed
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target := cfg.Store.Path
	if cfg.Store.Driver == string(store.DialectPostgres) {
		target = cfg.Store.DSN
	}
	st, err := store.Open(cfg.Store.Driver, target, store.Options{
		MaxOpenConns: cfg.Store.MaxOpenConns,
		Logger:       logger.Named("store"),
	})
	if err != nil {
		logger.Error("failed to open event store", zap.Error(err))
		return exitFailed
	}
	defer st.Close()

	earliest, _ := cfg.Query.Earliest()
	mat := materializer.New(st, materializer.Config{EarliestEventDate: earliest}, logger.Named("materializer"), nil)

	var objects storage.ObjectStorage
	if cfg.Archive.Enabled {
		objects, err = app.OpenObjectStorage(ctx, cfg.Archive.Storage)
		if err != nil {
			logger.Error("failed to open archive storage", zap.Error(err))
			return exitFailed
		}
		mat.OnCommitted(archive.New(st, objects, logger.Named("archive")).OnCommitted)
	}

	report, err := mat.Materialize(ctx, req)
	if report != nil {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
	if report == nil && err != nil {
		logger.Error("materialization rejected", zap.Error(err))
		return exitUsage
	}

	// Servers sharing a Redis cache tier must not keep serving older series
	if cfg.Cache.Redis && len(report.Committed) > 0 {
		invalidateSharedCache(ctx, cfg, logger)
	}

	code := exitOK
	if err != nil {
		logger.Error("materialization incomplete",
			zap.Int("committed", len(report.Committed)),
			zap.Int("failed", len(report.Failed)),
			zap.Int("skipped", len(report.Skipped)),
			zap.Error(err))
		code = exitFailed
	}

	if verifyArchive {
		if objects == nil {
			logger.Error("verify-archive requires archive.enabled")
			return exitUsage
		}
		if !verify(ctx, st, objects, report.Committed, logger) {
			code = exitFailed
		}
	}
	return code
}

// parseRange parses the -start and -end flags.
func parseRange(start, end string) (types.CalculationRequest, error) {
	s, err := types.ParseDate(start)
	if err != nil {
		return types.CalculationRequest{}, fmt.Errorf("-start: %w", err)
	}
	e, err := types.ParseDate(end)
	if err != nil {
		return types.CalculationRequest{}, fmt.Errorf("-end: %w", err)
	}
	return types.CalculationRequest{StartInclusive: s, EndExclusive: e}, nil
}

func invalidateSharedCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	if err := cache.NewRedis(client, "", cfg.Cache.TTL, logger).InvalidateAll(ctx); err != nil {
		logger.Warn("failed to invalidate the shared cache; entries expire with their TTL", zap.Error(err))
		return
	}
	logger.Info("shared cache invalidated")
}

// verify checks that each archived snapshot holds as many resources as the
// store reports for that date.
func verify(ctx context.Context, st store.Store, objects storage.ObjectStorage, dates []types.Date, logger *zap.Logger) bool {
	snapshots, failures, err := archive.NewReader(objects, 8).Load(ctx, dates)
	if err != nil {
		logger.Error("failed to load archived snapshots", zap.Error(err))
		return false
	}

	ok := true
	for date, err := range failures {
		logger.Error("archived snapshot unreadable", zap.String("date", date.String()), zap.Error(err))
		ok = false
	}
	for date, archived := range snapshots {
		state, err := st.StateAt(ctx, date, true)
		if err != nil {
			logger.Error("failed to read snapshot state", zap.String("date", date.String()), zap.Error(err))
			ok = false
			continue
		}
		if len(state) != len(archived) {
			logger.Error("archived snapshot differs from store",
				zap.String("date", date.String()),
				zap.Int("archived", len(archived)),
				zap.Int("stored", len(state)))
			ok = false
		}
	}
	if ok {
		logger.Info("archive verified", zap.Int("dates", len(dates)))
	}
	return ok
}

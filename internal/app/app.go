// Package app provides the application lifecycle for chronostat: it builds the
// shared resources once and starts the API and worker components selected by
// the configured mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	grpcapi "github.com/chronostat/chronostat/internal/api/grpc"
	httpapi "github.com/chronostat/chronostat/internal/api/http"
	"github.com/chronostat/chronostat/internal/archive"
	"github.com/chronostat/chronostat/internal/cache"
	"github.com/chronostat/chronostat/internal/config"
	"github.com/chronostat/chronostat/internal/ingest"
	"github.com/chronostat/chronostat/internal/materializer"
	"github.com/chronostat/chronostat/internal/observability"
	"github.com/chronostat/chronostat/internal/scheduler"
	"github.com/chronostat/chronostat/internal/server"
	"github.com/chronostat/chronostat/internal/service"
	"github.com/chronostat/chronostat/internal/storage"
	"github.com/chronostat/chronostat/internal/store"
	"github.com/chronostat/chronostat/internal/timeseries"
	"github.com/chronostat/chronostat/internal/validation"
	"github.com/chronostat/chronostat/pkg/types"
)

// App manages all chronostat component lifecycles.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Shared resources
	store        *store.SQLStore
	redis        *redis.Client
	cache        cache.Cache
	stats        *observability.QueryStats
	materializer *materializer.Materializer
	service      *service.Service
	shutdown     *server.ShutdownManager

	// Components
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	scheduler    *scheduler.Daemon
	consumer     *ingest.StreamConsumer

	// Lifecycle
	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	failed   chan struct{}
	failOnce sync.Once
	failErr  error
}

// New validates cfg and creates an App. logger may be nil.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &App{
		cfg:    cfg,
		logger: logger,
		failed: make(chan struct{}),
	}, nil
}

// Start initializes shared resources and starts all configured components.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig(), a.logger.Named("shutdown"))

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.group, runCtx = errgroup.WithContext(runCtx)

	if err := a.initSharedResources(ctx); err != nil {
		a.abort()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.ShouldRunAPI() {
		if err := a.startHTTP(); err != nil {
			a.abort()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		if a.cfg.GRPC.Enabled {
			if err := a.startGRPC(); err != nil {
				a.abort()
				return fmt.Errorf("failed to start gRPC server: %w", err)
			}
		}
	}

	if a.cfg.ShouldRunWorker() {
		if a.cfg.Scheduler.Enabled {
			if err := a.startScheduler(runCtx); err != nil {
				a.abort()
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
		}
		if a.cfg.Ingest.Enabled {
			if err := a.startConsumer(runCtx); err != nil {
				a.abort()
				return fmt.Errorf("failed to start stream consumer: %w", err)
			}
		}
	}

	a.logger.Info("chronostat started",
		zap.String("mode", string(a.cfg.Mode)),
		zap.String("store", a.cfg.Store.Driver))
	return nil
}

// initSharedResources opens the store and caches and wires the service graph.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	target := a.cfg.Store.Path
	if a.cfg.Store.Driver == string(store.DialectPostgres) {
		target = a.cfg.Store.DSN
	}
	a.store, err = store.Open(a.cfg.Store.Driver, target, store.Options{
		MaxOpenConns: a.cfg.Store.MaxOpenConns,
		Logger:       a.logger.Named("store"),
	})
	if err != nil {
		return err
	}
	a.shutdown.RegisterCloser("store", a.store)
	a.logger.Info("event store opened", zap.String("driver", a.cfg.Store.Driver))

	if a.needsRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.shutdown.RegisterCloser("redis", a.redis)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Redis.Addr, err)
		}
	}

	lru := cache.NewLRU(cache.LRUConfig{
		MaxEntries:    a.cfg.Cache.MaxEntries,
		Shards:        a.cfg.Cache.Shards,
		TTL:           a.cfg.Cache.TTL,
		SweepInterval: a.cfg.Cache.SweepInterval,
	})
	a.shutdown.RegisterCloser("cache", server.CloserFunc(func() error {
		lru.Close()
		return nil
	}))
	a.cache = lru
	if a.cfg.Cache.Redis {
		shared := cache.NewRedis(a.redis, "", a.cfg.Cache.TTL, a.logger.Named("cache"))
		a.cache = cache.NewTiered(lru, shared)
		a.logger.Info("shared cache tier enabled", zap.String("redis", a.cfg.Redis.Addr))
	}

	earliest, err := a.cfg.Query.Earliest()
	if err != nil {
		return err
	}

	a.stats = observability.NewQueryStats(24 * time.Hour)
	validator := validation.New(validation.Config{StrictAlignment: a.cfg.Query.StrictAlignment})
	aggregator := timeseries.New(a.store, a.cache, a.cfg.Cache.TTL, a.stats, a.logger.Named("timeseries"))
	a.materializer = materializer.New(a.store, materializer.Config{EarliestEventDate: earliest},
		a.logger.Named("materializer"), a.stats)

	// Newly committed snapshots change existing series
	a.materializer.OnCommitted(func(ctx context.Context, date types.Date) {
		if err := aggregator.InvalidateCache(ctx); err != nil {
			a.logger.Warn("failed to invalidate time series cache",
				zap.String("date", date.String()),
				zap.Error(err))
		}
	})

	if a.cfg.Archive.Enabled {
		objects, err := OpenObjectStorage(ctx, a.cfg.Archive.Storage)
		if err != nil {
			return err
		}
		a.materializer.OnCommitted(archive.New(a.store, objects, a.logger.Named("archive")).OnCommitted)
		a.logger.Info("snapshot archival enabled", zap.String("storage", a.cfg.Archive.Storage.Type))
	}

	a.service = service.New(service.Options{
		Store:        a.store,
		Validator:    validator,
		Aggregator:   aggregator,
		Materializer: a.materializer,
		Stats:        a.stats,
		Logger:       a.logger.Named("service"),
	})
	return nil
}

func (a *App) needsRedis() bool {
	return a.cfg.Cache.Redis || (a.cfg.ShouldRunWorker() && a.cfg.Ingest.Enabled)
}

// OpenObjectStorage opens the object storage holding archived snapshots.
func OpenObjectStorage(ctx context.Context, sc config.StorageConfig) (storage.ObjectStorage, error) {
	switch sc.Type {
	case "local":
		return storage.NewLocalStorage(sc.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		s3Cfg.Namespace = sc.S3.Namespace
		if sc.S3.Region != "" {
			s3Cfg.Region = sc.S3.Region
		}
		if sc.S3.Endpoint != "" {
			s3Cfg.Endpoint = sc.S3.Endpoint
			s3Cfg.UsePathStyle = true
		}
		return storage.NewS3Storage(ctx, sc.S3.Bucket, s3Cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sc.Type)
	}
}

// startHTTP binds the HTTP listener and serves the router.
func (a *App) startHTTP() error {
	handler := httpapi.NewRouter(httpapi.NewHandler(a.service), a.cfg.Admin.Token, a.logger.Named("http"))

	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.httpListener = lis
	a.httpServer = &http.Server{
		Handler:      server.ShutdownMiddleware(a.shutdown)(handler),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser("http", server.HTTPServerCloser{Server: a.httpServer})

	a.group.Go(func() error {
		a.logger.Info("HTTP server listening", zap.String("addr", lis.Addr().String()))
		if err := a.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return a.fail(fmt.Errorf("http server: %w", err))
		}
		return nil
	})
	return nil
}

// startGRPC binds the gRPC listener and serves the statistics service.
func (a *App) startGRPC() error {
	srv, health := grpcapi.NewGRPCServer(a.service, a.logger.Named("grpc"), server.UnaryShutdownInterceptor(a.shutdown))

	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address %s: %w", a.cfg.GRPC.Addr, err)
	}
	a.grpcServer = srv
	a.grpcListener = lis
	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		health.Shutdown()
		srv.GracefulStop()
		return nil
	}))

	a.group.Go(func() error {
		a.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return a.fail(fmt.Errorf("grpc server: %w", err))
		}
		return nil
	})
	return nil
}

// startScheduler starts the daily materialization daemon.
func (a *App) startScheduler(ctx context.Context) error {
	hour, minute, err := a.cfg.Scheduler.ParseRunAt()
	if err != nil {
		return err
	}
	a.scheduler = scheduler.NewDaemon(scheduler.Config{Hour: hour, Minute: minute},
		a.service, a.logger.Named("scheduler"))
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	a.shutdown.RegisterCloser("scheduler", server.CloserFunc(a.scheduler.Stop))
	return nil
}

// startConsumer creates the consumer group and starts reading the event stream.
func (a *App) startConsumer(ctx context.Context) error {
	a.consumer = ingest.NewStreamConsumer(a.redis, a.service, ingest.ConsumerConfig{
		Stream:        a.cfg.Ingest.Stream,
		Group:         a.cfg.Ingest.Group,
		Consumer:      a.cfg.Ingest.Consumer,
		BatchSize:     a.cfg.Ingest.BatchSize,
		RetryInterval: a.cfg.Ingest.RetryInterval,
	}, a.logger.Named("ingest"))
	if err := a.consumer.EnsureGroup(ctx); err != nil {
		return err
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.shutdown.RegisterCloser("ingest", server.CloserFunc(func() error {
		cancel()
		<-done
		return nil
	}))

	a.group.Go(func() error {
		defer close(done)
		if err := a.consumer.Run(consumerCtx); err != nil {
			return a.fail(fmt.Errorf("stream consumer: %w", err))
		}
		return nil
	})
	return nil
}

// fail records the first component failure and returns err.
func (a *App) fail(err error) error {
	a.failOnce.Do(func() {
		a.failErr = err
		a.logger.Error("component failed", zap.Error(err))
		close(a.failed)
	})
	return err
}

// abort releases whatever Start managed to open.
func (a *App) abort() {
	if err := a.shutdown.Shutdown(context.Background(), "start failed"); err != nil {
		a.logger.Warn("cleanup after failed start", zap.Error(err))
	}
	a.cancel()
	_ = a.group.Wait()

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// Stop drains in-flight requests, stops every component and closes shared
// resources in reverse order of creation.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.logger.Info("initiating graceful shutdown")

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.cancel()
	if werr := a.group.Wait(); werr != nil && err == nil {
		err = werr
	}

	a.logger.Info("chronostat stopped")
	return err
}

// WaitForShutdown blocks until a signal arrives, ctx is cancelled or a
// component fails, then stops the app. A component failure is returned.
func (a *App) WaitForShutdown(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.failed:
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownErr := a.shutdown.ListenForSignals(ctx)
	stopErr := a.Stop(context.Background())

	select {
	case <-a.failed:
		return a.failErr
	default:
	}
	if shutdownErr != nil {
		return shutdownErr
	}
	return stopErr
}

// Service returns the statistics service.
func (a *App) Service() *service.Service {
	return a.service
}

// Materializer returns the snapshot materializer.
func (a *App) Materializer() *materializer.Materializer {
	return a.materializer
}

// HTTPAddr returns the bound HTTP address, or "" when the API is not running.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is not running.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

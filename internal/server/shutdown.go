// Package server drains API traffic and releases chronostat's resources in
// order when the process stops.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	staterrors "github.com/chronostat/chronostat/internal/errors"
)

// ShutdownConfig bounds how long a shutdown may take.
type ShutdownConfig struct {
	// ShutdownTimeout caps the whole shutdown, draining included.
	ShutdownTimeout time.Duration

	// DrainTimeout caps the wait for in-flight HTTP and gRPC requests.
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns 30s overall and 15s for draining.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// ShutdownManager stops chronostat once. It rejects new API requests, waits
// for the ones in flight, then closes the registered resources in reverse
// registration order: servers first, the event store last.
type ShutdownManager struct {
	cfg    ShutdownConfig
	logger *zap.Logger

	once     sync.Once
	done     chan struct{}
	stopping atomic.Bool
	inFlight atomic.Int64

	mu      sync.Mutex
	closers []namedCloser
	onStart []func()
	onEnd   []func()
}

// NewShutdownManager creates a manager. Zero timeouts take the defaults.
func NewShutdownManager(cfg ShutdownConfig, logger *zap.Logger) *ShutdownManager {
	def := DefaultShutdownConfig()
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownManager{cfg: cfg, logger: logger, done: make(chan struct{})}
}

// RegisterCloser adds a resource to close on shutdown.
func (sm *ShutdownManager) RegisterCloser(name string, closer io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, closer: closer})
}

// OnShutdownStart registers fn to run before draining.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStart = append(sm.onStart, fn)
}

// OnShutdownEnd registers fn to run after every resource is closed.
func (sm *ShutdownManager) OnShutdownEnd(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onEnd = append(sm.onEnd, fn)
}

// ListenForSignals blocks until SIGTERM or SIGINT, ctx cancellation, or a
// shutdown started elsewhere. The first two trigger Shutdown.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), "received signal: "+sig.String())
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.done:
		return nil
	}
}

// Shutdown drains requests and closes every resource. Every closer runs even
// if an earlier one fails; the first failure is returned. Later calls return nil.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var result error
	sm.once.Do(func() {
		sm.logger.Info("shutting down",
			zap.String("reason", reason),
			zap.Int64("in_flight", sm.inFlight.Load()))
		sm.stopping.Store(true)
		close(sm.done)

		sm.mu.Lock()
		onStart, closers, onEnd := sm.onStart, sm.closers, sm.onEnd
		sm.mu.Unlock()

		for _, fn := range onStart {
			fn()
		}

		ctx, cancel := context.WithTimeout(ctx, sm.cfg.ShutdownTimeout)
		defer cancel()
		if err := sm.drain(ctx); err != nil {
			sm.logger.Warn("requests still running after drain timeout", zap.Error(err))
			result = fmt.Errorf("drain failed: %w", err)
		}

		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.closer.Close(); err != nil {
				sm.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
				if result == nil {
					result = fmt.Errorf("close %s: %w", c.name, err)
				}
				continue
			}
			sm.logger.Debug("closed", zap.String("resource", c.name))
		}

		for _, fn := range onEnd {
			fn()
		}
		sm.logger.Info("shutdown complete")
	})
	return result
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.cfg.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for sm.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			if n := sm.inFlight.Load(); n > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", n)
			}
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// TrackRequest counts a request as in flight. It returns false once shutdown
// has begun, and the request must then be rejected.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.stopping.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// UntrackRequest ends a request counted by TrackRequest.
func (sm *ShutdownManager) UntrackRequest() {
	sm.inFlight.Add(-1)
}

// IsShuttingDown reports whether Shutdown has been called.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.stopping.Load()
}

// InFlightCount returns the number of tracked requests.
func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.done
}

// HTTPServerCloser shuts an http.Server down gracefully within Timeout
// (10s when unset).
type HTTPServerCloser struct {
	Server  *http.Server
	Timeout time.Duration
}

// Close implements io.Closer.
func (c HTTPServerCloser) Close() error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Server.Shutdown(ctx)
}

// shutdownBody matches the API's error response shape.
type shutdownBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const shuttingDown = "service is shutting down"

// ShutdownMiddleware tracks HTTP requests and answers 503 STORE_UNAVAILABLE
// once shutdown has begun.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(shutdownBody{Error: shuttingDown, Code: staterrors.CodeStoreUnavailable})
				return
			}
			defer sm.UntrackRequest()
			next.ServeHTTP(w, r)
		})
	}
}

// UnaryShutdownInterceptor is the gRPC counterpart of ShutdownMiddleware:
// calls arriving after shutdown began fail with codes.Unavailable.
func UnaryShutdownInterceptor(sm *ShutdownManager) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !sm.TrackRequest() {
			return nil, status.Error(codes.Unavailable, shuttingDown)
		}
		defer sm.UntrackRequest()
		return handler(ctx, req)
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}

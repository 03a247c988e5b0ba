package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"store", "cache", "http"} {
		name := name
		sm.RegisterCloser(name, CloserFunc(func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}))
	}

	var started, ended bool
	sm.OnShutdownStart(func() { started = true })
	sm.OnShutdownEnd(func() { ended = true })

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, []string{"http", "cache", "store"}, order)
	assert.True(t, started)
	assert.True(t, ended)
	assert.True(t, sm.IsShuttingDown())

	// A second call is a no-op
	require.NoError(t, sm.Shutdown(context.Background(), "again"))
	assert.Len(t, order, 3)
}

func TestShutdown_ReportsFirstCloseError(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	closed := false
	sm.RegisterCloser("store", CloserFunc(func() error {
		closed = true
		return nil
	}))
	sm.RegisterCloser("redis", CloserFunc(func() error { return errors.New("boom") }))

	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
	assert.True(t, closed, "later closers still run after a failure")
}

func TestShutdown_DrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{ShutdownTimeout: time.Second, DrainTimeout: 100 * time.Millisecond}, nil)
	require.True(t, sm.TrackRequest())

	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 in-flight")
}

func TestShutdownMiddleware(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)

	release := make(chan struct{})
	entered := make(chan struct{})
	handler := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		done <- rec.Code
	}()
	<-entered
	assert.Equal(t, int64(1), sm.InFlightCount())

	shutdownErr := make(chan error)
	go func() { shutdownErr <- sm.Shutdown(context.Background(), "test") }()

	// New requests are rejected once shutdown begins
	<-sm.ShutdownCh()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"service is shutting down","code":"STORE_UNAVAILABLE"}`, rec.Body.String())

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
	require.NoError(t, <-shutdownErr)
	assert.Equal(t, int64(0), sm.InFlightCount())
}

func TestUnaryShutdownInterceptor(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	intercept := UnaryShutdownInterceptor(sm)
	info := &grpc.UnaryServerInfo{FullMethod: "/chronostat.v1.Statistics/TimeSeries"}

	var during int64
	resp, err := intercept(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		during = sm.InFlightCount()
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, int64(1), during)
	assert.Equal(t, int64(0), sm.InFlightCount())

	require.NoError(t, sm.Shutdown(context.Background(), "test"))

	called := false
	_, err = intercept(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.False(t, called)
}

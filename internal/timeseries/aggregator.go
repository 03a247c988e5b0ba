// Package timeseries answers counting queries over materialized snapshots.
package timeseries

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronostat/chronostat/internal/cache"
	"github.com/chronostat/chronostat/internal/observability"
	"github.com/chronostat/chronostat/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SnapshotCounter is the part of the event store the aggregator reads.
type SnapshotCounter interface {
	CountSnapshots(ctx context.Context, dates []types.Date, filters types.FilterSet) ([]types.TimeSeriesPoint, error)
}

// Boundaries returns the bucket dates of q: start, then one step at a time
// until end, including end when it lies on the grid. Month steps are anchored
// on start and clamped to the month's last day.
func Boundaries(start, end types.Date, interval types.Interval) []types.Date {
	var dates []types.Date
	for k := 0; ; k++ {
		d := interval.Step(start, k)
		if d.After(end) {
			break
		}
		dates = append(dates, d)
	}
	return dates
}

// Aggregator evaluates validated queries against the snapshot index with a
// cache in front. Concurrent identical misses share one store round trip.
type Aggregator struct {
	store  SnapshotCounter
	cache  cache.Cache
	ttl    time.Duration
	stats  *observability.QueryStats
	logger *zap.Logger
	group  singleflight.Group

	// generation advances on every invalidation; results computed under an
	// older generation are returned but not cached. putMu orders the
	// generation check and cache.Put against an invalidation.
	generation atomic.Uint64
	putMu      sync.RWMutex
}

// New creates an aggregator. c and stats may be nil.
func New(store SnapshotCounter, c cache.Cache, ttl time.Duration, stats *observability.QueryStats, logger *zap.Logger) *Aggregator {
	if c == nil {
		c = cache.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:  store,
		cache:  c,
		ttl:    ttl,
		stats:  stats,
		logger: logger,
	}
}

// Query returns one point per materialized boundary date, ascending.
// Counts are non-removed resources matching every filter at that date.
func (a *Aggregator) Query(ctx context.Context, q types.ValidatedQuery) ([]types.TimeSeriesPoint, error) {
	start := time.Now()
	key := cache.KeyFor(q)

	if points, ok := a.cache.Get(ctx, key); ok {
		a.record(q, true, start)
		return points, nil
	}

	gen := a.generation.Load()
	flight := strconv.FormatUint(gen, 10) + ":" + key

	// The shared computation must not inherit the cancellation of whichever
	// caller happened to start it.
	detached := context.WithoutCancel(ctx)
	ch := a.group.DoChan(flight, func() (interface{}, error) {
		points, err := a.store.CountSnapshots(detached, Boundaries(q.Start, q.End, q.Interval), q.Filters)
		if err != nil {
			return nil, err
		}
		a.putIfCurrent(detached, gen, key, points)
		return points, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	v, shared := res.Val, res.Shared

	if shared {
		a.logger.Debug("time series query shared an in-flight computation", zap.String("key", key))
	}
	a.record(q, false, start)

	// Each caller gets its own slice
	points := v.([]types.TimeSeriesPoint)
	out := make([]types.TimeSeriesPoint, len(points))
	copy(out, points)
	return out, nil
}

// putIfCurrent caches points unless an invalidation happened after gen was read.
func (a *Aggregator) putIfCurrent(ctx context.Context, gen uint64, key string, points []types.TimeSeriesPoint) {
	a.putMu.RLock()
	defer a.putMu.RUnlock()
	if a.generation.Load() == gen {
		a.cache.Put(ctx, key, points, a.ttl)
	}
}

// InvalidateCache drops every cached result.
func (a *Aggregator) InvalidateCache(ctx context.Context) error {
	a.putMu.Lock()
	a.generation.Add(1)
	a.putMu.Unlock()
	return a.cache.InvalidateAll(ctx)
}

// CacheStats returns the cache metrics.
func (a *Aggregator) CacheStats() cache.Stats {
	return a.cache.Stats()
}

func (a *Aggregator) record(q types.ValidatedQuery, hit bool, start time.Time) {
	if a.stats != nil {
		a.stats.RecordQuery(q, hit, time.Since(start))
	}
}

package timeseries

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chronostat/chronostat/internal/cache"
	staterrors "github.com/chronostat/chronostat/internal/errors"
	"github.com/chronostat/chronostat/internal/materializer"
	"github.com/chronostat/chronostat/internal/observability"
	"github.com/chronostat/chronostat/internal/store"
	"github.com/chronostat/chronostat/internal/validation"
	"github.com/chronostat/chronostat/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var clock = func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) }

func d(s string) types.Date { return types.MustParseDate(s) }

func point(date string, count int) types.TimeSeriesPoint {
	return types.TimeSeriesPoint{Date: d(date), Count: count}
}

func TestBoundaries(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		interval   types.Interval
		want       []string
	}{
		{"daily", "2024-01-01", "2024-01-03", types.IntervalDay, []string{"2024-01-01", "2024-01-02", "2024-01-03"}},
		{"weekly end off grid", "2024-01-01", "2024-01-20", types.IntervalWeek, []string{"2024-01-01", "2024-01-08", "2024-01-15"}},
		{"monthly", "2024-01-01", "2024-04-01", types.IntervalMonth, []string{"2024-01-01", "2024-02-01", "2024-03-01", "2024-04-01"}},
		{"monthly clamped", "2024-01-31", "2024-04-30", types.IntervalMonth, []string{"2024-01-31", "2024-02-29", "2024-03-31", "2024-04-30"}},
		{"single date", "2024-01-01", "2024-01-01", types.IntervalDay, []string{"2024-01-01"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Boundaries(d(tt.start), d(tt.end), tt.interval)
			want := make([]types.Date, len(tt.want))
			for i, s := range tt.want {
				want[i] = d(s)
			}
			assert.Equal(t, want, got)
		})
	}
}

// countingStore counts calls and can block until released.
type countingStore struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
	points  []types.TimeSeriesPoint
	onCall  func()
}

func (s *countingStore) CountSnapshots(ctx context.Context, dates []types.Date, filters types.FilterSet) ([]types.TimeSeriesPoint, error) {
	s.calls.Add(1)
	if s.onCall != nil {
		s.onCall()
	}
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.points, nil
}

func monthlyQuery() types.ValidatedQuery {
	return types.ValidatedQuery{Start: d("2024-01-01"), End: d("2024-03-01"), Interval: types.IntervalMonth}
}

func TestQuery_CacheAside(t *testing.T) {
	fs := &countingStore{points: []types.TimeSeriesPoint{point("2024-01-01", 3)}}
	stats := observability.NewQueryStats(time.Hour)
	agg := New(fs, cache.NewLRU(cache.LRUConfig{MaxEntries: 10}), time.Hour, stats, zap.NewNop())
	ctx := context.Background()

	first, err := agg.Query(ctx, monthlyQuery())
	require.NoError(t, err)
	second, err := agg.Query(ctx, monthlyQuery())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), fs.calls.Load())

	snap := stats.Snapshot()
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)

	require.NoError(t, agg.InvalidateCache(ctx))
	_, err = agg.Query(ctx, monthlyQuery())
	require.NoError(t, err)
	assert.Equal(t, int32(2), fs.calls.Load())
}

func TestQuery_ConcurrentMissesCollapse(t *testing.T) {
	fs := &countingStore{release: make(chan struct{}), points: []types.TimeSeriesPoint{point("2024-01-01", 1)}}
	agg := New(fs, cache.NewLRU(cache.LRUConfig{MaxEntries: 10}), time.Hour, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			points, err := agg.Query(context.Background(), monthlyQuery())
			assert.NoError(t, err)
			assert.Len(t, points, 1)
		}()
	}

	require.Eventually(t, func() bool { return fs.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fs.release)
	wg.Wait()

	assert.Equal(t, int32(1), fs.calls.Load())
}

func TestQuery_InvalidationDuringComputeIsNotCached(t *testing.T) {
	c := cache.NewLRU(cache.LRUConfig{MaxEntries: 10})
	fs := &countingStore{points: []types.TimeSeriesPoint{point("2024-01-01", 1)}}
	agg := New(fs, c, time.Hour, nil, nil)
	fs.onCall = func() { _ = agg.InvalidateCache(context.Background()) }

	_, err := agg.Query(context.Background(), monthlyQuery())
	require.NoError(t, err)

	_, ok := c.Get(context.Background(), cache.KeyFor(monthlyQuery()))
	assert.False(t, ok)
}

func TestQuery_CancelledCallerDoesNotFailSharedQuery(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	fs := ctxStore{calls: &calls, release: release, points: []types.TimeSeriesPoint{point("2024-01-01", 2)}}
	agg := New(fs, cache.NewLRU(cache.LRUConfig{MaxEntries: 10}), time.Hour, nil, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := agg.Query(ctxA, monthlyQuery())
		errA <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		points []types.TimeSeriesPoint
		err    error
	}
	resB := make(chan result, 1)
	go func() {
		points, err := agg.Query(context.Background(), monthlyQuery())
		resB <- result{points, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, []types.TimeSeriesPoint{point("2024-01-01", 2)}, b.points)
	assert.Equal(t, int32(1), calls.Load())
}

// ctxStore blocks until released and fails if its context ends first.
type ctxStore struct {
	calls   *atomic.Int32
	release chan struct{}
	points  []types.TimeSeriesPoint
}

func (s ctxStore) CountSnapshots(ctx context.Context, dates []types.Date, filters types.FilterSet) ([]types.TimeSeriesPoint, error) {
	s.calls.Add(1)
	select {
	case <-s.release:
		return s.points, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// slowPutCache starts an invalidation while a Put is under way.
type slowPutCache struct {
	cache.Cache
	agg         *Aggregator
	invalidated chan struct{}
}

func (c *slowPutCache) Put(ctx context.Context, key string, points []types.TimeSeriesPoint, ttl time.Duration) {
	go func() {
		_ = c.agg.InvalidateCache(context.Background())
		close(c.invalidated)
	}()
	time.Sleep(20 * time.Millisecond)
	c.Cache.Put(ctx, key, points, ttl)
}

func TestQuery_InvalidationDuringPutIsNotLost(t *testing.T) {
	lru := cache.NewLRU(cache.LRUConfig{MaxEntries: 10})
	c := &slowPutCache{Cache: lru, invalidated: make(chan struct{})}
	fs := &countingStore{points: []types.TimeSeriesPoint{point("2024-01-01", 1)}}
	agg := New(fs, c, time.Hour, nil, nil)
	c.agg = agg

	_, err := agg.Query(context.Background(), monthlyQuery())
	require.NoError(t, err)
	<-c.invalidated

	_, ok := lru.Get(context.Background(), cache.KeyFor(monthlyQuery()))
	assert.False(t, ok)
}

func TestQuery_StoreErrorNotCached(t *testing.T) {
	fs := &countingStore{err: staterrors.NewStoreError("down", errors.New("connection refused"))}
	c := cache.NewLRU(cache.LRUConfig{MaxEntries: 10})
	agg := New(fs, c, time.Hour, nil, nil)

	_, err := agg.Query(context.Background(), monthlyQuery())
	require.Error(t, err)
	assert.Equal(t, staterrors.CodeStoreUnavailable, staterrors.GetCode(err))
	assert.Equal(t, 0, c.Len())
}

// pipeline wires a real store, materializer, validator and aggregator.
type pipeline struct {
	store *store.SQLStore
	mat   *materializer.Materializer
	val   *validation.Validator
	agg   *Aggregator
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "events.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	agg := New(s, cache.NewLRU(cache.LRUConfig{MaxEntries: 100}), time.Hour, nil, nil)
	mat := materializer.New(s, materializer.Config{Now: clock}, nil, nil)
	mat.OnCommitted(func(ctx context.Context, _ types.Date) { _ = agg.InvalidateCache(ctx) })

	return &pipeline{
		store: s,
		mat:   mat,
		val:   validation.New(validation.Config{Now: clock}),
		agg:   agg,
	}
}

func (p *pipeline) storeEvents(t *testing.T, events ...types.ResourceEvent) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, p.store.StoreEvent(context.Background(), e))
	}
}

func (p *pipeline) materialize(t *testing.T, start, end string) {
	t.Helper()
	_, err := p.mat.Materialize(context.Background(), types.CalculationRequest{StartInclusive: d(start), EndExclusive: d(end)})
	require.NoError(t, err)
}

func (p *pipeline) query(t *testing.T, q types.TimeSeriesQuery) []types.TimeSeriesPoint {
	t.Helper()
	vq, err := p.val.Validate(q)
	require.NoError(t, err)
	points, err := p.agg.Query(context.Background(), vq)
	require.NoError(t, err)
	return points
}

func at(date string) int64 { return d(date).StartMillis() }

func TestEndToEnd_SingleConcept(t *testing.T) {
	p := newPipeline(t)
	p.storeEvents(t, types.NewResourceEvent("A", at("2024-01-09"), types.ResourceConcept))
	p.materialize(t, "2024-01-01", "2024-02-02")

	points := p.query(t, types.TimeSeriesQuery{Start: "2024-01-01", End: "2024-02-01", Interval: types.IntervalMonth})
	assert.Equal(t, []types.TimeSeriesPoint{point("2024-01-01", 0), point("2024-02-01", 1)}, points)
}

// The half-open range [2024-01-01, 2024-02-01) never snapshots 2024-02-01,
// and A does not exist yet on 2024-01-01. A snapshot counts events strictly
// before its date, so A first appears on 2024-01-10.
func TestEndToEnd_SingleConceptHalfOpenRange(t *testing.T) {
	p := newPipeline(t)
	p.storeEvents(t, types.NewResourceEvent("A", at("2024-01-09"), types.ResourceConcept))
	p.materialize(t, "2024-01-01", "2024-02-01")

	points := p.query(t, types.TimeSeriesQuery{Start: "2024-01-01", End: "2024-02-01", Interval: types.IntervalMonth})
	assert.Equal(t, []types.TimeSeriesPoint{point("2024-01-01", 0)}, points)

	daily := p.query(t, types.TimeSeriesQuery{Start: "2024-01-08", End: "2024-01-10", Interval: types.IntervalDay})
	assert.Equal(t, []types.TimeSeriesPoint{point("2024-01-08", 0), point("2024-01-09", 0), point("2024-01-10", 1)}, daily)
}

func TestEndToEnd_RemovedResourceExcluded(t *testing.T) {
	p := newPipeline(t)
	p.storeEvents(t,
		types.NewResourceEvent("A", at("2024-01-03"), types.ResourceDataset),
		types.NewTombstone("A", at("2024-01-06"), types.ResourceDataset),
		types.NewResourceEvent("B", at("2024-01-04"), types.ResourceDataset),
	)
	p.materialize(t, "2024-01-01", "2024-01-11")

	points := p.query(t, types.TimeSeriesQuery{Start: "2024-01-03", End: "2024-01-10", Interval: types.IntervalDay})
	counts := make([]int, len(points))
	for i, pt := range points {
		counts[i] = pt.Count
	}
	// 01-03: none yet, 01-04: A, 01-05..06: A and B, 01-07 onwards: only B
	assert.Equal(t, []int{0, 1, 2, 2, 1, 1, 1, 1}, counts)
}

func TestEndToEnd_OrgPathFilter(t *testing.T) {
	p := newPipeline(t)
	p.storeEvents(t,
		types.NewResourceEvent("A", at("2024-01-02"), types.ResourceDataset).WithOrgPath("/STAT/972417858"),
		types.NewResourceEvent("B", at("2024-01-02"), types.ResourceDataset).WithOrgPath("/PRIVAT/910244132"),
	)
	p.materialize(t, "2024-01-01", "2024-02-02")

	q := types.TimeSeriesQuery{
		Start:    "2024-01-01",
		End:      "2024-02-01",
		Interval: types.IntervalMonth,
		Filters:  &types.TimeSeriesFilters{OrgPath: &types.SearchFilter[string]{Value: "^/STAT"}},
	}
	points := p.query(t, q)
	assert.Equal(t, []types.TimeSeriesPoint{point("2024-01-01", 0), point("2024-02-01", 1)}, points)
}

func TestEndToEnd_MaterializationInvalidatesCache(t *testing.T) {
	p := newPipeline(t)
	p.storeEvents(t, types.NewResourceEvent("A", at("2024-01-09"), types.ResourceConcept))
	p.materialize(t, "2024-01-01", "2024-01-02")

	q := types.TimeSeriesQuery{Start: "2024-01-01", End: "2024-02-01", Interval: types.IntervalMonth}
	assert.Equal(t, []types.TimeSeriesPoint{point("2024-01-01", 0)}, p.query(t, q))

	p.materialize(t, "2024-02-01", "2024-02-02")
	assert.Equal(t, []types.TimeSeriesPoint{point("2024-01-01", 0), point("2024-02-01", 1)}, p.query(t, q))
}

func TestEndToEnd_CreationsOnlyAreMonotonic(t *testing.T) {
	p := newPipeline(t)
	for i, day := range []string{"2024-01-02", "2024-01-02", "2024-01-05", "2024-01-09", "2024-01-20"} {
		p.storeEvents(t, types.NewResourceEvent(string(rune('A'+i)), at(day)+int64(i), types.ResourceService))
	}
	p.materialize(t, "2024-01-01", "2024-01-31")

	points := p.query(t, types.TimeSeriesQuery{Start: "2024-01-01", End: "2024-01-30", Interval: types.IntervalDay})
	require.Len(t, points, 30)
	for i := 1; i < len(points); i++ {
		assert.GreaterOrEqual(t, points[i].Count, points[i-1].Count, "count dropped at %s", points[i].Date)
	}
	assert.Equal(t, 5, points[len(points)-1].Count)
}

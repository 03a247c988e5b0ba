// Package cache holds time series results keyed by their canonical query.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/chronostat/chronostat/pkg/types"
)

// DefaultTTL bounds how stale a cached series may become when invalidation is missed.
const DefaultTTL = 24 * time.Hour

// DefaultMaxEntries is the default in-memory entry bound.
const DefaultMaxEntries = 10000

// Cache stores time series results. Implementations are safe for concurrent use.
// Get never fails: backend errors are reported as misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]types.TimeSeriesPoint, bool)

	// Put stores points under key. A non-positive ttl selects the cache default.
	Put(ctx context.Context, key string, points []types.TimeSeriesPoint, ttl time.Duration)

	// InvalidateAll drops every entry.
	InvalidateAll(ctx context.Context) error

	Stats() Stats
}

// Metrics holds cache statistics for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Entries   atomic.Int64
}

// Stats is a copy of the metrics at one point in time.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int64 `json:"entries"`
}

// HitRate returns the hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Hits:      m.Hits.Load(),
		Misses:    m.Misses.Load(),
		Evictions: m.Evictions.Load(),
		Entries:   m.Entries.Load(),
	}
}

func copyPoints(points []types.TimeSeriesPoint) []types.TimeSeriesPoint {
	out := make([]types.TimeSeriesPoint, len(points))
	copy(out, points)
	return out
}

// Nop is a cache that never holds anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]types.TimeSeriesPoint, bool)         { return nil, false }
func (Nop) Put(context.Context, string, []types.TimeSeriesPoint, time.Duration) {}
func (Nop) InvalidateAll(context.Context) error                                 { return nil }
func (Nop) Stats() Stats                                                        { return Stats{} }

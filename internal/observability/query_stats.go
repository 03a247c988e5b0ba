// Package observability tracks time series usage and materialization statistics.
package observability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronostat/chronostat/pkg/types"
)

// QueryStats tracks how the time series API is used: which filters and
// intervals are requested, how often the cache answers, and how materialization runs go.
type QueryStats struct {
	mu           sync.RWMutex
	filterFreq   map[types.FilterKind]*UsageStats
	intervalFreq map[types.Interval]*UsageStats
	errorFreq    map[string]int64
	window       time.Duration

	queries      atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	latencyNanos atomic.Int64

	materializedDates atomic.Int64
	failedDates       atomic.Int64
	lastMaterialized  atomic.Int64 // unix millis
}

// UsageStats holds statistics for a filter kind or interval.
type UsageStats struct {
	Name      string           `json:"name"`
	Frequency int64            `json:"frequency"`
	LastSeen  time.Time        `json:"lastSeen"`
	Values    map[string]int64 `json:"values,omitempty"` // rendered predicate → count
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Queries           int64            `json:"queries"`
	CacheHits         int64            `json:"cacheHits"`
	CacheMisses       int64            `json:"cacheMisses"`
	AvgLatencyMillis  float64          `json:"avgLatencyMillis"`
	Filters           []UsageStats     `json:"filters"`
	Intervals         []UsageStats     `json:"intervals"`
	Errors            map[string]int64 `json:"errors"`
	MaterializedDates int64            `json:"materializedDates"`
	FailedDates       int64            `json:"failedDates"`
	LastMaterialized  *time.Time       `json:"lastMaterialized,omitempty"`
}

// NewQueryStats creates a new statistics tracker.
// window: time duration for pruning idle usage entries (e.g., 24 hours)
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		filterFreq:   make(map[types.FilterKind]*UsageStats),
		intervalFreq: make(map[types.Interval]*UsageStats),
		errorFreq:    make(map[string]int64),
		window:       window,
	}
}

// RecordQuery records one answered time series query.
// This method is thread-safe.
func (q *QueryStats) RecordQuery(query types.ValidatedQuery, cacheHit bool, latency time.Duration) {
	q.queries.Add(1)
	q.latencyNanos.Add(int64(latency))
	if cacheHit {
		q.cacheHits.Add(1)
	} else {
		q.cacheMisses.Add(1)
	}

	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	touch(q.intervalFreq, query.Interval, string(query.Interval), "", now)
	for _, p := range query.Filters {
		touch(q.filterFreq, p.Kind, string(p.Kind), p.String(), now)
	}
}

func touch[K comparable](m map[K]*UsageStats, key K, name, value string, now time.Time) {
	stats, exists := m[key]
	if !exists {
		stats = &UsageStats{Name: name, Values: make(map[string]int64)}
		m[key] = stats
	}
	stats.Frequency++
	stats.LastSeen = now
	if value != "" {
		stats.Values[value]++
	}
}

// RecordError records a failed request by error code.
func (q *QueryStats) RecordError(code string) {
	if code == "" {
		code = "UNKNOWN"
	}
	q.mu.Lock()
	q.errorFreq[code]++
	q.mu.Unlock()
}

// RecordMaterialization records the outcome of one materialization run.
func (q *QueryStats) RecordMaterialization(committed, failed int) {
	q.materializedDates.Add(int64(committed))
	q.failedDates.Add(int64(failed))
	if committed > 0 {
		q.lastMaterialized.Store(time.Now().UnixMilli())
	}
}

// GetTopFilters returns the top N filter kinds by frequency.
// Returns a copy of the stats sorted by frequency (descending).
func (q *QueryStats) GetTopFilters(n int) []UsageStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return topN(q.filterFreq, n)
}

// GetTopIntervals returns the top N intervals by frequency.
func (q *QueryStats) GetTopIntervals(n int) []UsageStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return topN(q.intervalFreq, n)
}

func topN[K comparable](m map[K]*UsageStats, n int) []UsageStats {
	if n <= 0 || len(m) == 0 {
		return []UsageStats{}
	}

	stats := make([]UsageStats, 0, len(m))
	for _, s := range m {
		// Deep copy so callers cannot mutate the live maps
		cp := UsageStats{
			Name:      s.Name,
			Frequency: s.Frequency,
			LastSeen:  s.LastSeen,
			Values:    make(map[string]int64, len(s.Values)),
		}
		for v, count := range s.Values {
			cp.Values[v] = count
		}
		stats = append(stats, cp)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Name < stats[j].Name
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Snapshot returns a copy of every counter.
func (q *QueryStats) Snapshot() Snapshot {
	s := Snapshot{
		Queries:           q.queries.Load(),
		CacheHits:         q.cacheHits.Load(),
		CacheMisses:       q.cacheMisses.Load(),
		Filters:           q.GetTopFilters(3),
		Intervals:         q.GetTopIntervals(3),
		MaterializedDates: q.materializedDates.Load(),
		FailedDates:       q.failedDates.Load(),
	}
	if s.Queries > 0 {
		s.AvgLatencyMillis = float64(q.latencyNanos.Load()) / float64(s.Queries) / float64(time.Millisecond)
	}
	if ms := q.lastMaterialized.Load(); ms > 0 {
		t := time.UnixMilli(ms).UTC()
		s.LastMaterialized = &t
	}

	q.mu.RLock()
	s.Errors = make(map[string]int64, len(q.errorFreq))
	for code, n := range q.errorFreq {
		s.Errors[code] = n
	}
	q.mu.RUnlock()

	return s
}

// Prune removes usage entries where time.Since(LastSeen) > window.
// This should be called periodically (e.g., every hour).
func (q *QueryStats) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := time.Now().Add(-q.window)

	for kind, stats := range q.filterFreq {
		if stats.LastSeen.Before(threshold) {
			delete(q.filterFreq, kind)
		}
	}
	for interval, stats := range q.intervalFreq {
		if stats.LastSeen.Before(threshold) {
			delete(q.intervalFreq, interval)
		}
	}
}

package cache

import (
	"context"
	"time"

	"github.com/chronostat/chronostat/pkg/types"
)

// Tiered reads the local LRU first and falls back to a shared tier.
// Shared hits are promoted into the LRU.
type Tiered struct {
	l1 *LRU
	l2 Cache
}

// NewTiered combines a local and a shared cache.
func NewTiered(l1 *LRU, l2 Cache) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

// Get implements Cache.
func (t *Tiered) Get(ctx context.Context, key string) ([]types.TimeSeriesPoint, bool) {
	if points, ok := t.l1.Get(ctx, key); ok {
		return points, true
	}
	points, ok := t.l2.Get(ctx, key)
	if !ok {
		return nil, false
	}
	t.l1.Put(ctx, key, points, 0)
	return points, true
}

// Put implements Cache by writing both tiers.
func (t *Tiered) Put(ctx context.Context, key string, points []types.TimeSeriesPoint, ttl time.Duration) {
	t.l1.Put(ctx, key, points, ttl)
	t.l2.Put(ctx, key, points, ttl)
}

// InvalidateAll implements Cache. The local tier is always cleared, even when
// the shared tier fails.
func (t *Tiered) InvalidateAll(ctx context.Context) error {
	_ = t.l1.InvalidateAll(ctx)
	return t.l2.InvalidateAll(ctx)
}

// Stats implements Cache. Hits are answers from either tier; misses are
// lookups neither tier could answer.
func (t *Tiered) Stats() Stats {
	s1, s2 := t.l1.Stats(), t.l2.Stats()
	return Stats{
		Hits:      s1.Hits + s2.Hits,
		Misses:    s2.Misses,
		Evictions: s1.Evictions,
		Entries:   s1.Entries,
	}
}

// Close stops the local tier's sweeper.
func (t *Tiered) Close() {
	t.l1.Close()
}

var _ Cache = (*Tiered)(nil)

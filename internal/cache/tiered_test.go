package cache

import (
	"context"
	"testing"

	"github.com/chronostat/chronostat/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTiered_PromotesSharedHits(t *testing.T) {
	l1 := NewLRU(LRUConfig{MaxEntries: 10})
	l2, _ := newTestRedis(t)
	tiered := NewTiered(l1, l2)
	ctx := context.Background()

	// Written by another instance: only in the shared tier
	l2.Put(ctx, "q", series(7), 0)

	got, ok := tiered.Get(ctx, "q")
	require.True(t, ok)
	assert.Equal(t, series(7), got)

	local, ok := l1.Get(ctx, "q")
	require.True(t, ok)
	assert.Equal(t, series(7), local)
}

func TestTiered_PutAndInvalidate(t *testing.T) {
	l1 := NewLRU(LRUConfig{MaxEntries: 10})
	l2, _ := newTestRedis(t)
	tiered := NewTiered(l1, l2)
	ctx := context.Background()

	tiered.Put(ctx, "q", series(1, 2), 0)
	_, ok := l1.Get(ctx, "q")
	assert.True(t, ok)
	_, ok = l2.Get(ctx, "q")
	assert.True(t, ok)

	require.NoError(t, tiered.InvalidateAll(ctx))
	_, ok = tiered.Get(ctx, "q")
	assert.False(t, ok)
}

func TestTiered_SharedOutageFallsBackToLocal(t *testing.T) {
	l1 := NewLRU(LRUConfig{MaxEntries: 10})
	l2, mr := newTestRedis(t)
	tiered := NewTiered(l1, l2)
	ctx := context.Background()

	tiered.Put(ctx, "q", series(1), 0)
	mr.Close()

	_, ok := tiered.Get(ctx, "q")
	assert.True(t, ok)
	_, ok = tiered.Get(ctx, "other")
	assert.False(t, ok)

	// Local tier is cleared even though the shared tier is down
	assert.Error(t, tiered.InvalidateAll(ctx))
	assert.Equal(t, 0, l1.Len())
}

func TestKeyFor(t *testing.T) {
	q := types.ValidatedQuery{
		Start:    types.MustParseDate("2024-01-01"),
		End:      types.MustParseDate("2024-06-01"),
		Interval: types.IntervalMonth,
	}
	same := q
	assert.Equal(t, KeyFor(q), KeyFor(same))

	filtered := q
	filtered.Filters = types.FilterSet{{Kind: types.FilterTransport, Transport: false}}
	assert.NotEqual(t, KeyFor(q), KeyFor(filtered))

	weekly := q
	weekly.Interval = types.IntervalWeek
	assert.NotEqual(t, KeyFor(q), KeyFor(weekly))

	assert.Len(t, KeyFor(q), 36)
}

func TestStatsHitRate(t *testing.T) {
	assert.Equal(t, float64(0), Stats{}.HitRate())
	assert.Equal(t, float64(75), Stats{Hits: 3, Misses: 1}.HitRate())
}

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/chronostat/chronostat/pkg/types"
	"github.com/spaolacci/murmur3"
)

// LRUConfig configures an in-memory LRU cache.
type LRUConfig struct {
	MaxEntries int
	Shards     int
	TTL        time.Duration

	// SweepInterval enables a background goroutine that drops expired
	// entries. Zero disables it; expiry is then checked on access only.
	SweepInterval time.Duration

	Now func() time.Time
}

// LRU is a sharded in-memory cache with least-recently-used eviction and
// per-entry expiry. Each shard has its own lock and an equal share of MaxEntries.
type LRU struct {
	shards  []*lruShard
	ttl     time.Duration
	now     func() time.Time
	metrics Metrics

	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type lruShard struct {
	mu       sync.Mutex
	capacity int

	// items maps key → list element (whose value is *lruEntry)
	items map[string]*list.Element
	order *list.List // front = most recently used
}

type lruEntry struct {
	key       string
	points    []types.TimeSeriesPoint
	expiresAt time.Time
}

// NewLRU creates an LRU cache and starts its sweeper when configured.
func NewLRU(cfg LRUConfig) *LRU {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.Shards > cfg.MaxEntries {
		cfg.Shards = cfg.MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	perShard := (cfg.MaxEntries + cfg.Shards - 1) / cfg.Shards
	c := &LRU{
		shards:   make([]*lruShard, cfg.Shards),
		ttl:      cfg.TTL,
		now:      cfg.Now,
		stopChan: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &lruShard{
			capacity: perShard,
			items:    make(map[string]*list.Element),
			order:    list.New(),
		}
	}

	if cfg.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepWorker(cfg.SweepInterval)
	}
	return c
}

func (c *LRU) shardFor(key string) *lruShard {
	return c.shards[murmur3.Sum32([]byte(key))%uint32(len(c.shards))]
}

// Get returns the cached points for key. On hit, the entry is promoted to
// most-recently-used; an expired entry is removed and reported as a miss.
func (c *LRU) Get(_ context.Context, key string) ([]types.TimeSeriesPoint, bool) {
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		c.metrics.Misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*lruEntry)
	if !now.Before(entry.expiresAt) {
		c.removeLocked(s, elem)
		c.metrics.Misses.Add(1)
		return nil, false
	}

	s.order.MoveToFront(elem)
	c.metrics.Hits.Add(1)
	return copyPoints(entry.points), true
}

// Put stores points under key, evicting least-recently-used entries of the
// shard when it is full.
func (c *LRU) Put(_ context.Context, key string, points []types.TimeSeriesPoint, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	s := c.shardFor(key)
	expiresAt := c.now().Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	// If already cached, update and promote
	if elem, ok := s.items[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.points = copyPoints(points)
		entry.expiresAt = expiresAt
		s.order.MoveToFront(elem)
		return
	}

	elem := s.order.PushFront(&lruEntry{key: key, points: copyPoints(points), expiresAt: expiresAt})
	s.items[key] = elem
	c.metrics.Entries.Add(1)

	for s.order.Len() > s.capacity {
		c.removeLocked(s, s.order.Back())
		c.metrics.Evictions.Add(1)
	}
}

// InvalidateAll drops every entry.
func (c *LRU) InvalidateAll(_ context.Context) error {
	for _, s := range c.shards {
		s.mu.Lock()
		c.metrics.Entries.Add(-int64(len(s.items)))
		s.items = make(map[string]*list.Element)
		s.order.Init()
		s.mu.Unlock()
	}
	return nil
}

// Len returns the number of cached entries, expired ones included until swept.
func (c *LRU) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Stats returns current cache metrics.
func (c *LRU) Stats() Stats {
	return c.metrics.snapshot()
}

// Close stops the sweeper. The cache stays usable.
func (c *LRU) Close() {
	c.closeOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
}

// removeLocked removes an element from its shard.
// Caller must hold s.mu.
func (c *LRU) removeLocked(s *lruShard, elem *list.Element) {
	entry := elem.Value.(*lruEntry)
	s.order.Remove(elem)
	delete(s.items, entry.key)
	c.metrics.Entries.Add(-1)
}

func (c *LRU) sweepWorker(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes expired entries from every shard and returns how many it removed.
func (c *LRU) sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for elem := s.order.Back(); elem != nil; {
			prev := elem.Prev()
			if !now.Before(elem.Value.(*lruEntry).expiresAt) {
				c.removeLocked(s, elem)
				removed++
			}
			elem = prev
		}
		s.mu.Unlock()
	}
	return removed
}

var _ Cache = (*LRU)(nil)

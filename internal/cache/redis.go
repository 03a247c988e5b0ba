package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chronostat/chronostat/pkg/types"
	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"go.uber.org/zap"
)

// DefaultRedisPrefix namespaces cache keys in a shared Redis.
const DefaultRedisPrefix = "chronostat:ts"

// Redis is a cache tier shared by every instance. Values are JSON encoded and
// snappy compressed. Keys embed a generation number; InvalidateAll bumps it so
// older entries become unreachable and expire on their own TTL.
type Redis struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	logger  *zap.Logger
	metrics Metrics
}

// NewRedis creates a Redis cache tier. An empty prefix selects DefaultRedisPrefix.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (r *Redis) generationKey() string {
	return r.prefix + ":gen"
}

func (r *Redis) generation(ctx context.Context) (int64, error) {
	val, err := r.client.Get(ctx, r.generationKey()).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

func (r *Redis) entryKey(gen int64, key string) string {
	return fmt.Sprintf("%s:%d:%s", r.prefix, gen, key)
}

// Get implements Cache. Redis failures are logged and reported as misses.
func (r *Redis) Get(ctx context.Context, key string) ([]types.TimeSeriesPoint, bool) {
	gen, err := r.generation(ctx)
	if err != nil {
		r.miss("read generation", err)
		return nil, false
	}

	raw, err := r.client.Get(ctx, r.entryKey(gen, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.miss("read entry", err)
		} else {
			r.metrics.Misses.Add(1)
		}
		return nil, false
	}

	points, err := decodePoints(raw)
	if err != nil {
		r.miss("decode entry", err)
		return nil, false
	}

	r.metrics.Hits.Add(1)
	return points, true
}

// Put implements Cache. Failures are logged; the result simply is not cached.
func (r *Redis) Put(ctx context.Context, key string, points []types.TimeSeriesPoint, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.ttl
	}

	gen, err := r.generation(ctx)
	if err != nil {
		r.logger.Warn("redis cache put skipped", zap.String("step", "read generation"), zap.Error(err))
		return
	}

	raw, err := encodePoints(points)
	if err != nil {
		r.logger.Warn("redis cache put skipped", zap.String("step", "encode"), zap.Error(err))
		return
	}

	if err := r.client.Set(ctx, r.entryKey(gen, key), raw, ttl).Err(); err != nil {
		r.logger.Warn("redis cache put failed", zap.Error(err))
		return
	}
	r.metrics.Entries.Add(1)
}

// InvalidateAll implements Cache by moving every instance to a new generation.
func (r *Redis) InvalidateAll(ctx context.Context) error {
	if err := r.client.Incr(ctx, r.generationKey()).Err(); err != nil {
		return fmt.Errorf("cache: failed to bump redis generation: %w", err)
	}
	r.metrics.Entries.Store(0)
	return nil
}

// Stats implements Cache. Entries counts puts by this instance since the last
// invalidation.
func (r *Redis) Stats() Stats {
	return r.metrics.snapshot()
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) miss(step string, err error) {
	r.metrics.Misses.Add(1)
	r.logger.Warn("redis cache read failed, treating as miss",
		zap.String("step", step),
		zap.Error(err))
}

func encodePoints(points []types.TimeSeriesPoint) ([]byte, error) {
	if points == nil {
		points = []types.TimeSeriesPoint{}
	}
	raw, err := json.Marshal(points)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodePoints(data []byte) ([]types.TimeSeriesPoint, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("cache: corrupt snappy block: %w", err)
	}
	var points []types.TimeSeriesPoint
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, err
	}
	if points == nil {
		return nil, errors.New("cache: entry is not a point list")
	}
	return points, nil
}

var _ Cache = (*Redis)(nil)

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chronostat/chronostat/pkg/types"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// MessageField is the stream entry field holding the JSON envelope.
const MessageField = "data"

// EventSink receives decoded events.
type EventSink interface {
	StoreEvent(ctx context.Context, event types.ResourceEvent) error
}

// ConsumerConfig configures a StreamConsumer.
type ConsumerConfig struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64

	// Block is how long one read waits for new entries. Negative means
	// return immediately.
	Block time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RetryInterval is the minimum wait between re-reads of entries whose
	// store failed.
	RetryInterval time.Duration
}

// ConsumerStats counts handled stream entries.
type ConsumerStats struct {
	Stored   int64 `json:"stored"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
}

// StreamConsumer reads lifecycle envelopes from a Redis stream through a
// consumer group. Entries are acknowledged once stored. Entries whose store
// failed stay pending and are read again every RetryInterval until stored.
type StreamConsumer struct {
	client *redis.Client
	sink   EventSink
	cfg    ConsumerConfig
	logger *zap.Logger

	stored   atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64

	// hasPending is set when a store failure left an entry pending.
	hasPending atomic.Bool
}

// NewStreamConsumer creates a consumer.
func NewStreamConsumer(client *redis.Client, sink EventSink, cfg ConsumerConfig, logger *zap.Logger) *StreamConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamConsumer{client: client, sink: sink, cfg: cfg, logger: logger}
}

// EnsureGroup creates the consumer group, and the stream if missing.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", c.cfg.Group, c.cfg.Stream, err)
	}
	return nil
}

// Run consumes until ctx is cancelled. Entries left pending by an earlier run
// are replayed first. Read errors back off exponentially.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	c.logger.Info("stream consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("group", c.cfg.Group),
		zap.String("consumer", c.cfg.Consumer))

	c.retryPending(ctx)
	lastRetry := time.Now()

	backoff := c.cfg.InitialBackoff
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stream consumer stopped")
			return nil
		default:
		}

		if c.hasPending.Load() && time.Since(lastRetry) >= c.cfg.RetryInterval {
			c.retryPending(ctx)
			lastRetry = time.Now()
		}

		if _, err := c.ConsumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to read from stream",
				zap.String("stream", c.cfg.Stream),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}
		backoff = c.cfg.InitialBackoff
	}
}

// ConsumeOnce reads one batch of new entries and returns how many were stored.
func (c *StreamConsumer) ConsumeOnce(ctx context.Context) (int, error) {
	msgs, err := c.read(ctx, ">", c.cfg.Block)
	if err != nil {
		return 0, err
	}
	return c.handleAll(ctx, msgs), nil
}

// ReplayPending walks this consumer's whole pending list once, a batch at a
// time, and returns how many entries were stored. Entries that fail again
// stay pending.
func (c *StreamConsumer) ReplayPending(ctx context.Context) (int, error) {
	c.hasPending.Store(false)

	stored := 0
	cursor := "0"
	for {
		msgs, err := c.read(ctx, cursor, -1)
		if err != nil {
			c.hasPending.Store(true)
			return stored, err
		}
		if len(msgs) == 0 {
			return stored, nil
		}
		stored += c.handleAll(ctx, msgs)
		cursor = msgs[len(msgs)-1].ID
	}
}

func (c *StreamConsumer) retryPending(ctx context.Context) {
	n, err := c.ReplayPending(ctx)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("failed to replay pending entries", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Info("replayed pending entries", zap.Int("stored", n))
	}
}

// read fetches one batch starting after id: ">" for new entries, otherwise
// this consumer's pending entries with a larger id.
func (c *StreamConsumer) read(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, id},
		Count:    c.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []redis.XMessage
	for _, stream := range streams {
		msgs = append(msgs, stream.Messages...)
	}
	return msgs, nil
}

func (c *StreamConsumer) handleAll(ctx context.Context, msgs []redis.XMessage) int {
	stored := 0
	for _, msg := range msgs {
		if c.handle(ctx, msg) {
			stored++
		}
	}
	return stored
}

// handle stores one entry and reports whether it was stored. Undecodable
// entries are acknowledged and dropped since no retry can fix them.
func (c *StreamConsumer) handle(ctx context.Context, msg redis.XMessage) bool {
	event, err := decodeEntry(msg.Values)
	if err != nil {
		c.rejected.Add(1)
		c.logger.Warn("dropping undecodable stream entry",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		c.ack(ctx, msg.ID)
		return false
	}

	if err := c.sink.StoreEvent(ctx, event); err != nil {
		c.failed.Add(1)
		c.hasPending.Store(true)
		c.logger.Error("failed to store event",
			zap.String("message_id", msg.ID),
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return false
	}

	c.stored.Add(1)
	c.ack(ctx, msg.ID)
	return true
}

func (c *StreamConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Warn("failed to ack stream entry", zap.String("message_id", id), zap.Error(err))
	}
}

// Stats returns the entry counters.
func (c *StreamConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Stored:   c.stored.Load(),
		Rejected: c.rejected.Load(),
		Failed:   c.failed.Load(),
	}
}

func decodeEntry(values map[string]interface{}) (types.ResourceEvent, error) {
	raw, ok := values[MessageField]
	if !ok {
		return types.ResourceEvent{}, fmt.Errorf("entry has no %q field", MessageField)
	}
	s, ok := raw.(string)
	if !ok {
		return types.ResourceEvent{}, fmt.Errorf("field %q is %T, want string", MessageField, raw)
	}
	return DecodeMessage([]byte(s))
}

// Publish appends env to stream as a consumer-readable entry.
func Publish(ctx context.Context, client *redis.Client, stream string, env Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{MessageField: string(data)},
	}).Result()
}

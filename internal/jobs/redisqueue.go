package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStream is the Redis stream job messages flow through.
	DefaultStream = "overlay:jobs"
	// DefaultGroup is the consumer group the pipeline reads as.
	DefaultGroup = "overlay-consumers"
)

// RedisQueue is the default queue driver: a Redis stream read through a
// consumer group. Receipts are stream entry IDs; Delete acks and trims them.
type RedisQueue struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

// RedisQueueOption configures a RedisQueue.
type RedisQueueOption func(*RedisQueue)

func WithStream(stream, group string) RedisQueueOption {
	return func(q *RedisQueue) { q.stream, q.group = stream, group }
}

func WithConsumerName(name string) RedisQueueOption {
	return func(q *RedisQueue) { q.consumer = name }
}

// WithBlock sets how long ReceiveBatch waits for messages.
func WithBlock(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) { q.block = d }
}

// NewRedisQueue creates the stream and consumer group if they do not exist.
func NewRedisQueue(ctx context.Context, rdb *redis.Client, opts ...RedisQueueOption) (*RedisQueue, error) {
	q := &RedisQueue{
		rdb:      rdb,
		stream:   DefaultStream,
		group:    DefaultGroup,
		consumer: "consumer-1",
		block:    20 * time.Second,
	}
	for _, f := range opts {
		f(q)
	}
	err := rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s on %s: %w", q.group, q.stream, err)
	}
	return q, nil
}

// Publish appends a job message to the stream.
func (q *RedisQueue) Publish(ctx context.Context, body []byte) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"body": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", q.stream, err)
	}
	return nil
}

func (q *RedisQueue) ReceiveBatch(ctx context.Context, max int) ([]ReceivedMessage, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", q.stream, err)
	}

	var out []ReceivedMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			body, _ := m.Values["body"].(string)
			out = append(out, ReceivedMessage{ID: m.ID, Body: []byte(body)})
		}
	}
	return out, nil
}

func (q *RedisQueue) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := q.rdb.Pipeline()
	pipe.XAck(ctx, q.stream, q.group, ids...)
	pipe.XDel(ctx, q.stream, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", q.stream, err)
	}
	return nil
}

package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oceanbits/overlay-engine/internal/core/observability"
)

const (
	// DefaultBatchSize is how many messages one cycle pulls from the queue.
	DefaultBatchSize = 10
	// DefaultErrorBackoff is the pause after a failed receive before the
	// loop tries again.
	DefaultErrorBackoff = 5 * time.Second
)

// Consumer drains the job queue and applies lifecycle messages to the store.
// Failures are isolated per job: one bad message never stalls the batch, and
// every received message is deleted whether or not its patch applied, so the
// queue cannot wedge on a poison message.
type Consumer struct {
	log       *slog.Logger
	queue     Queue
	store     Store
	batchSize int
	backoff   time.Duration
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

func WithConsumerLogger(log *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.log = log }
}

func WithBatchSize(n int) ConsumerOption {
	return func(c *Consumer) { c.batchSize = n }
}

func WithErrorBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.backoff = d }
}

func NewConsumer(queue Queue, store Store, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		log:       slog.Default(),
		queue:     queue,
		store:     store,
		batchSize: DefaultBatchSize,
		backoff:   DefaultErrorBackoff,
	}
	for _, f := range opts {
		f(c)
	}
	return c
}

// Run consumes until ctx is cancelled. Receive errors are logged and
// retried after the backoff; Run only returns the ctx error.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := c.queue.ReceiveBatch(ctx, c.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("receive job messages", "err", err)
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		c.processBatch(ctx, msgs)
	}
}

func (c *Consumer) processBatch(ctx context.Context, received []ReceivedMessage) {
	start := time.Now()
	defer func() { observability.ObserveConsumerBatch(time.Since(start).Seconds()) }()

	parsed := make([]Message, 0, len(received))
	for _, rm := range received {
		m, err := ParseMessage(rm.Body)
		if err != nil {
			c.log.Warn("malformed job message dropped", "receipt", rm.ID, "err", err)
			observability.AddJobMessage("unknown", "malformed")
			continue
		}
		parsed = append(parsed, *m)
	}

	for jobKey, m := range Consolidate(parsed) {
		_, applied, err := c.store.Apply(ctx, jobKey, PatchForMessage(m))
		switch {
		case errors.Is(err, ErrJobNotFound):
			c.log.Warn("message for unknown job dropped", "job_key", jobKey, "type", m.Type)
			observability.AddJobMessage(string(m.Type), "orphan")
		case err != nil:
			c.log.Error("apply job message", "job_key", jobKey, "type", m.Type, "err", err)
			observability.AddJobMessage(string(m.Type), "error")
		case applied:
			observability.AddJobMessage(string(m.Type), "applied")
		default:
			// guard miss: stale or replayed message, already accounted for
			observability.AddJobMessage(string(m.Type), "skipped")
		}
	}

	ids := make([]string, len(received))
	for i, rm := range received {
		ids[i] = rm.ID
	}
	if err := c.queue.Delete(ctx, ids...); err != nil {
		// redelivery is safe: patches are guarded and idempotent
		c.log.Error("delete job messages", "count", len(ids), "err", err)
	}
}

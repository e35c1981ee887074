package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaQueue adapts a Kafka consumer group to the pull-based Queue contract
// for deployments already running Kafka. Receipts map to offsets; Delete
// marks them consumed, so redelivery after a crash is at-least-once just
// like the Redis driver.
type KafkaQueue struct {
	log      *slog.Logger
	group    sarama.ConsumerGroup
	producer sarama.SyncProducer
	topic    string
	block    time.Duration

	incoming chan kafkaReceipt
	mu       sync.Mutex
	pending  map[string]kafkaReceipt

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type kafkaReceipt struct {
	sess sarama.ConsumerGroupSession
	msg  *sarama.ConsumerMessage
}

// KafkaQueueOption configures a KafkaQueue.
type KafkaQueueOption func(*KafkaQueue)

func WithKafkaLogger(log *slog.Logger) KafkaQueueOption {
	return func(q *KafkaQueue) { q.log = log }
}

func WithKafkaBlock(d time.Duration) KafkaQueueOption {
	return func(q *KafkaQueue) { q.block = d }
}

// NewKafkaQueue joins the consumer group and starts reading topic.
func NewKafkaQueue(brokers []string, topic, groupID string, opts ...KafkaQueueOption) (*KafkaQueue, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	cfg.Producer.Return.Successes = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("join consumer group %s: %w", groupID, err)
	}
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		_ = group.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	q := &KafkaQueue{
		log:      slog.Default(),
		group:    group,
		producer: producer,
		topic:    topic,
		block:    20 * time.Second,
		incoming: make(chan kafkaReceipt, 64),
		pending:  make(map[string]kafkaReceipt),
	}
	for _, f := range opts {
		f(q)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			// Consume returns on rebalance; re-join until shut down.
			if err := q.group.Consume(ctx, []string{topic}, (*kafkaHandler)(q)); err != nil {
				q.log.Error("kafka consume", "topic", topic, "err", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return q, nil
}

// Publish sends a job message to the topic.
func (q *KafkaQueue) Publish(ctx context.Context, body []byte) error {
	_, _, err := q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: q.topic,
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", q.topic, err)
	}
	return nil
}

// kafkaDrainGrace is how long ReceiveBatch keeps draining once the first
// message has arrived. The long poll is only for an empty topic; a partial
// batch must not sit out the full block interval.
const kafkaDrainGrace = 25 * time.Millisecond

func (q *KafkaQueue) ReceiveBatch(ctx context.Context, max int) ([]ReceivedMessage, error) {
	timer := time.NewTimer(q.block)
	defer timer.Stop()

	var out []ReceivedMessage
	for len(out) < max {
		select {
		case r := <-q.incoming:
			id := fmt.Sprintf("%s/%d/%d", r.msg.Topic, r.msg.Partition, r.msg.Offset)
			q.mu.Lock()
			q.pending[id] = r
			q.mu.Unlock()
			out = append(out, ReceivedMessage{ID: id, Body: r.msg.Value})
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(kafkaDrainGrace)
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (q *KafkaQueue) Delete(_ context.Context, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if r, ok := q.pending[id]; ok {
			r.sess.MarkMessage(r.msg, "")
			delete(q.pending, id)
		}
	}
	return nil
}

// Close leaves the consumer group and stops the producer.
func (q *KafkaQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	perr := q.producer.Close()
	if err := q.group.Close(); err != nil {
		return err
	}
	return perr
}

// kafkaHandler feeds claimed messages into the queue's channel.
type kafkaHandler KafkaQueue

func (h *kafkaHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *kafkaHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *kafkaHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.incoming <- kafkaReceipt{sess: sess, msg: msg}:
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

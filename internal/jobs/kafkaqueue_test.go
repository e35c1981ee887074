package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

func testKafkaQueue(block time.Duration) *KafkaQueue {
	return &KafkaQueue{
		log:      slog.Default(),
		block:    block,
		incoming: make(chan kafkaReceipt, 8),
		pending:  make(map[string]kafkaReceipt),
	}
}

func claimedMessage(offset int64, body string) kafkaReceipt {
	return kafkaReceipt{msg: &sarama.ConsumerMessage{
		Topic:     "overlay-jobs",
		Partition: 0,
		Offset:    offset,
		Value:     []byte(body),
	}}
}

func TestKafkaReceiveBatch_PartialBatchReturnsEarly(t *testing.T) {
	q := testKafkaQueue(10 * time.Second)
	q.incoming <- claimedMessage(1, `{"type":"begin","jobKey":"a"}`)
	q.incoming <- claimedMessage(2, `{"type":"begin","jobKey":"b"}`)

	start := time.Now()
	msgs, err := q.ReceiveBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("partial batch waited %v, want a prompt return", elapsed)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].ID == msgs[1].ID {
		t.Fatalf("receipts share id %s", msgs[0].ID)
	}
}

func TestKafkaReceiveBatch_FullBatchSkipsGrace(t *testing.T) {
	q := testKafkaQueue(10 * time.Second)
	for i := range 3 {
		q.incoming <- claimedMessage(int64(i), fmt.Sprintf(`{"type":"progress","jobKey":"j","progress":%d}`, i))
	}

	msgs, err := q.ReceiveBatch(context.Background(), 3)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
}

func TestKafkaReceiveBatch_EmptyTopicWaitsOutBlock(t *testing.T) {
	q := testKafkaQueue(30 * time.Millisecond)

	start := time.Now()
	msgs, err := q.ReceiveBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %d, want 0", len(msgs))
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("empty poll returned after %v, before the block elapsed", elapsed)
	}
}

func TestKafkaReceiveBatch_CancelledContext(t *testing.T) {
	q := testKafkaQueue(10 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.ReceiveBatch(ctx, 10); err == nil {
		t.Fatal("cancelled receive returned nil error")
	}
}

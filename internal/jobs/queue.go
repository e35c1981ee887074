package jobs

import "context"

// ReceivedMessage is a raw queue message with the receipt needed to delete
// it after processing.
type ReceivedMessage struct {
	// ID is the driver-specific receipt.
	ID   string
	Body []byte
}

// Queue is the consumer-side contract of a job message queue.
type Queue interface {
	// ReceiveBatch blocks briefly for up to max messages. An empty slice
	// with nil error means the wait timed out with nothing to do.
	ReceiveBatch(ctx context.Context, max int) ([]ReceivedMessage, error)
	// Delete acknowledges processed messages by receipt. Deleting an
	// already-deleted receipt is a no-op.
	Delete(ctx context.Context, ids ...string) error
}

// Publisher is the producer-side contract, implemented by queue drivers that
// also publish.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

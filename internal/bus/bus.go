// Package bus defines the message bus abstraction the control plane
// and scraper workers communicate over: four durable queues carrying
// JSON envelopes with at-least-once delivery and manual
// acknowledgement. Concrete adapters (internal/bus/pubsub,
// internal/bus/memory) back it with GCP Pub/Sub or an in-process
// implementation for tests.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Consume once Close has run on
// the adapter.
var ErrClosed = errors.New("bus: closed")

// Queue names. Every adapter must expose exactly these four queues;
// producers and consumers address them by name rather than by a
// typed enum so new queues can be added without touching the
// interface.
const (
	QueueScrapeRequests = "scrape.requests"
	QueueScrapeStarted  = "scrape.started"
	QueueScrapeResults  = "scrape.results"
	QueueScrapeFailures = "scrape.failures"
)

// Delivery wraps one received message with the manual ack/nack
// handle the consumer must resolve before the underlying transport's
// redelivery timer fires.
type Delivery struct {
	// Body is the raw JSON envelope payload.
	Body []byte

	// Ack confirms successful processing, removing the message from
	// the queue for good.
	Ack func()

	// Nack rejects the message. With requeue true it is returned to
	// the queue for redelivery; with requeue false both adapters drop
	// it (the Pub/Sub adapter acks it) so it is not delivered again.
	Nack func(requeue bool)
}

// Handler processes one Delivery. Returning an error from Handler is
// the caller's signal to the consume loop that delivery should be
// nacked; Consume itself never inspects Handler's return value for
// anything but that.
type Handler func(ctx context.Context, d Delivery) error

// Bus is the message bus abstraction. Publish returns only once the
// adapter has accepted the message (the Pub/Sub adapter waits for the
// broker's publish result) and reports any failure; Consume blocks, invoking handler for each delivery
// with prefetch effectively 1 — a consumer is never handed a second
// message before it resolves the first.
type Bus interface {
	// Publish sends body to queue. Adapters must not require the
	// queue to already have a subscriber; messages persist until
	// consumed.
	Publish(ctx context.Context, queue string, body []byte) error

	// Consume blocks, delivering messages from queue to handler one
	// at a time until ctx is cancelled. It returns ctx.Err() on
	// cancellation and any unrecoverable transport error otherwise.
	Consume(ctx context.Context, queue string, handler Handler) error

	// Close releases adapter resources (client connections, open
	// channels). Consume calls in flight should return once Close is
	// called.
	Close() error
}

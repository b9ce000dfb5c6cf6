// Package pubsub backs bus.Bus with Google Cloud Pub/Sub. Each of the
// four queue names is provisioned as its own topic with a single
// subscription of the same name; MaxOutstandingMessages is pinned to
// 1 per consumer so a worker is never handed a second delivery before
// resolving the first.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	"github.com/jake-fetch/urlfetch/internal/bus"
	"github.com/jake-fetch/urlfetch/internal/logging"
	"go.uber.org/zap"
)

// Config names the project and an optional prefix applied to every
// topic/subscription name, so a single project can host multiple
// environments without collision.
type Config struct {
	ProjectID string
	Prefix    string
}

// Bus is a Google Cloud Pub/Sub-backed bus.Bus.
type Bus struct {
	client *pubsub.Client
	prefix string

	mu          sync.Mutex
	publishers  map[string]*pubsub.Publisher
	subscribers map[string]*pubsub.Subscriber
}

// New creates a Pub/Sub client. It does not provision topics or
// subscriptions — operators are expected to create them (see the
// accompanying Terraform/gcloud setup) the way the rest of the fleet
// does for its queues.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub: project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Bus{
		client:      client,
		prefix:      cfg.Prefix,
		publishers:  make(map[string]*pubsub.Publisher),
		subscribers: make(map[string]*pubsub.Subscriber),
	}, nil
}

func (b *Bus) topicName(queue string) string {
	if b.prefix == "" {
		return queue
	}
	return b.prefix + "-" + queue
}

func (b *Bus) publisher(queue string) *pubsub.Publisher {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.publishers[queue]; ok {
		return p
	}
	p := b.client.Publisher(b.topicName(queue))
	b.publishers[queue] = p
	return p
}

func (b *Bus) subscriber(queue string) *pubsub.Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subscribers[queue]; ok {
		return s
	}
	s := b.client.Subscriber(b.topicName(queue))
	s.ReceiveSettings.MaxOutstandingMessages = 1
	s.ReceiveSettings.Synchronous = true
	b.subscribers[queue] = s
	return s
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, queue string, body []byte) error {
	result := b.publisher(queue).Publish(ctx, &pubsub.Message{Data: body})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume implements bus.Bus. Receive blocks until ctx is cancelled
// or an unrecoverable client error occurs; the per-message callback
// never sees a second message before the first is acked or nacked,
// because ReceiveSettings.MaxOutstandingMessages is 1.
func (b *Bus) Consume(ctx context.Context, queue string, handler bus.Handler) error {
	sub := b.subscriber(queue)
	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		delivery := bus.Delivery{
			Body: msg.Data,
			Ack:  msg.Ack,
			Nack: func(requeue bool) {
				if requeue {
					msg.Nack()
					return
				}
				msg.Ack()
			},
		}
		if err := handler(ctx, delivery); err != nil {
			logging.L.Warn("pubsub handler returned error, nacking", zap.String("queue", queue), zap.Error(err))
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// EnsureTopicExists checks that queue's backing topic exists and is
// active, mirroring the existence check the prior queue provider
// performed before accepting publishes.
func (b *Bus) EnsureTopicExists(ctx context.Context, queue string) error {
	req := &pubsubpb.GetTopicRequest{Topic: fmt.Sprintf("projects/%s/topics/%s", b.client.Project(), b.topicName(queue))}
	topic, err := b.client.TopicAdminClient.GetTopic(ctx, req)
	if err != nil {
		return fmt.Errorf("get topic %s: %w", queue, err)
	}
	if topic.State != pubsubpb.Topic_ACTIVE {
		return fmt.Errorf("topic %s is not active", queue)
	}
	return nil
}

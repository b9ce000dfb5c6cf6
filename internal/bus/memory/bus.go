// Package memory provides an in-process bus.Bus for tests and local
// development, backing each queue with a channel rather than a real
// broker.
package memory

import (
	"context"
	"sync"

	"github.com/jake-fetch/urlfetch/internal/bus"
)

type message struct {
	body []byte
}

// Bus is an in-process, channel-backed bus.Bus. Nacking a message
// with requeue=true resubmits it to the same queue; manual ack/nack
// is cooperative since there is no real broker redelivery timer.
type Bus struct {
	mu     sync.Mutex
	queues map[string]chan message
	closed bool
	stop   chan struct{}
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		queues: make(map[string]chan message),
		stop:   make(chan struct{}),
	}
}

const queueBuffer = 4096

func (b *Bus) queue(name string) chan message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan message, queueBuffer)
		b.queues[name] = ch
	}
	return ch
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, queueName string, body []byte) error {
	ch := b.queue(queueName)
	cp := append([]byte(nil), body...)
	select {
	case ch <- message{body: cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stop:
		return bus.ErrClosed
	}
}

// Consume implements bus.Bus. It delivers one message at a time,
// blocking the caller's handler invocation before pulling the next —
// the in-process analogue of prefetch=1.
func (b *Bus) Consume(ctx context.Context, queueName string, handler bus.Handler) error {
	ch := b.queue(queueName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stop:
			return bus.ErrClosed
		case msg, ok := <-ch:
			if !ok {
				return bus.ErrClosed
			}
			done := make(chan struct{})
			var once sync.Once
			delivery := bus.Delivery{
				Body: msg.body,
				Ack:  func() { once.Do(func() { close(done) }) },
				Nack: func(requeue bool) {
					once.Do(func() {
						if requeue {
							select {
							case ch <- msg:
							case <-b.stop:
							}
						}
						close(done)
					})
				},
			}
			if err := handler(ctx, delivery); err != nil {
				delivery.Nack(true)
			}
			<-done
		}
	}
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.stop)
	return nil
}

package scraper

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	busPkg "github.com/jake-fetch/urlfetch/internal/bus"
	"github.com/jake-fetch/urlfetch/internal/logging"
	"github.com/jake-fetch/urlfetch/internal/pipeline"
)

// attemptRunner is satisfied by *Attempt; the indirection lets tests
// exercise Consumer's ack/nack contract without a real browser.
type attemptRunner interface {
	Run(ctx context.Context, req pipeline.ScrapeRequest) error
}

// Consumer drains scrape.requests with a configurable number of
// parallel channels, each at prefetch=1 — CONCURRENT_SCRAPERS worth
// of simultaneous pages against the one shared browser, throttled by
// the broker rather than by any in-process scheduler.
type Consumer struct {
	bus     busPkg.Bus
	attempt attemptRunner
	workers int
}

// NewConsumer constructs a Consumer.
func NewConsumer(b busPkg.Bus, attempt *Attempt, workers int) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{bus: b, attempt: attempt, workers: workers}
}

// newConsumerWithRunner builds a Consumer against an arbitrary
// attemptRunner, for tests that want to avoid a real browser.
func newConsumerWithRunner(b busPkg.Bus, runner attemptRunner, workers int) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{bus: b, attempt: runner, workers: workers}
}

// Run blocks, consuming scrape.requests across Consumer.workers
// parallel channels until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, c.workers)

	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- c.bus.Consume(ctx, busPkg.QueueScrapeRequests, c.handle)
		}()
	}

	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if err != nil && ctx.Err() == nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return first
	}
	return ctx.Err()
}

// handle implements the §4.7 consumer contract: the inbound message
// is acked only once the outbound started/result/failure publish has
// succeeded. A malformed payload or a mid-flight publish failure is
// rejected without requeue so a poison message cannot loop forever;
// the corresponding record is swept later by the stale-pending sweep.
func (c *Consumer) handle(ctx context.Context, d busPkg.Delivery) error {
	var req pipeline.ScrapeRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		logging.L.Error("discarding malformed scrape request", zap.Error(err))
		d.Nack(false)
		return nil
	}

	if err := c.attempt.Run(ctx, req); err != nil {
		logging.L.Error("scrape attempt publish failed, rejecting without requeue",
			zap.String("request_id", req.ID), zap.Error(err))
		d.Nack(false)
		return nil
	}

	d.Ack()
	return nil
}

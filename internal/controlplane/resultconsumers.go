package controlplane

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/jake-fetch/urlfetch/internal/bus"
	"github.com/jake-fetch/urlfetch/internal/fetchstore"
	"github.com/jake-fetch/urlfetch/internal/logging"
	"github.com/jake-fetch/urlfetch/internal/obsmetrics"
	"github.com/jake-fetch/urlfetch/internal/pipeline"
)

// ResultConsumers runs the three independent, idempotent consumers
// that react to worker attempts: onScrapeStarted, onScrapeResult, and
// onScrapeFailure. The retry-vs-terminal decision for a failed attempt
// lives here, not in the worker, so the authoritative retryCount never
// splits between a worker-local counter and the persisted one.
type ResultConsumers struct {
	repo       fetchstore.Repository
	bus        bus.Bus
	maxRetries int
}

// NewResultConsumers constructs a ResultConsumers.
func NewResultConsumers(repo fetchstore.Repository, b bus.Bus, maxRetries int) *ResultConsumers {
	return &ResultConsumers{repo: repo, bus: b, maxRetries: maxRetries}
}

// Run consumes all three queues until ctx is cancelled, returning the
// first non-cancellation error from any of them.
func (c *ResultConsumers) Run(ctx context.Context) error {
	errCh := make(chan error, 3)
	go func() { errCh <- c.bus.Consume(ctx, bus.QueueScrapeStarted, c.handleStarted) }()
	go func() { errCh <- c.bus.Consume(ctx, bus.QueueScrapeResults, c.handleResult) }()
	go func() { errCh <- c.bus.Consume(ctx, bus.QueueScrapeFailures, c.handleFailure) }()

	var first error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && ctx.Err() == nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return first
	}
	return ctx.Err()
}

func isTerminal(status fetchstore.Status) bool {
	return status == fetchstore.StatusSuccess || status == fetchstore.StatusFailed
}

// handleStarted implements the ScrapeStarted branch of §4.8. A record
// already in a terminal state is left alone: accepting a late Started
// event there would silently resurrect a finished record as
// PROCESSING, per the ordering guarantee that Started/Result/Failure
// for different attempts may arrive out of order.
func (c *ResultConsumers) handleStarted(ctx context.Context, d bus.Delivery) error {
	var msg pipeline.ScrapeStarted
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logging.L.Error("discarding malformed scrape started message", zap.Error(err))
		d.Nack(false)
		return nil
	}

	rec, err := c.repo.FindByID(ctx, msg.ID)
	if err != nil {
		logging.L.Error("scrape started: record lookup failed", zap.String("id", msg.ID), zap.Error(err))
		d.Nack(false)
		return nil
	}
	if isTerminal(rec.Status) {
		d.Ack()
		return nil
	}

	_, err = c.repo.Update(ctx, msg.ID, fetchstore.Update{
		Status:       fetchstore.StatusPtr(fetchstore.StatusProcessing),
		UserAgent:    fetchstore.StrPtr(msg.UserAgent),
		ErrorMessage: fetchstore.StrPtr(""),
	})
	if err != nil {
		logging.L.Error("scrape started: update failed", zap.String("id", msg.ID), zap.Error(err))
		d.Nack(false)
		return nil
	}
	d.Ack()
	return nil
}

// handleResult implements the ScrapeResult branch of §4.8.
func (c *ResultConsumers) handleResult(ctx context.Context, d bus.Delivery) error {
	var msg pipeline.ScrapeResult
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logging.L.Error("discarding malformed scrape result message", zap.Error(err))
		d.Nack(false)
		return nil
	}

	fetchedAt := msg.FetchedAt
	update := fetchstore.Update{
		FinalURL:      fetchstore.StrPtr(msg.FinalURL),
		RedirectChain: fetchstore.StrSlicePtr(msg.RedirectChain),
		ResponseTime:  fetchstore.Int64Ptr(msg.ResponseTime),
		ContentLength: fetchstore.IntPtr(msg.ContentLength),
		ContentHash:   fetchstore.StrPtr(msg.ContentHash),
		UserAgent:     fetchstore.StrPtr(msg.UserAgent),
		FetchedAt:     fetchstore.TimePtr(&fetchedAt),
		HTTPStatus:    fetchstore.IntPtr(msg.HTTPStatus),
	}
	// ScrapeResult only ever carries a successful attempt — the worker
	// routes any non-2xx response or thrown error to ScrapeFailure
	// instead, so there is no false branch to handle here.
	update.Status = fetchstore.StatusPtr(fetchstore.StatusSuccess)
	update.Content = fetchstore.StrPtr(msg.Content)
	update.ContentType = fetchstore.StrPtr(msg.ContentType)
	update.ErrorMessage = fetchstore.StrPtr("")

	if _, err := c.repo.Update(ctx, msg.ID, update); err != nil {
		logging.L.Error("scrape result: update failed", zap.String("id", msg.ID), zap.Error(err))
		d.Nack(false)
		return nil
	}
	d.Ack()
	return nil
}

// handleFailure implements the retry-vs-terminal decision of §4.8.
func (c *ResultConsumers) handleFailure(ctx context.Context, d bus.Delivery) error {
	var msg pipeline.ScrapeFailure
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logging.L.Error("discarding malformed scrape failure message", zap.Error(err))
		d.Nack(false)
		return nil
	}

	if msg.Retryable && msg.RetryCount < c.maxRetries {
		next := msg.RetryCount + 1
		_, err := c.repo.Update(ctx, msg.ID, fetchstore.Update{
			Status:       fetchstore.StatusPtr(fetchstore.StatusPending),
			RetryCount:   fetchstore.IntPtr(next),
			ErrorMessage: fetchstore.StrPtr(fmt.Sprintf("Retry %d/%d: %s", next, c.maxRetries, msg.ErrorMessage)),
			Content:      fetchstore.StrPtr(""),
			ContentType:  fetchstore.StrPtr(""),
			ContentHash:  fetchstore.StrPtr(""),
			FetchedAt:    fetchstore.TimePtr(nil),
		})
		if err != nil {
			logging.L.Error("scrape failure: retry update failed", zap.String("id", msg.ID), zap.Error(err))
			d.Nack(false)
			return nil
		}

		req := pipeline.ScrapeRequest{ID: msg.ID, URL: msg.URL, RetryCount: next, Priority: pipeline.PriorityRetry}
		body, err := json.Marshal(req)
		if err != nil {
			logging.L.Error("scrape failure: marshal retry request failed", zap.String("id", msg.ID), zap.Error(err))
			d.Nack(false)
			return nil
		}
		if err := c.bus.Publish(ctx, bus.QueueScrapeRequests, body); err != nil {
			logging.L.Error("scrape failure: republish failed", zap.String("id", msg.ID), zap.Error(err))
			d.Nack(false)
			return nil
		}
		obsmetrics.ObserveRetry()
		d.Ack()
		return nil
	}

	reason := "Error is not retryable"
	if msg.Retryable {
		reason = fmt.Sprintf("Maximum retries (%d) exceeded", c.maxRetries)
	}
	_, err := c.repo.Update(ctx, msg.ID, fetchstore.Update{
		Status:       fetchstore.StatusPtr(fetchstore.StatusFailed),
		ErrorMessage: fetchstore.StrPtr(fmt.Sprintf("%s: %s", reason, msg.ErrorMessage)),
		HTTPStatus:   fetchstore.IntPtr(msg.HTTPStatus),
		Content:      fetchstore.StrPtr(""),
		ContentType:  fetchstore.StrPtr(""),
		ContentHash:  fetchstore.StrPtr(""),
	})
	if err != nil {
		logging.L.Error("scrape failure: terminal update failed", zap.String("id", msg.ID), zap.Error(err))
		d.Nack(false)
		return nil
	}
	d.Ack()
	return nil
}

package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jake-fetch/urlfetch/internal/bus"
	"github.com/jake-fetch/urlfetch/internal/bus/memory"
	"github.com/jake-fetch/urlfetch/internal/pipeline"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []pipeline.ScrapeRequest
	err   error
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.ScrapeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestConsumer_AcksOnSuccessfulAttempt(t *testing.T) {
	t.Parallel()
	b := memory.New()
	defer b.Close() //nolint:errcheck

	runner := &fakeRunner{}
	consumer := newConsumerWithRunner(b, runner, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := pipeline.ScrapeRequest{ID: "rec-1", URL: "https://example.com", Priority: pipeline.PriorityInitial}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, bus.QueueScrapeRequests, body))

	go consumer.Run(ctx) //nolint:errcheck

	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConsumer_NacksWithoutRequeueOnPublishFailure(t *testing.T) {
	t.Parallel()
	b := memory.New()
	defer b.Close() //nolint:errcheck

	runner := &fakeRunner{err: errors.New("publish boom")}
	consumer := newConsumerWithRunner(b, runner, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := pipeline.ScrapeRequest{ID: "rec-1", URL: "https://example.com"}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, bus.QueueScrapeRequests, body))

	go consumer.Run(ctx) //nolint:errcheck

	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, time.Second, 10*time.Millisecond)

	// The message is nacked without requeue, so nothing more should
	// ever arrive on the same queue for this consumer to pick up.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, runner.callCount())
}

func TestConsumer_DiscardsMalformedPayload(t *testing.T) {
	t.Parallel()
	b := memory.New()
	defer b.Close() //nolint:errcheck

	runner := &fakeRunner{}
	consumer := newConsumerWithRunner(b, runner, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, bus.QueueScrapeRequests, []byte("not json")))

	go consumer.Run(ctx) //nolint:errcheck

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, runner.callCount())
}

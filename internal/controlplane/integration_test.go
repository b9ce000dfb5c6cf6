package controlplane

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jake-fetch/urlfetch/internal/bus"
	busmem "github.com/jake-fetch/urlfetch/internal/bus/memory"
	"github.com/jake-fetch/urlfetch/internal/fetchstore"
	storemem "github.com/jake-fetch/urlfetch/internal/fetchstore/memory"
	"github.com/jake-fetch/urlfetch/internal/idgen"
	"github.com/jake-fetch/urlfetch/internal/pipeline"
)

// These exercise the six end-to-end scenarios against the submitter
// and result consumers wired together over the in-process bus and
// store, standing in for the scraper worker with direct publishes of
// the messages a real attempt would produce.

func publishJSON(t *testing.T, b *busmem.Bus, queue string, v interface{}) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), queue, body))
}

func runConsumers(t *testing.T, c *ResultConsumers) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	return cancel
}

func TestEndToEnd_HappyPath_SubmitAttemptSucceeds(t *testing.T) {
	t.Parallel()
	repo := storemem.New(nil)
	b := busmem.New()
	defer b.Close() //nolint:errcheck

	sub := NewSubmitter(repo, b, idgen.New(), time.Hour)
	consumers := NewResultConsumers(repo, b, 3)
	defer runConsumers(t, consumers)()

	result, err := sub.Submit(context.Background(), []string{"https://example.com/happy"})
	require.NoError(t, err)
	require.Len(t, result.Queued, 1)
	id := result.Queued[0]

	req := drainScrapeRequest(t, b)
	require.Equal(t, id, req.ID)

	publishJSON(t, b, bus.QueueScrapeStarted, pipeline.ScrapeStarted{ID: id, URL: req.URL, StartedAt: time.Now().UTC()})
	publishJSON(t, b, bus.QueueScrapeResults, pipeline.ScrapeResult{
		ID: id, URL: req.URL, Success: true, HTTPStatus: 200,
		Content: "<html>ok</html>", ContentType: "text/html", FetchedAt: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		rec, err := repo.FindByID(context.Background(), id)
		return err == nil && rec.Status == fetchstore.StatusSuccess && rec.Content == "<html>ok</html>"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_RedirectDedup_SkipsURLReachedViaRedirectChain(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	repo := storemem.New(func() time.Time { return now })
	b := busmem.New()
	defer b.Close() //nolint:errcheck

	created, err := repo.Create(context.Background(), fetchstore.Record{URL: "https://example.com/canonical", Status: fetchstore.StatusPending})
	require.NoError(t, err)
	fetchedAt := now.Add(-time.Minute)
	_, err = repo.Update(context.Background(), created.ID, fetchstore.Update{
		Status:        fetchstore.StatusPtr(fetchstore.StatusSuccess),
		FetchedAt:     fetchstore.TimePtr(&fetchedAt),
		RedirectChain: fetchstore.StrSlicePtr([]string{"https://example.com/old-path"}),
	})
	require.NoError(t, err)

	sub := NewSubmitter(repo, b, idgen.New(), time.Hour)
	result, err := sub.Submit(context.Background(), []string{"https://example.com/old-path"})
	require.NoError(t, err)
	require.Empty(t, result.Queued)
	require.Len(t, result.Skipped, 1)
	require.Equal(t, "Already scraped via redirect", result.Skipped[0].Reason)
}

func TestEndToEnd_RetryableFailureThenSuccess_RetriesOnceAndSucceeds(t *testing.T) {
	t.Parallel()
	repo := storemem.New(nil)
	b := busmem.New()
	defer b.Close() //nolint:errcheck

	sub := NewSubmitter(repo, b, idgen.New(), time.Hour)
	consumers := NewResultConsumers(repo, b, 3)
	defer runConsumers(t, consumers)()

	result, err := sub.Submit(context.Background(), []string{"https://example.com/flaky"})
	require.NoError(t, err)
	id := result.Queued[0]

	first := drainScrapeRequest(t, b)
	require.Equal(t, 0, first.RetryCount)

	publishJSON(t, b, bus.QueueScrapeFailures, pipeline.ScrapeFailure{
		ID: id, URL: first.URL, ErrorMessage: "Connection refused", Retryable: true, RetryCount: 0,
	})

	retry := drainScrapeRequest(t, b)
	require.Equal(t, id, retry.ID)
	require.Equal(t, 1, retry.RetryCount)
	require.Equal(t, pipeline.PriorityRetry, retry.Priority)

	require.Eventually(t, func() bool {
		rec, err := repo.FindByID(context.Background(), id)
		return err == nil && rec.Status == fetchstore.StatusPending && rec.RetryCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	publishJSON(t, b, bus.QueueScrapeResults, pipeline.ScrapeResult{
		ID: id, URL: retry.URL, Success: true, HTTPStatus: 200, Content: "ok", FetchedAt: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		rec, err := repo.FindByID(context.Background(), id)
		return err == nil && rec.Status == fetchstore.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_NonRetryableFailure_GoesTerminalImmediately(t *testing.T) {
	t.Parallel()
	repo := storemem.New(nil)
	b := busmem.New()
	defer b.Close() //nolint:errcheck

	sub := NewSubmitter(repo, b, idgen.New(), time.Hour)
	consumers := NewResultConsumers(repo, b, 3)
	defer runConsumers(t, consumers)()

	result, err := sub.Submit(context.Background(), []string{"https://example.com/not-found"})
	require.NoError(t, err)
	id := result.Queued[0]

	req := drainScrapeRequest(t, b)
	publishJSON(t, b, bus.QueueScrapeFailures, pipeline.ScrapeFailure{
		ID: id, URL: req.URL, ErrorMessage: "HTTP 404: Not Found", Retryable: false, RetryCount: 0, HTTPStatus: 404,
	})

	require.Eventually(t, func() bool {
		rec, err := repo.FindByID(context.Background(), id)
		return err == nil && rec.Status == fetchstore.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.Contains(t, rec.ErrorMessage, "Error is not retryable")
}

func TestEndToEnd_RetryExhaustion_GoesTerminalAfterMaxRetries(t *testing.T) {
	t.Parallel()
	repo := storemem.New(nil)
	b := busmem.New()
	defer b.Close() //nolint:errcheck

	const maxRetries = 2
	sub := NewSubmitter(repo, b, idgen.New(), time.Hour)
	consumers := NewResultConsumers(repo, b, maxRetries)
	defer runConsumers(t, consumers)()

	result, err := sub.Submit(context.Background(), []string{"https://example.com/always-down"})
	require.NoError(t, err)
	id := result.Queued[0]

	req := drainScrapeRequest(t, b)
	for i := 0; i <= maxRetries; i++ {
		publishJSON(t, b, bus.QueueScrapeFailures, pipeline.ScrapeFailure{
			ID: id, URL: req.URL, ErrorMessage: "Connection timeout", Retryable: true, RetryCount: i,
		})
		if i < maxRetries {
			req = drainScrapeRequest(t, b)
			require.Equal(t, i+1, req.RetryCount)
		}
	}

	require.Eventually(t, func() bool {
		rec, err := repo.FindByID(context.Background(), id)
		return err == nil && rec.Status == fetchstore.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.Contains(t, rec.ErrorMessage, "Maximum retries")
}

func TestEndToEnd_DedupWindow_SecondSubmissionWithinWindowIsSkipped(t *testing.T) {
	t.Parallel()
	repo := storemem.New(nil)
	b := busmem.New()
	defer b.Close() //nolint:errcheck

	sub := NewSubmitter(repo, b, idgen.New(), time.Hour)

	url := "https://example.com/dup"
	first, err := sub.Submit(context.Background(), []string{url})
	require.NoError(t, err)
	require.Len(t, first.Queued, 1)
	drainScrapeRequest(t, b)

	second, err := sub.Submit(context.Background(), []string{url})
	require.NoError(t, err)
	require.Empty(t, second.Queued)
	require.Len(t, second.Skipped, 1)
	require.Equal(t, "Already queued (status=PENDING)", second.Skipped[0].Reason)
}

// drainScrapeRequest pulls and acks exactly one message from
// scrape.requests, the way a scraper worker consumer would.
func drainScrapeRequest(t *testing.T, b *busmem.Bus) pipeline.ScrapeRequest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var req pipeline.ScrapeRequest
	done := make(chan struct{})
	go func() {
		_ = b.Consume(ctx, bus.QueueScrapeRequests, func(_ context.Context, d bus.Delivery) error {
			_ = json.Unmarshal(d.Body, &req)
			d.Ack()
			close(done)
			return nil
		})
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for scrape request")
	}
	return req
}

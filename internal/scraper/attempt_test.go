package scraper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jake-fetch/urlfetch/internal/bus/memory"
	"github.com/jake-fetch/urlfetch/internal/config"
	"github.com/jake-fetch/urlfetch/internal/pipeline"
	"github.com/jake-fetch/urlfetch/internal/ratelimit"
)

func TestAttemptOne_RateLimiterCancellationYieldsRetryableFailure(t *testing.T) {
	t.Parallel()

	b := memory.New()
	defer b.Close() //nolint:errcheck

	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: 1, DefaultBurst: 1})
	a := NewAttempt(nil, b, config.HeadlessConfig{UserAgent: "urlfetch-test"}, limiter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := pipeline.ScrapeRequest{ID: "rec-1", URL: "https://example.com"}
	result, failure := a.attemptOne(ctx, req)

	require.Nil(t, result)
	require.NotNil(t, failure)
	require.Equal(t, req.ID, failure.ID)
	require.True(t, failure.Retryable)
}

// Package scraper drives a single long-lived headless browser process
// and executes one page-fetch attempt per scrape request, reporting
// the outcome back onto the bus without ever touching the document
// store directly.
package scraper

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// Browser owns the chromedp allocator and top-level browser context
// shared by every attempt; each attempt opens its own tab context
// beneath it and tears that tab down on every exit path.
type Browser struct {
	allocCancel    context.CancelFunc
	browserCtx     context.Context
	browserCancel  context.CancelFunc
	userAgent      string
	viewportWidth  int64
	viewportHeight int64
}

// NewBrowser launches headless Chrome and blocks until the browser
// process has started.
func NewBrowser(ctx context.Context, userAgent string) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(userAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return &Browser{
		allocCancel:    allocCancel,
		browserCtx:     browserCtx,
		browserCancel:  browserCancel,
		userAgent:      userAgent,
		viewportWidth:  1920,
		viewportHeight: 1080,
	}, nil
}

// Close tears down the browser and its allocator.
func (b *Browser) Close() error {
	if b == nil {
		return nil
	}
	b.browserCancel()
	b.allocCancel()
	return nil
}

// newTab opens a fresh tab context beneath the shared browser, for
// exactly one attempt.
func (b *Browser) newTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(b.browserCtx)
}

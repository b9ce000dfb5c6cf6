package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jake-fetch/urlfetch/internal/bus"
	"github.com/jake-fetch/urlfetch/internal/classify"
	"github.com/jake-fetch/urlfetch/internal/config"
	"github.com/jake-fetch/urlfetch/internal/digest"
	"github.com/jake-fetch/urlfetch/internal/obsmetrics"
	"github.com/jake-fetch/urlfetch/internal/pipeline"
	"github.com/jake-fetch/urlfetch/internal/ratelimit"
)

var tracer = otel.Tracer("urlfetch/scraper")

// Attempt executes one scrape request against the shared browser and
// reports the outcome onto the result/failure queues. It never reads
// or writes the document store and never decides whether to retry —
// that decision belongs to the control plane's result consumers.
type Attempt struct {
	browser *Browser
	bus     bus.Bus
	cfg     config.HeadlessConfig
	limiter *ratelimit.Limiter
}

// NewAttempt constructs an Attempt. limiter throttles navigation per
// destination domain; pass ratelimit.New(ratelimit.Config{}) for an
// unthrottled default.
func NewAttempt(browser *Browser, b bus.Bus, cfg config.HeadlessConfig, limiter *ratelimit.Limiter) *Attempt {
	return &Attempt{browser: browser, bus: b, cfg: cfg, limiter: limiter}
}

// Run performs one attempt for req: it publishes ScrapeStarted, opens
// a fresh tab, navigates, closes the tab on every exit path, and then
// publishes exactly one of ScrapeResult or ScrapeFailure. A
// non-nil return means the outbound publish itself failed — the
// caller must reject the inbound message without requeue in that
// case, per the consumer contract.
func (a *Attempt) Run(ctx context.Context, req pipeline.ScrapeRequest) error {
	started := pipeline.ScrapeStarted{
		ID:        req.ID,
		URL:       req.URL,
		StartedAt: time.Now().UTC(),
		UserAgent: a.cfg.UserAgent,
	}
	if err := a.publish(ctx, bus.QueueScrapeStarted, started); err != nil {
		return fmt.Errorf("publish started: %w", err)
	}

	result, failure := a.attemptOne(ctx, req)
	if failure != nil {
		return a.publishErr(ctx, bus.QueueScrapeFailures, *failure)
	}
	return a.publishErr(ctx, bus.QueueScrapeResults, *result)
}

func (a *Attempt) publish(ctx context.Context, queue string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", queue, err)
	}
	return a.bus.Publish(ctx, queue, body)
}

func (a *Attempt) publishErr(ctx context.Context, queue string, v interface{}) error {
	if err := a.publish(ctx, queue, v); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// attemptOne runs the browser navigation and returns exactly one of
// result or failure.
func (a *Attempt) attemptOne(ctx context.Context, req pipeline.ScrapeRequest) (*pipeline.ScrapeResult, *pipeline.ScrapeFailure) {
	_, span := tracer.Start(ctx, "scraper.attempt",
		trace.WithAttributes(attribute.String("fetch.url", req.URL), attribute.Int("fetch.retry_count", req.RetryCount)))
	defer span.End()

	if err := a.limiter.Wait(ctx, req.URL); err != nil {
		result := classify.RawError(err.Error(), "")
		obsmetrics.ObserveAttempt("error", 0)
		return nil, &pipeline.ScrapeFailure{
			ID:           req.ID,
			URL:          req.URL,
			ErrorMessage: err.Error(),
			Retryable:    result.Retryable,
			RetryCount:   req.RetryCount,
			HTTPStatus:   result.SyntheticStatus,
		}
	}

	tabCtx, cancelTab := a.browser.newTab()
	defer cancelTab()

	navCtx, cancelNav := context.WithTimeout(tabCtx, a.cfg.NavTimeout())
	defer cancelNav()

	nav := newNavigationMeta()
	chromedp.ListenTarget(tabCtx, nav.onEvent)

	start := time.Now()
	html, runErr := a.runNavigation(navCtx, req.URL, nav)
	elapsed := time.Since(start)

	if runErr != nil {
		result := classify.RawError(runErr.Error(), "")
		obsmetrics.ObserveAttempt("error", 0)
		return nil, &pipeline.ScrapeFailure{
			ID:           req.ID,
			URL:          req.URL,
			ErrorMessage: runErr.Error(),
			Retryable:    result.Retryable,
			RetryCount:   req.RetryCount,
			HTTPStatus:   result.SyntheticStatus,
		}
	}

	if nav.statusCode == 0 {
		obsmetrics.ObserveAttempt("no_response", 0)
		return nil, &pipeline.ScrapeFailure{
			ID:           req.ID,
			URL:          req.URL,
			ErrorMessage: "No response received",
			Retryable:    true,
			RetryCount:   req.RetryCount,
		}
	}

	if nav.statusCode >= 400 {
		result := classify.HTTPStatus(nav.statusCode)
		obsmetrics.ObserveAttempt("http_error", 0)
		return nil, &pipeline.ScrapeFailure{
			ID:           req.ID,
			URL:          req.URL,
			ErrorMessage: result.Reason,
			Retryable:    result.Retryable,
			RetryCount:   req.RetryCount,
			HTTPStatus:   nav.statusCode,
		}
	}

	contentType := nav.headers.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html"
	}
	body := []byte(html)
	obsmetrics.ObserveAttempt("success", len(body))

	return &pipeline.ScrapeResult{
		ID:            req.ID,
		URL:           req.URL,
		Success:       true,
		HTTPStatus:    nav.statusCode,
		Content:       html,
		ContentType:   contentType,
		ContentHash:   digest.SHA256Hex(body),
		ContentLength: len(body),
		FinalURL:      nav.finalURL(req.URL),
		// Hops are stored exactly as observed on the wire, not
		// canonicalized. That is what the redirect-dedup scenario
		// expects to find when it matches a later submission against
		// a stored chain entry verbatim.
		RedirectChain: nav.redirectChain,
		UserAgent:     a.cfg.UserAgent,
		ResponseTime:  elapsed.Milliseconds(),
		FetchedAt:     time.Now().UTC(),
	}, nil
}

func (a *Attempt) runNavigation(ctx context.Context, rawURL string, nav *navigationMeta) (string, error) {
	var html string
	blocked := blockedResourceTypes(a.cfg.DisableImages, a.cfg.DisableCSS)
	arm, wait := newWaitStrategy(ctx, a.cfg.WaitStrategy)

	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(a.cfg.UserAgent),
		emulation.SetDeviceMetricsOverride(1920, 1080, 1, false),
		installResourceBlocker(ctx, blocked),
		arm,
		chromedp.Navigate(rawURL),
		wait,
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return "", err
	}
	if a.cfg.DynamicWaitMS > 0 {
		select {
		case <-time.After(time.Duration(a.cfg.DynamicWaitMS) * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// navigationMeta accumulates the document response and the redirect
// hops observed along the way, from CDP network events.
type navigationMeta struct {
	mu            sync.Mutex
	statusCode    int
	headers       http.Header
	url           string
	redirectChain []string
	seenDoc       bool
}

func newNavigationMeta() *navigationMeta {
	return &navigationMeta{headers: make(http.Header)}
}

func (m *navigationMeta) finalURL(raw string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.url == "" {
		return raw
	}
	return m.url
}

func (m *navigationMeta) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Type != network.ResourceTypeDocument {
			return
		}
		m.mu.Lock()
		if e.RedirectResponse != nil {
			m.redirectChain = append(m.redirectChain, e.RedirectResponse.URL)
		}
		m.mu.Unlock()
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument {
			return
		}
		m.mu.Lock()
		if !m.seenDoc || e.Response.Status != 0 {
			m.statusCode = int(e.Response.Status)
			m.url = e.Response.URL
			for k, v := range e.Response.Headers {
				m.headers.Set(k, fmt.Sprint(v))
			}
			m.seenDoc = true
		}
		m.mu.Unlock()
	}
}

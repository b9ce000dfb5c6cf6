package scraper

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/jake-fetch/urlfetch/internal/config"
)

// newWaitStrategy returns the arm and wait actions that implement the
// navigation-completion condition for strategy, per the wait strategy
// table: fast waits for DOM-ready, basic for the load event,
// moderate/comprehensive for network idleness with a zero/two
// in-flight-connection threshold.
//
// arm must run before chromedp.Navigate: basic/moderate/comprehensive
// register a one-shot CDP event listener, and Navigate blocks until
// the page's load event fires, so a listener attached after Navigate
// returns has already missed that event. wait runs after Navigate and
// blocks until the condition the listener is watching for is met.
// fast needs no listener — chromedp.WaitReady polls the DOM, which
// works fine run after Navigate — so its arm is a no-op.
func newWaitStrategy(ctx context.Context, strategy config.WaitStrategy) (arm, wait chromedp.Action) {
	switch strategy {
	case config.WaitBasic:
		return loadEventWaiter(ctx)
	case config.WaitModerate:
		return networkIdleWaiter(ctx, 0, 500*time.Millisecond)
	case config.WaitComprehensive:
		return networkIdleWaiter(ctx, 2, 500*time.Millisecond)
	case config.WaitFast:
		fallthrough
	default:
		return noopAction, chromedp.WaitReady("body", chromedp.ByQuery)
	}
}

var noopAction = chromedp.ActionFunc(func(context.Context) error { return nil })

func loadEventWaiter(ctx context.Context) (arm, wait chromedp.Action) {
	fired := make(chan struct{})
	var once sync.Once

	arm = chromedp.ActionFunc(func(execCtx context.Context) error {
		chromedp.ListenTarget(execCtx, func(ev interface{}) {
			if _, ok := ev.(*page.EventLoadEventFired); ok {
				once.Do(func() { close(fired) })
			}
		})
		return nil
	})

	wait = chromedp.ActionFunc(func(execCtx context.Context) error {
		select {
		case <-fired:
			return nil
		case <-execCtx.Done():
			return execCtx.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return arm, wait
}

// networkIdleWaiter blocks until the number of in-flight network
// requests has stayed at or below maxInflight for idleFor. maxInflight
// 0 is puppeteer's networkidle0; 2 is networkidle2.
func networkIdleWaiter(ctx context.Context, maxInflight int, idleFor time.Duration) (arm, wait chromedp.Action) {
	var mu sync.Mutex
	inflight := 0
	idle := make(chan struct{}, 1)
	var timer *time.Timer

	resetTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(idleFor, func() {
			select {
			case idle <- struct{}{}:
			default:
			}
		})
	}

	arm = chromedp.ActionFunc(func(execCtx context.Context) error {
		chromedp.ListenTarget(execCtx, func(ev interface{}) {
			mu.Lock()
			defer mu.Unlock()
			switch ev.(type) {
			case *network.EventRequestWillBeSent:
				inflight++
				if timer != nil {
					timer.Stop()
				}
			case *network.EventLoadingFinished, *network.EventLoadingFailed:
				if inflight > 0 {
					inflight--
				}
			}
			if inflight <= maxInflight {
				resetTimer()
			}
		})

		mu.Lock()
		resetTimer()
		mu.Unlock()
		return nil
	})

	wait = chromedp.ActionFunc(func(execCtx context.Context) error {
		select {
		case <-idle:
			return nil
		case <-execCtx.Done():
			return execCtx.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return arm, wait
}

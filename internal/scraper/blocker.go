package scraper

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// blockedResourceTypes returns the CDP resource types the attempt
// should abort before they hit the network, per DISABLE_IMAGES and
// DISABLE_CSS.
func blockedResourceTypes(disableImages, disableCSS bool) map[network.ResourceType]bool {
	blocked := make(map[network.ResourceType]bool)
	if disableImages {
		blocked[network.ResourceTypeImage] = true
		blocked[network.ResourceTypeFont] = true
	}
	if disableCSS {
		blocked[network.ResourceTypeStylesheet] = true
	}
	return blocked
}

// installResourceBlocker enables the fetch domain and fails any
// request whose resource type is in blocked, continuing everything
// else unmodified.
func installResourceBlocker(ctx context.Context, blocked map[network.ResourceType]bool) chromedp.Action {
	return chromedp.ActionFunc(func(execCtx context.Context) error {
		if len(blocked) == 0 {
			return nil
		}
		chromedp.ListenTarget(execCtx, func(ev interface{}) {
			paused, ok := ev.(*fetch.EventRequestPaused)
			if !ok {
				return
			}
			go func() {
				target := chromedp.FromContext(execCtx)
				browserExecCtx := cdp.WithExecutor(execCtx, target.Target)
				if blocked[paused.ResourceType] {
					_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(browserExecCtx)
					return
				}
				_ = fetch.ContinueRequest(paused.RequestID).Do(browserExecCtx)
			}()
		})
		return fetch.Enable().Do(execCtx)
	})
}

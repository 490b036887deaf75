package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/metrics"
	"github.com/JakeFAU/marketplace-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

const hideAutomationScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
window.chrome = window.chrome || {runtime: {}};
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});`

// Session is one job's browser: a single tab that is reused for every
// search term.
type Session struct {
	ctx        context.Context
	cancel     context.CancelFunc
	allocClose context.CancelFunc
	release    func()
	navTimeout time.Duration
	limiter    *ratelimit.Limiter
	idle       *idleWaiter
	logger     *zap.Logger

	counted   bool
	closeOnce sync.Once
}

func (s *Session) setup(ctx context.Context, cfg Config, origin string) error {
	chromedp.ListenTarget(s.ctx, func(ev any) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			s.idle.observe(e)
		case *fetch.EventRequestPaused:
			go s.interceptRequest(e)
		}
	})

	setupCtx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	actions := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(cfg.UserAgent),
		emulation.SetDeviceMetricsOverride(int64(cfg.WindowWidth), int64(cfg.WindowHeight), 1, false),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(hideAutomationScript).Do(ctx)
			return err
		}),
		page.SetLifecycleEventsEnabled(true),
	}
	if cfg.BlockImages {
		actions = append(actions, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*", ResourceType: network.ResourceTypeImage},
		}))
	}
	if origin != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			c := chromedp.FromContext(ctx)
			grant := browser.GrantPermissions([]browser.PermissionType{browser.PermissionTypeGeolocation}).WithOrigin(origin)
			return grant.Do(cdp.WithExecutor(ctx, c.Browser))
		}))
	}
	if err := chromedp.Run(setupCtx, actions); err != nil {
		return fmt.Errorf("browser setup: %w", err)
	}
	return nil
}

// interceptRequest aborts image requests before they reach the network and
// lets everything else through.
func (s *Session) interceptRequest(ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(s.ctx)
	if c == nil || c.Target == nil {
		return
	}
	ctx := cdp.WithExecutor(s.ctx, c.Target)
	var err error
	if ev.ResourceType == network.ResourceTypeImage {
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	} else {
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}
	if err != nil && s.ctx.Err() == nil {
		s.logger.Debug("request interception failed", zap.Error(err))
	}
}

// Navigate loads url, waits for the network to settle (at most two
// connections in flight), and returns the rendered document.
func (s *Session) Navigate(ctx context.Context, url string) (string, error) {
	if s.ctx.Err() != nil {
		return "", fmt.Errorf("navigate %s: %w", url, scraper.ErrSessionLost)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, url); err != nil {
			return "", err
		}
	}

	navCtx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	start := time.Now()
	var html string
	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			s.idle.reset()
			_, loaderID, errorText, _, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errorText != "" {
				return fmt.Errorf("page load failed: %s", errorText)
			}
			return s.idle.wait(ctx, loaderID)
		}),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(navCtx, tasks); err != nil {
		return "", s.classify(url, err)
	}
	metrics.ObserveNavigation(url, time.Since(start))
	return html, nil
}

// classify marks errors that leave the browser unusable with
// scraper.ErrSessionLost; everything else is a per-page failure.
func (s *Session) classify(url string, err error) error {
	if s.ctx.Err() != nil || errors.Is(err, chromedp.ErrInvalidContext) {
		return fmt.Errorf("navigate %s: %w: %w", url, scraper.ErrSessionLost, err)
	}
	return fmt.Errorf("navigate %s: %w", url, err)
}

// Close shuts Chrome down and frees the launcher slot. Only the first call
// has an effect.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if chromedp.FromContext(s.ctx) != nil {
			if cerr := chromedp.Cancel(s.ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
				err = fmt.Errorf("close browser: %w", cerr)
			}
		}
		s.cancel()
		s.allocClose()
		s.release()
		if s.counted {
			metrics.DecActiveSessions()
		}
	})
	return err
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

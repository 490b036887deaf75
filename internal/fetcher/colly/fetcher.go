// Package collyfetcher is a static Launcher for marketplaces that render
// search results on the server. It fetches raw HTML with gocolly instead of
// starting a browser.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/marketplace-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Headers   http.Header
}

// Launcher implements scraper.Launcher on top of a shared Colly collector.
type Launcher struct {
	cfg           Config
	limiter       *ratelimit.Limiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Launcher. A nil limiter disables per-host pacing.
func New(cfg Config, limiter *ratelimit.Limiter) *Launcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Launcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// Launch returns a session; there is no process to start.
func (l *Launcher) Launch(_ context.Context, _ string) (scraper.Session, error) {
	return &Session{launcher: l}, nil
}

// Session fetches pages for one job.
type Session struct {
	launcher *Launcher
	mu       sync.Mutex
	closed   bool
}

// Navigate GETs url and returns the response body. Non-2xx responses are
// errors.
func (s *Session) Navigate(ctx context.Context, url string) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", fmt.Errorf("navigate %s: %w", url, scraper.ErrSessionLost)
	}
	l := s.launcher
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx, url); err != nil {
			return "", err
		}
	}

	var (
		body     string
		fetchErr error
	)
	collector := l.buildCollector(&body, &fetchErr)
	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	return body, nil
}

// Close marks the session unusable. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (l *Launcher) buildCollector(body *string, fetchErr *error) *colly.Collector {
	collector := l.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	if l.cfg.UserAgent != "" {
		collector.UserAgent = l.cfg.UserAgent
	}
	timeout := l.cfg.Timeout
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	l.configureCollectorHooks(collector, body, fetchErr)
	return collector
}

func (l *Launcher) configureCollectorHooks(hooks collectorHooks, body *string, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
		for key, values := range l.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*body = string(r.Body)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Package headless escalates static search-page fetches to a rendering
// browser when the static response is a client-rendered shell.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Detector decides whether a statically fetched page needs rendering.
type Detector interface {
	ShouldPromote(html string) bool
}

// Launcher pairs a cheap probe driver with a rendering driver. The
// rendering session is started only on the first promotion and is then
// kept for the rest of the job.
type Launcher struct {
	probe  scraper.Launcher
	render scraper.Launcher
	detect Detector
	logger *zap.Logger
}

// NewLauncher builds an escalating Launcher.
func NewLauncher(probe, render scraper.Launcher, detect Detector, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{probe: probe, render: render, detect: detect, logger: logger}
}

// Launch starts the probe session for baseURL.
func (l *Launcher) Launch(ctx context.Context, baseURL string) (scraper.Session, error) {
	probe, err := l.probe.Launch(ctx, baseURL)
	if err != nil {
		return nil, fmt.Errorf("probe session: %w", err)
	}
	return &session{launcher: l, baseURL: baseURL, probe: probe}, nil
}

type session struct {
	launcher *Launcher
	baseURL  string
	probe    scraper.Session

	mu       sync.Mutex
	render   scraper.Session
	promoted bool
	closed   bool
}

// Navigate fetches url with the probe session and re-fetches it through the
// rendering session when the probe result looks like a shell. Once promoted,
// every later page goes straight to the rendering session.
func (s *session) Navigate(ctx context.Context, url string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("navigate %s: %w", url, scraper.ErrSessionLost)
	}
	if s.promoted {
		return s.render.Navigate(ctx, url)
	}

	html, err := s.probe.Navigate(ctx, url)
	if err != nil {
		return "", err
	}
	if !s.launcher.detect.ShouldPromote(html) {
		return html, nil
	}

	s.launcher.logger.Info("promoting session to rendering browser", zap.String("url", url))
	render, err := s.launcher.render.Launch(ctx, s.baseURL)
	if err != nil {
		return "", fmt.Errorf("render session: %w: %w", scraper.ErrSessionLost, err)
	}
	s.render = render
	s.promoted = true
	if err := s.probe.Close(); err != nil {
		s.launcher.logger.Debug("close probe session failed", zap.Error(err))
	}
	return s.render.Navigate(ctx, url)
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if !s.promoted {
		errs = append(errs, s.probe.Close())
	}
	if s.render != nil {
		errs = append(errs, s.render.Close())
	}
	return errors.Join(errs...)
}

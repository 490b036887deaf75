package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/metrics"
	"github.com/JakeFAU/marketplace-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Launcher starts one Chrome process per job and caps concurrent sessions.
type Launcher struct {
	cfg     Config
	slots   chan struct{}
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewLauncher validates cfg and returns a Launcher. A nil limiter disables
// per-host pacing.
func NewLauncher(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) (*Launcher, error) {
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var slots chan struct{}
	if cfg.MaxSessions > 0 {
		slots = make(chan struct{}, cfg.MaxSessions)
	}
	return &Launcher{
		cfg:     cfg.withDefaults(),
		slots:   slots,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Launch blocks until a session slot is free, starts Chrome, and prepares a
// tab for baseURL's origin.
func (l *Launcher) Launch(ctx context.Context, baseURL string) (scraper.Session, error) {
	release, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(l.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// The first Run allocates the browser; it must use the unbounded context.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		release()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	s := &Session{
		ctx:        browserCtx,
		cancel:     browserCancel,
		allocClose: allocCancel,
		release:    release,
		navTimeout: l.cfg.NavTimeout,
		limiter:    l.limiter,
		idle:       newIdleWaiter(),
		logger:     l.logger,
	}
	if err := s.setup(ctx, l.cfg, originOf(baseURL)); err != nil {
		_ = s.Close()
		return nil, err
	}
	metrics.IncActiveSessions()
	s.counted = true
	return s, nil
}

func (l *Launcher) acquire(ctx context.Context) (func(), error) {
	if l.slots == nil {
		return func() {}, nil
	}
	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

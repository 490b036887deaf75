// Package app builds the long-lived services of the scraper and runs them
// until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/api"
	"github.com/JakeFAU/marketplace-scraper/internal/batch"
	"github.com/JakeFAU/marketplace-scraper/internal/browser"
	"github.com/JakeFAU/marketplace-scraper/internal/clock/system"
	"github.com/JakeFAU/marketplace-scraper/internal/config"
	"github.com/JakeFAU/marketplace-scraper/internal/dispatcher"
	"github.com/JakeFAU/marketplace-scraper/internal/extract"
	"github.com/JakeFAU/marketplace-scraper/internal/headless"
	"github.com/JakeFAU/marketplace-scraper/internal/headless/detector"
	collyfetcher "github.com/JakeFAU/marketplace-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/marketplace-scraper/internal/id/uuid"
	"github.com/JakeFAU/marketplace-scraper/internal/janitor"
	"github.com/JakeFAU/marketplace-scraper/internal/lifecycle"
	"github.com/JakeFAU/marketplace-scraper/internal/logging"
	"github.com/JakeFAU/marketplace-scraper/internal/middleware"
	"github.com/JakeFAU/marketplace-scraper/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/marketplace-scraper/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/marketplace-scraper/internal/queue/memory"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
	"github.com/JakeFAU/marketplace-scraper/internal/snapshot"
	badgerstore "github.com/JakeFAU/marketplace-scraper/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/marketplace-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/marketplace-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/marketplace-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/marketplace-scraper/internal/storage/postgres"
	"github.com/JakeFAU/marketplace-scraper/internal/webhook"
	"github.com/JakeFAU/marketplace-scraper/internal/worker"
)

const shutdownTimeout = 30 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     scraper.Store
	queue     *queuememory.Queue
	registry  *worker.Registry
	lifecycle *lifecycle.Manager
	dispatch  *dispatcher.Dispatcher
	limiter   *middleware.RateLimiter
	janitor   *janitor.Janitor
	apiServer *api.Server
	closers   []closer
}

type closer struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies. A nil logger is built from
// cfg.Logging and installed as the zap global.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("browser_driver", cfg.Browser.Driver),
		zap.String("extract_mode", cfg.Extract.Mode),
	)

	store, err := a.setupStore(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.store = store

	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	launcher, err := NewLauncher(cfg, logger)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	extractor, err := NewExtractor(cfg)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	a.lifecycle = lifecycle.New(store, publisher, ids, clock,
		lifecycle.Config{Topic: cfg.PubSub.TopicName}, logger.Named("lifecycle"))
	processor := batch.NewProcessor(
		launcher,
		extractor,
		store,
		a.lifecycle,
		snapshot.NewWriter(blobs, cfg.Storage.Prefix),
		ids,
		clock,
		BatchConfig(cfg),
		logger.Named("batch"),
	)

	a.queue = queuememory.NewQueue(cfg.Worker.QueueDepth)
	a.registry = worker.NewRegistry()
	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(a.queue, processor, a.registry,
			logger.Named("worker").With(zap.Int("index", i))))
	}
	a.dispatch = dispatcher.New(a.queue, workers, a.registry, store, a.lifecycle, logger.Named("dispatcher"))

	if cfg.RateLimit.Enabled {
		a.limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			Window:     cfg.RateLimit.Window,
			Limit:      cfg.RateLimit.MaxRequests,
			TrustProxy: cfg.RateLimit.TrustProxy,
		}, logger.Named("ratelimit"))
		logger.Info("inbound rate limiter enabled",
			zap.Duration("window", cfg.RateLimit.Window),
			zap.Int("max_requests", cfg.RateLimit.MaxRequests),
		)
	}
	var evicter janitor.Evicter
	if a.limiter != nil {
		evicter = a.limiter
	}
	a.janitor = janitor.New(evicter, a.dispatch, logger.Named("janitor"))

	a.apiServer = api.NewServer(
		store,
		a.lifecycle,
		a.dispatch,
		webhook.New(a.lifecycle, logger.Named("webhook")),
		a.limiter,
		cfg,
		logger.Named("api"),
	)
	return a, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the workers, the janitor and the HTTP server, and blocks until
// ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Start resumes unfinished jobs and launches the dispatcher and janitor in
// the background. They stop when ctx is canceled.
func (a *App) Start(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
		a.dispatch.Run(ctx)
	}()
	a.closers = append([]closer{{name: "dispatcher", fn: func() error {
		select {
		case <-done:
			return nil
		case <-time.After(shutdownTimeout):
			return errors.New("workers did not stop in time")
		}
	}}}, a.closers...)

	if a.cfg.Worker.ResumeOnStart {
		n, err := a.dispatch.Resume(ctx)
		if err != nil {
			return fmt.Errorf("resume unfinished jobs: %w", err)
		}
		a.logger.Info("resumed unfinished jobs", zap.Int("count", n))
	}
	if err := a.janitor.Start(janitor.Schedules{
		Evict: a.cfg.RateLimit.EvictSchedule,
		Sweep: a.cfg.Worker.SweepSchedule,
	}); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	return nil
}

// Close stops background services and releases clients in reverse build
// order. Errors are logged and joined.
func (a *App) Close(ctx context.Context) error {
	if a.janitor != nil {
		a.janitor.Stop(ctx)
	}
	if a.queue != nil {
		a.queue.Close()
	}
	err := a.closeAll()
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// addCloser registers fn to run before previously registered closers.
func (a *App) addCloser(name string, fn func() error) {
	a.closers = append([]closer{{name: name, fn: fn}}, a.closers...)
}

func (a *App) setupStore(ctx context.Context) (scraper.Store, error) {
	switch a.cfg.DB.Driver {
	case "postgres":
		store, err := OpenPostgres(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		a.addCloser("postgres", func() error { store.Close(); return nil })
		a.logger.Info("using postgres job store")
		return store, nil
	case "badger":
		store, err := badgerstore.Open(badgerstore.Config{Path: a.cfg.DB.BadgerPath})
		if err != nil {
			return nil, fmt.Errorf("badger store init failed: %w", err)
		}
		a.addCloser("badger", store.Close)
		a.logger.Info("using badger job store", zap.String("path", a.cfg.DB.BadgerPath))
		return store, nil
	default:
		a.logger.Warn("using in-memory job store; jobs do not survive restarts")
		return memorystorage.NewStore(), nil
	}
}

// OpenPostgres connects the Postgres store described by cfg.DB.
func OpenPostgres(ctx context.Context, cfg config.Config) (*pgstore.Store, error) {
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	return store, nil
}

func (a *App) setupBlobs(ctx context.Context) (scraper.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.addCloser("gcs", client.Close)
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot storage", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot storage", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory snapshot storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scraper.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured; job notifications disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	pub := gcppublisher.New(client)
	a.addCloser("pubsub", pub.Close)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

// NewLauncher builds the session driver selected by cfg.Browser.Driver. All
// drivers share one per-host pacing limiter; auto probes with colly and
// promotes shells to chromedp.
func NewLauncher(cfg config.Config, logger *zap.Logger) (scraper.Launcher, error) {
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Browser.DomainQPS, DefaultBurst: 1})
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Browser.UserAgent,
		Timeout:   cfg.Browser.NavTimeout,
	}, limiter)
	switch cfg.Browser.Driver {
	case "colly":
		return static, nil
	case "auto":
		render, err := newBrowserLauncher(cfg, limiter, logger)
		if err != nil {
			return nil, err
		}
		return headless.NewLauncher(static, render,
			detector.NewHeuristic(cfg.Browser.PromoteThreshold), logger.Named("headless")), nil
	default:
		launcher, err := newBrowserLauncher(cfg, limiter, logger)
		if err != nil {
			return nil, err
		}
		return launcher, nil
	}
}

func newBrowserLauncher(cfg config.Config, limiter *ratelimit.Limiter, logger *zap.Logger) (*browser.Launcher, error) {
	launcher, err := browser.NewLauncher(browser.Config{
		Headless:     cfg.Browser.Headless,
		MaxSessions:  cfg.Browser.MaxSessions,
		NavTimeout:   cfg.Browser.NavTimeout,
		UserAgent:    cfg.Browser.UserAgent,
		WindowWidth:  cfg.Browser.WindowWidth,
		WindowHeight: cfg.Browser.WindowHeight,
		BlockImages:  cfg.Browser.BlockImages,
		ChromePath:   cfg.Browser.ChromePath,
	}, limiter, logger.Named("browser"))
	if err != nil {
		return nil, fmt.Errorf("browser launcher init failed: %w", err)
	}
	return launcher, nil
}

// NewExtractor builds the extractor selected by cfg.Extract.Mode, bounded by
// cfg.Extract.Timeout.
func NewExtractor(cfg config.Config) (scraper.Extractor, error) {
	var ext scraper.Extractor
	switch cfg.Extract.Mode {
	case "service":
		client, err := extract.NewServiceClient(cfg.Extract.ServiceURL, &http.Client{Timeout: cfg.Extract.Timeout})
		if err != nil {
			return nil, fmt.Errorf("extraction service client: %w", err)
		}
		ext = extract.NewPipeline(client)
	case "claude":
		parser, err := extract.NewClaudeParser(extract.ClaudeOptions{
			APIKey:    cfg.Extract.Claude.APIKey,
			Model:     cfg.Extract.Claude.Model,
			MaxTokens: cfg.Extract.Claude.MaxTokens,
			Markdown:  cfg.Extract.Claude.Markdown,
		})
		if err != nil {
			return nil, fmt.Errorf("claude parser: %w", err)
		}
		ext = extract.NewPipeline(parser)
	default:
		ext = extract.NewSelectorExtractor(extract.Selectors{})
	}
	return extract.WithTimeout(ext, cfg.Extract.Timeout), nil
}

// BatchConfig maps cfg.Batch onto the processor settings.
func BatchConfig(cfg config.Config) batch.Config {
	return batch.Config{
		Throttle:        cfg.Batch.Throttle,
		CheckpointEvery: cfg.Batch.CheckpointEvery,
		SnapshotEvery:   cfg.Batch.SnapshotEvery,
		TopN:            cfg.Batch.TopN,
		DefaultCurrency: cfg.Batch.DefaultCurrency,
	}
}

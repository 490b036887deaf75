// Package batch drives one job's product list to completion: navigate,
// extract, rank, persist, checkpoint, throttle. Items are processed strictly
// in order and one bad term never aborts the batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/csvio"
	"github.com/JakeFAU/marketplace-scraper/internal/lifecycle"
	"github.com/JakeFAU/marketplace-scraper/internal/logging"
	"github.com/JakeFAU/marketplace-scraper/internal/metrics"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
	"github.com/JakeFAU/marketplace-scraper/internal/similarity"
)

// Item outcomes, also used as metric labels.
const (
	outcomeSaved  = "saved"
	outcomeNoData = "no_data"
	outcomeError  = "error"
)

// Config controls pacing and persistence cadence.
type Config struct {
	Throttle        time.Duration
	CheckpointEvery int
	SnapshotEvery   int
	TopN            int
	DefaultCurrency string
}

func (c Config) withDefaults() Config {
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 10
	}
	if c.TopN <= 0 {
		c.TopN = 3
	}
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "RUB"
	}
	return c
}

// Lifecycle is the subset of the lifecycle manager the processor drives.
type Lifecycle interface {
	Start(ctx context.Context, jobID string) (scraper.Job, error)
	Complete(ctx context.Context, jobID, message string) (scraper.Job, error)
	Fail(ctx context.Context, jobID, message string) (scraper.Job, error)
	Log(ctx context.Context, jobID string, status scraper.JobStatus, message string) error
}

// Store is the persistence the processor writes to directly.
type Store interface {
	UpsertProduct(ctx context.Context, product scraper.Product) (scraper.Product, error)
	ListProducts(ctx context.Context, jobID string) ([]scraper.Product, error)
	SaveCheckpoint(ctx context.Context, jobID string, index int, at time.Time) error
}

// Snapshotter writes CSV progress artifacts.
type Snapshotter interface {
	Progress(ctx context.Context, jobID string, rows []csvio.Row) (string, error)
	Results(ctx context.Context, jobID string, rows []csvio.Row) (string, error)
}

// Processor runs jobs.
type Processor struct {
	launcher  scraper.Launcher
	extractor scraper.Extractor
	store     Store
	lifecycle Lifecycle
	snapshots Snapshotter
	ids       scraper.IDGenerator
	clock     scraper.Clock
	cfg       Config
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewProcessor constructs a Processor. snapshots may be nil.
func NewProcessor(
	launcher scraper.Launcher,
	extractor scraper.Extractor,
	store Store,
	lc Lifecycle,
	snapshots Snapshotter,
	ids scraper.IDGenerator,
	clock scraper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		launcher:  launcher,
		extractor: extractor,
		store:     store,
		lifecycle: lc,
		snapshots: snapshots,
		ids:       ids,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		sleep:     sleepContext,
	}
}

// run carries the mutable state of one job execution.
type run struct {
	job     scraper.Job
	session scraper.Session
	rows    []csvio.Row
	done    int
	saved   int
	noData  int
}

// Run processes jobID from its checkpoint to the end of its product list and
// records the outcome. It returns a non-nil error only when the job could not
// be finalized or was interrupted by shutdown; a canceled job is FAILED and
// Run returns nil.
func (p *Processor) Run(ctx context.Context, jobID string) error {
	logger := logging.ForJob(p.logger, jobID)

	job, err := p.lifecycle.Start(ctx, jobID)
	if err != nil {
		if errors.Is(err, scraper.ErrInvalidTransition) {
			logger.Info("job already finalized, skipping")
			return nil
		}
		return fmt.Errorf("start job: %w", err)
	}

	r := &run{job: job, done: clampCheckpoint(job)}
	if r.done > 0 {
		logger.Info("resuming job", zap.Int("checkpoint", r.done), zap.Int("terms", len(job.ProductList)))
		if err := p.seedRows(ctx, r); err != nil {
			return p.fail(ctx, r, err)
		}
	}

	err = p.process(ctx, r)
	switch {
	case err == nil:
		return p.complete(ctx, r)
	case errors.Is(err, scraper.ErrInvalidTransition):
		logger.Info("job finalized elsewhere, stopping", zap.Error(err))
		return nil
	case ctx.Err() != nil && errors.Is(context.Cause(ctx), scraper.ErrJobCanceled):
		logger.Info("job canceled", zap.Int("processed", r.done))
		p.checkpoint(context.WithoutCancel(ctx), r)
		_, ferr := p.lifecycle.Fail(context.WithoutCancel(ctx), jobID, lifecycle.CanceledMessage)
		if ferr != nil && !errors.Is(ferr, scraper.ErrInvalidTransition) {
			return fmt.Errorf("fail canceled job: %w", ferr)
		}
		return nil
	case ctx.Err() != nil:
		logger.Info("job interrupted, leaving it resumable", zap.Int("processed", r.done))
		p.checkpoint(context.WithoutCancel(ctx), r)
		return fmt.Errorf("job %s interrupted: %w", jobID, context.Cause(ctx))
	default:
		return p.fail(ctx, r, err)
	}
}

// process walks the remaining terms. Any returned error is fatal for the job.
func (p *Processor) process(ctx context.Context, r *run) error {
	if r.done >= len(r.job.ProductList) {
		return nil
	}
	session, err := p.launcher.Launch(ctx, r.job.BaseURL)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	r.session = session
	defer func() {
		if cerr := session.Close(); cerr != nil {
			p.logger.Warn("close session failed", zap.String("job_id", r.job.ID), zap.Error(cerr))
		}
	}()

	for i := r.done; i < len(r.job.ProductList); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		term := r.job.ProductList[i]
		outcome, message, err := p.processItem(ctx, r, term)
		if err != nil {
			return err
		}
		// An interrupted navigation or extraction must not count as done.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ObserveItem(outcome)
		if err := p.lifecycle.Log(ctx, r.job.ID, scraper.JobStatusRunning, message); err != nil {
			return err
		}
		r.done = i + 1
		if r.done%p.cfg.CheckpointEvery == 0 {
			if err := p.store.SaveCheckpoint(ctx, r.job.ID, r.done, p.clock.Now()); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
		}
		if r.done%p.cfg.SnapshotEvery == 0 {
			p.snapshot(ctx, r, false)
		}
		if outcome == outcomeSaved && p.cfg.Throttle > 0 {
			if err := p.sleep(ctx, p.cfg.Throttle); err != nil {
				return err
			}
		}
	}
	return nil
}

// processItem handles one term. Navigation and extraction problems are
// reported as outcomes; only session loss and store errors are returned.
func (p *Processor) processItem(ctx context.Context, r *run, term string) (string, string, error) {
	logger := logging.ForJob(p.logger, r.job.ID).With(zap.String("term", term))
	searchURL := r.job.BaseURL + escapeTerm(term)

	html, err := r.session.Navigate(ctx, searchURL)
	if err != nil {
		if errors.Is(err, scraper.ErrSessionLost) {
			return "", "", err
		}
		logger.Warn("navigation failed", zap.Error(err))
		return outcomeError, fmt.Sprintf("%s: navigation failed: %v", term, err), nil
	}

	start := time.Now()
	candidates, err := p.extractor.Extract(ctx, html)
	if err != nil {
		metrics.ObserveExtraction(outcomeError, time.Since(start))
		logger.Warn("extraction failed", zap.Error(err))
		r.noData++
		return outcomeNoData, fmt.Sprintf("%s: no data found (%v)", term, err), nil
	}
	if len(candidates) == 0 {
		metrics.ObserveExtraction(outcomeNoData, time.Since(start))
		logger.Info("no data found")
		r.noData++
		return outcomeNoData, fmt.Sprintf("%s: no data found", term), nil
	}
	metrics.ObserveExtraction(outcomeSaved, time.Since(start))

	ranked := similarity.Rank(term, candidates, func(c scraper.Candidate) string { return c.Description }, p.cfg.TopN)
	best := ranked[0]
	product, err := p.buildProduct(r.job, term, best)
	if err != nil {
		return "", "", err
	}
	saved, err := p.store.UpsertProduct(ctx, product)
	if err != nil {
		return "", "", fmt.Errorf("save product for %q: %w", term, err)
	}
	r.saved++

	tops := make([]string, 0, len(ranked))
	for _, c := range ranked {
		r.rows = append(r.rows, p.row(r.job, term, c))
		tops = append(tops, fmt.Sprintf("%q %.1f", c.Item.Description, c.Score))
	}
	logger.Info("product saved",
		zap.String("product_id", saved.ID),
		zap.String("name", saved.Name),
		zap.Float64("similarity", saved.Similarity),
	)
	return outcomeSaved, fmt.Sprintf("%s: saved %q (similarity %.1f); top: %s",
		term, saved.Name, saved.Similarity, strings.Join(tops, ", ")), nil
}

func (p *Processor) buildProduct(job scraper.Job, term string, best similarity.Ranked[scraper.Candidate]) (scraper.Product, error) {
	id, err := p.ids.NewID()
	if err != nil {
		return scraper.Product{}, fmt.Errorf("generate product id: %w", err)
	}
	c := best.Item
	return scraper.Product{
		ID:         id,
		JobID:      job.ID,
		SearchTerm: term,
		Name:       c.Description,
		Brand:      c.Brand,
		Code:       c.Code,
		Price:      c.Price,
		Currency:   p.currency(c),
		Rating:     c.Rating,
		Link:       productLink(job.BaseURL, c),
		Similarity: best.Score,
	}, nil
}

func (p *Processor) row(job scraper.Job, term string, c similarity.Ranked[scraper.Candidate]) csvio.Row {
	return csvio.Row{
		SearchCriteria: term,
		Description:    c.Item.Description,
		Brand:          c.Item.Brand,
		Rating:         c.Item.Rating,
		Similarity:     c.Score,
		Price:          c.Item.Price,
		Currency:       p.currency(c.Item),
		URL:            productLink(job.BaseURL, c.Item),
		ProductID:      c.Item.Code,
	}
}

func (p *Processor) currency(c scraper.Candidate) string {
	if c.Currency != "" {
		return c.Currency
	}
	return p.cfg.DefaultCurrency
}

func (p *Processor) complete(ctx context.Context, r *run) error {
	p.snapshot(ctx, r, true)
	message := fmt.Sprintf("processed %d terms: %d saved, %d without data", len(r.job.ProductList), r.saved, r.noData)
	if _, err := p.lifecycle.Complete(ctx, r.job.ID, message); err != nil {
		if errors.Is(err, scraper.ErrInvalidTransition) {
			p.logger.Info("job finalized elsewhere before completion", zap.String("job_id", r.job.ID))
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, r *run, cause error) error {
	p.logger.Error("job failed", zap.String("job_id", r.job.ID), zap.Int("processed", r.done), zap.Error(cause))
	ctx = context.WithoutCancel(ctx)
	p.checkpoint(ctx, r)
	p.snapshot(ctx, r, false)
	if _, err := p.lifecycle.Fail(ctx, r.job.ID, cause.Error()); err != nil && !errors.Is(err, scraper.ErrInvalidTransition) {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// checkpoint persists r.done on exit paths. Failures are logged; the job's
// status write that follows is what matters.
func (p *Processor) checkpoint(ctx context.Context, r *run) {
	if r.done == 0 {
		return
	}
	if err := p.store.SaveCheckpoint(ctx, r.job.ID, r.done, p.clock.Now()); err != nil &&
		!errors.Is(err, scraper.ErrInvalidTransition) {
		p.logger.Warn("save checkpoint failed", zap.String("job_id", r.job.ID), zap.Error(err))
	}
}

func (p *Processor) snapshot(ctx context.Context, r *run, final bool) {
	if p.snapshots == nil {
		return
	}
	write := p.snapshots.Progress
	if final {
		write = p.snapshots.Results
	}
	uri, err := write(ctx, r.job.ID, r.rows)
	if err != nil {
		p.logger.Warn("write snapshot failed", zap.String("job_id", r.job.ID), zap.Error(err))
		return
	}
	p.logger.Debug("snapshot written", zap.String("job_id", r.job.ID), zap.String("uri", uri), zap.Int("rows", len(r.rows)))
}

// seedRows restores snapshot rows for terms finished before a restart.
// Terms at or past the checkpoint are about to run again and are skipped.
func (p *Processor) seedRows(ctx context.Context, r *run) error {
	products, err := p.store.ListProducts(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}
	finished := make(map[string]struct{}, r.done)
	for _, term := range r.job.ProductList[:r.done] {
		finished[term] = struct{}{}
	}
	for _, prod := range products {
		if _, ok := finished[prod.SearchTerm]; !ok {
			continue
		}
		r.rows = append(r.rows, csvio.Row{
			SearchCriteria: prod.SearchTerm,
			Description:    prod.Name,
			Brand:          prod.Brand,
			Rating:         prod.Rating,
			Similarity:     prod.Similarity,
			Price:          prod.Price,
			Currency:       prod.Currency,
			URL:            prod.Link,
			ProductID:      prod.Code,
		})
	}
	return nil
}

// escapeTerm encodes term as a URI component: spaces become %20, never '+',
// so the result is safe after either a query parameter or a path segment.
func escapeTerm(term string) string {
	return strings.ReplaceAll(url.QueryEscape(term), "+", "%20")
}

func clampCheckpoint(job scraper.Job) int {
	switch {
	case job.Checkpoint < 0:
		return 0
	case job.Checkpoint > len(job.ProductList):
		return len(job.ProductList)
	default:
		return job.Checkpoint
	}
}

// productLink resolves the candidate's link against baseURL, or builds
// <scheme>://<host>/<code>-<name> when the page gave none.
func productLink(baseURL string, c scraper.Candidate) string {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return c.Link
	}
	if c.Link != "" {
		ref, err := url.Parse(c.Link)
		if err != nil {
			return c.Link
		}
		return base.ResolveReference(ref).String()
	}
	slug := strings.Join(strings.Fields(strings.ToLower(c.Description)), "-")
	var tail string
	switch {
	case c.Code != "" && slug != "":
		tail = c.Code + "-" + slug
	case c.Code != "":
		tail = c.Code
	case slug != "":
		tail = slug
	default:
		return ""
	}
	return (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/" + tail}).String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

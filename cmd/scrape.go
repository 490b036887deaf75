package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/app"
	"github.com/JakeFAU/marketplace-scraper/internal/batch"
	"github.com/JakeFAU/marketplace-scraper/internal/clock/system"
	"github.com/JakeFAU/marketplace-scraper/internal/config"
	"github.com/JakeFAU/marketplace-scraper/internal/csvio"
	"github.com/JakeFAU/marketplace-scraper/internal/id/uuid"
	"github.com/JakeFAU/marketplace-scraper/internal/lifecycle"
	"github.com/JakeFAU/marketplace-scraper/internal/logging"
	memorypublisher "github.com/JakeFAU/marketplace-scraper/internal/publisher/memory"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
	"github.com/JakeFAU/marketplace-scraper/internal/snapshot"
	localstorage "github.com/JakeFAU/marketplace-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/marketplace-scraper/internal/storage/memory"
)

type scrapeOptions struct {
	input    string
	baseURL  string
	outDir   string
	userID   string
	configID string
}

func newScrapeCmd(load configLoader) *cobra.Command {
	opts := scrapeOptions{}
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrapes a CSV of search terms without the API",
		Long: `Reads search terms from the "List" column of --input, runs them against
--base-url in the foreground, and writes progress and result CSVs under
--out. Nothing is persisted beyond the output directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runScrape(ctx, cmd, opts, cfg)
		},
	}
	cmd.Flags().StringVar(&opts.input, "input", "", "CSV file with a List column of search terms")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "marketplace search URL; the term is appended")
	cmd.Flags().StringVar(&opts.outDir, "out", "out", "directory for progress and result CSVs")
	cmd.Flags().StringVar(&opts.userID, "user", "cli", "user id recorded on the job")
	cmd.Flags().StringVar(&opts.configID, "config-id", "cli", "marketplace config id recorded on the job")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("base-url")
	return cmd
}

// localTopic names the in-process topic the offline run publishes its
// terminal notification to.
const localTopic = "scrape-local"

func runScrape(ctx context.Context, cmd *cobra.Command, opts scrapeOptions, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	terms, err := readTerms(opts.input, cfg.CSV.TermColumn)
	if err != nil {
		return err
	}
	if len(terms) == 0 {
		return errors.New("input has no search terms")
	}

	blobs, err := localstorage.New(localstorage.Config{BaseDir: opts.outDir})
	if err != nil {
		return fmt.Errorf("output dir: %w", err)
	}
	launcher, err := app.NewLauncher(cfg, logger)
	if err != nil {
		return err
	}
	extractor, err := app.NewExtractor(cfg)
	if err != nil {
		return err
	}

	store := memorystorage.NewStore()
	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	snapshots := snapshot.NewWriter(blobs, "")
	notes := memorypublisher.New()
	mgr := lifecycle.New(store, notes, ids, clock, lifecycle.Config{Topic: localTopic}, logger.Named("lifecycle"))
	processor := batch.NewProcessor(launcher, extractor, store, mgr, snapshots, ids, clock,
		app.BatchConfig(cfg), logger.Named("batch"))

	job, err := mgr.Submit(ctx, lifecycle.SubmitRequest{
		Terms:               terms,
		BaseURL:             opts.baseURL,
		UserID:              opts.userID,
		MarketplaceConfigID: opts.configID,
	})
	if err != nil {
		return err
	}
	logger.Info("scrape started", zap.String("job_id", job.ID), zap.Int("terms", len(terms)))
	if err := processor.Run(ctx, job.ID); err != nil {
		return fmt.Errorf("run job %s: %w", job.ID, err)
	}

	job, err = store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	products, err := store.ListProducts(ctx, job.ID)
	if err != nil {
		return err
	}
	if note, ok := notes.Last(localTopic); ok {
		if _, err := blobs.PutObject(ctx, snapshots.Path(job.ID, "notification.json"), "application/json",
			bytes.NewReader(note.Data)); err != nil {
			logger.Warn("write notification failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	results := filepath.Join(opts.outDir, filepath.FromSlash(snapshots.Path(job.ID, "results.csv")))
	fmt.Fprintf(cmd.OutOrStdout(), "job %s %s: %d/%d terms matched\n", job.ID, job.Status, len(products), len(terms))
	if job.Status == scraper.JobStatusFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.ErrorMessage)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "results: %s\n", results)
	return nil
}

func readTerms(path, column string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = f.Close() }()
	terms, err := csvio.ReadTerms(f, column)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return terms, nil
}

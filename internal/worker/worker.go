// Package worker runs queued jobs through the batch processor.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/logging"
	"github.com/JakeFAU/marketplace-scraper/internal/metrics"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Runner executes one job to a recorded outcome.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Worker consumes queue items one at a time.
type Worker struct {
	queue    scraper.Queue
	runner   Runner
	registry *Registry
	logger   *zap.Logger
}

// New constructs a Worker.
func New(queue scraper.Queue, runner Runner, registry *Registry, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Worker{
		queue:    queue,
		runner:   runner,
		registry: registry,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if errors.Is(err, scraper.ErrQueueClosed) {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item scraper.QueueItem) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.registry.Attach(item.JobID, cancel)
	defer w.registry.Release(item.JobID)

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := time.Now()
	logger := logging.ForJob(w.logger, item.JobID)
	logger.Info("job started", zap.Int("attempt", item.Attempt))
	if err := w.runner.Run(jobCtx, item.JobID); err != nil {
		if ctx.Err() != nil {
			logger.Info("job interrupted by shutdown", zap.Error(err))
			return
		}
		logger.Error("job run failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	logger.Info("job finished", zap.Duration("duration", time.Since(start)))
}

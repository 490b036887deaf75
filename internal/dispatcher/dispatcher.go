// Package dispatcher manages worker fan-out over the job queue and owns the
// set of jobs this process is responsible for.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/lifecycle"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
	"github.com/JakeFAU/marketplace-scraper/internal/worker"
)

// JobReader is the store access the dispatcher needs.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (scraper.Job, error)
	ListUnfinishedJobs(ctx context.Context) ([]scraper.Job, error)
}

// Failer fails jobs that are not running here.
type Failer interface {
	Fail(ctx context.Context, jobID, message string) (scraper.Job, error)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue    scraper.Queue
	workers  []*worker.Worker
	registry *worker.Registry
	jobs     JobReader
	failer   Failer
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue scraper.Queue,
	workers []*worker.Worker,
	registry *worker.Registry,
	jobs JobReader,
	failer Failer,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		workers:  workers,
		registry: registry,
		jobs:     jobs,
		failer:   failer,
		logger:   logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue schedules jobID unless this process already tracks it.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID string) error {
	if !d.registry.Claim(jobID) {
		return nil
	}
	item := scraper.QueueItem{JobID: jobID, Submitted: time.Now().Unix()}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		d.registry.Release(jobID)
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Cancel stops a job. A job running here is signaled and fails at its next
// item boundary; any other unfinished job is failed directly.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (scraper.Job, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return scraper.Job{}, err
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("cancel job %s: %w", jobID, scraper.ErrInvalidTransition)
	}
	if d.registry.Cancel(jobID) {
		d.logger.Info("cancel signaled", zap.String("job_id", jobID))
		return job, nil
	}
	return d.failer.Fail(ctx, jobID, lifecycle.CanceledMessage)
}

// Resume enqueues unfinished jobs that no worker here is tracking and
// returns how many were scheduled.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	jobs, err := d.jobs.ListUnfinishedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	scheduled := 0
	for _, job := range jobs {
		if d.registry.Tracked(job.ID) {
			continue
		}
		if err := d.Enqueue(ctx, job.ID); err != nil {
			return scheduled, err
		}
		scheduled++
		d.logger.Info("resumed job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Int("checkpoint", job.Checkpoint),
		)
	}
	return scheduled, nil
}

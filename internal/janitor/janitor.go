// Package janitor runs periodic maintenance: evicting expired rate-limit
// windows and re-enqueueing unfinished jobs no worker is tracking.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Evicter drops expired rate-limit windows.
type Evicter interface {
	Evict() int
}

// Resumer re-enqueues orphaned jobs.
type Resumer interface {
	Resume(ctx context.Context) (int, error)
}

// Schedules holds cron expressions; an empty expression disables the task.
type Schedules struct {
	Evict string
	Sweep string
}

const sweepTimeout = 2 * time.Minute

// Janitor owns the maintenance cron.
type Janitor struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	evicter Evicter
	resumer Resumer
	logger  *zap.Logger
}

// New constructs a Janitor. Either collaborator may be nil.
func New(evicter Evicter, resumer Resumer, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		cron:    cron.New(),
		ctx:     ctx,
		cancel:  cancel,
		evicter: evicter,
		resumer: resumer,
		logger:  logger,
	}
}

// Start registers the scheduled tasks and starts the cron.
func (j *Janitor) Start(s Schedules) error {
	if j.evicter != nil && s.Evict != "" {
		if _, err := j.cron.AddFunc(s.Evict, func() { j.EvictNow() }); err != nil {
			return fmt.Errorf("schedule eviction %q: %w", s.Evict, err)
		}
	}
	if j.resumer != nil && s.Sweep != "" {
		if _, err := j.cron.AddFunc(s.Sweep, func() {
			ctx, cancel := context.WithTimeout(j.ctx, sweepTimeout)
			defer cancel()
			if _, err := j.SweepNow(ctx); err != nil {
				j.logger.Error("resume sweep failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", s.Sweep, err)
		}
	}
	j.cron.Start()
	j.logger.Info("janitor started",
		zap.String("evict_schedule", s.Evict),
		zap.String("sweep_schedule", s.Sweep),
		zap.Int("tasks", len(j.cron.Entries())),
	)
	return nil
}

// Stop halts the cron, cancels an in-flight sweep, and waits for running
// tasks or ctx, whichever is first.
func (j *Janitor) Stop(ctx context.Context) {
	j.cancel()
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		j.logger.Warn("janitor stop timed out", zap.Error(ctx.Err()))
	}
}

// EvictNow drops expired rate-limit windows immediately.
func (j *Janitor) EvictNow() int {
	if j.evicter == nil {
		return 0
	}
	n := j.evicter.Evict()
	if n > 0 {
		j.logger.Debug("evicted rate-limit windows", zap.Int("count", n))
	}
	return n
}

// SweepNow re-enqueues orphaned jobs immediately.
func (j *Janitor) SweepNow(ctx context.Context) (int, error) {
	if j.resumer == nil {
		return 0, nil
	}
	n, err := j.resumer.Resume(ctx)
	if err != nil {
		return n, fmt.Errorf("resume unfinished jobs: %w", err)
	}
	if n > 0 {
		j.logger.Info("resume sweep scheduled jobs", zap.Int("count", n))
	}
	return n, nil
}
